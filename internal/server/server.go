// Package server exposes the orchestrator over HTTP. Authentication is the
// surrounding platform's job; this surface trusts the identity fields its
// caller supplies.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ctfgrid/warden/internal/db"
	"github.com/ctfgrid/warden/internal/dockerapi"
	"github.com/ctfgrid/warden/internal/driver"
	"github.com/ctfgrid/warden/internal/orchestrator"
	"github.com/ctfgrid/warden/internal/ports"
	"github.com/ctfgrid/warden/internal/secrets"
	"github.com/ctfgrid/warden/internal/spec"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server holds the handler dependencies.
type Server struct {
	store *db.Store
	orch  *orchestrator.Orchestrator
}

// New builds a Server.
func New(store *db.Store, orch *orchestrator.Orchestrator) *Server {
	return &Server{store: store, orch: orch}
}

// Router mounts every route.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/instances", s.createInstance)
		r.Get("/instances", s.listInstances)
		r.Delete("/instances", s.killAll)
		r.Delete("/instances/{instanceID}", s.killOne)

		r.Post("/solves", s.recordSolve)

		r.Post("/challenges", s.createChallenge)
		r.Get("/challenges", s.listChallenges)
		r.Get("/challenges/{id}", s.getChallenge)
		r.Put("/challenges/{id}", s.updateChallenge)
		r.Delete("/challenges/{id}", s.deleteChallenge)

		r.Get("/repositories", s.listRepositories)
		r.Get("/images/ports", s.imagePorts)
		r.Get("/version", s.versionInfo)

		r.Get("/secrets", s.listSecrets)
		r.Post("/secrets", s.createSecret)
		r.Delete("/secrets", s.deleteAllSecrets)
		r.Delete("/secrets/{id}", s.deleteSecret)

		r.Get("/config/docker", s.getEndpointConfig)
		r.Put("/config/docker", s.putEndpointConfig)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"success": true, "data": data})
}

func fail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "message": message})
}

// ownerFromQuery reads team_id / user_id query parameters.
func ownerFromQuery(r *http.Request) (spec.Owner, error) {
	q := r.URL.Query()
	if raw := q.Get("team_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return spec.Owner{}, fmt.Errorf("invalid team_id %q", raw)
		}
		return spec.TeamOwner(uint(id), ""), nil
	}
	if raw := q.Get("user_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return spec.Owner{}, fmt.Errorf("invalid user_id %q", raw)
		}
		return spec.UserOwner(uint(id), ""), nil
	}
	return spec.Owner{}, errors.New("one of team_id or user_id is required")
}

func (s *Server) endpoint(w http.ResponseWriter) (row *db.DockerEndpoint, okEp bool) {
	row, err := s.store.Endpoint()
	if err != nil {
		fail(w, http.StatusInternalServerError, "docker endpoint not configured")
		return nil, false
	}
	return row, true
}

func (s *Server) createInstance(w http.ResponseWriter, r *http.Request) {
	var req spec.InstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	owner := req.Owner()
	if !owner.Valid() {
		fail(w, http.StatusBadRequest, "exactly one of team_id or user_id must be set")
		return
	}

	result, err := s.orch.Provision(r.Context(), owner, req.ChallengeID)
	switch {
	case errors.Is(err, orchestrator.ErrCooldown):
		fail(w, http.StatusForbidden, "instance already running, revert not yet allowed")
	case errors.Is(err, orchestrator.ErrNotFound):
		fail(w, http.StatusNotFound, "challenge not found")
	case err != nil:
		// Docker error bodies can leak internal details; callers get a
		// generic failure and the specifics stay in the server log.
		fail(w, http.StatusInternalServerError, "instance creation failed")
	default:
		ok(w, http.StatusCreated, result)
	}
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromQuery(r)
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := s.store.InstancesFor(owner)
	if err != nil {
		fail(w, http.StatusInternalServerError, "could not load instances")
		return
	}

	type view struct {
		ID          uint     `json:"id"`
		TeamID      uint     `json:"team_id,omitempty"`
		UserID      uint     `json:"user_id,omitempty"`
		ChallengeID uint     `json:"challenge_id"`
		DockerImage string   `json:"docker_image"`
		Timestamp   int64    `json:"timestamp"`
		RevertTime  int64    `json:"revert_time"`
		InstanceID  string   `json:"instance_id"`
		Ports       []string `json:"ports"`
		Host        string   `json:"host"`
	}
	data := make([]view, 0, len(recs))
	for _, rec := range recs {
		data = append(data, view{
			ID:          rec.ID,
			TeamID:      rec.TeamID,
			UserID:      rec.UserID,
			ChallengeID: rec.ChallengeID,
			DockerImage: rec.DockerImage,
			Timestamp:   rec.Timestamp,
			RevertTime:  rec.RevertTime,
			InstanceID:  rec.InstanceID,
			Ports:       rec.PortList(),
			Host:        rec.Host,
		})
	}
	ok(w, http.StatusOK, data)
}

func (s *Server) killOne(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")
	err := s.orch.Destroy(r.Context(), instanceID)
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		fail(w, http.StatusNotFound, "instance not found")
	case err != nil:
		fail(w, http.StatusInternalServerError, "instance deletion failed")
	default:
		ok(w, http.StatusOK, map[string]string{"instance_id": instanceID})
	}
}

func (s *Server) killAll(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("all") != "true" {
		fail(w, http.StatusBadRequest, "pass all=true to destroy every instance")
		return
	}
	destroyed, failed, err := s.orch.DestroyAll(r.Context())
	if err != nil {
		fail(w, http.StatusInternalServerError, "kill-all failed")
		return
	}
	ok(w, http.StatusOK, map[string]int{"destroyed": destroyed, "failed": failed})
}

func (s *Server) recordSolve(w http.ResponseWriter, r *http.Request) {
	var req spec.SolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	owner := req.Owner()
	if !owner.Valid() {
		fail(w, http.StatusBadRequest, "exactly one of team_id or user_id must be set")
		return
	}
	// Cleanup is best-effort; the solve itself is recorded elsewhere and
	// must never be blocked by instance teardown.
	s.orch.CleanupOnSolve(r.Context(), owner, req.ChallengeID)
	ok(w, http.StatusOK, map[string]bool{"cleaned": true})
}

// decodeChallengeRequest reads and validates a challenge create/update body.
// The returned secrets JSON is what goes into the challenge row.
func decodeChallengeRequest(w http.ResponseWriter, r *http.Request) (*spec.ChallengeRequest, string, bool) {
	var req spec.ChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return nil, "", false
	}
	if req.Kind != db.KindContainer && req.Kind != db.KindService {
		fail(w, http.StatusBadRequest, "kind must be 'container' or 'service'")
		return nil, "", false
	}
	if req.Image == "" {
		fail(w, http.StatusBadRequest, "image is required")
		return nil, "", false
	}
	if err := ports.Validate(req.ExposedPorts); err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return nil, "", false
	}
	secretsJSON := "[]"
	if len(req.Secrets) > 0 {
		raw, err := json.Marshal(req.Secrets)
		if err != nil {
			fail(w, http.StatusBadRequest, "invalid secrets list")
			return nil, "", false
		}
		secretsJSON = string(raw)
	}
	return &req, secretsJSON, true
}

func (s *Server) createChallenge(w http.ResponseWriter, r *http.Request) {
	req, secretsJSON, okReq := decodeChallengeRequest(w, r)
	if !okReq {
		return
	}

	chal := &db.Challenge{
		Name:         req.Name,
		Image:        req.Image,
		ExposedPorts: req.ExposedPorts,
		Kind:         req.Kind,
		Secrets:      secretsJSON,
	}
	if err := s.store.CreateChallenge(chal); err != nil {
		fail(w, http.StatusInternalServerError, "could not save challenge")
		return
	}
	ok(w, http.StatusCreated, chal)
}

func (s *Server) updateChallenge(w http.ResponseWriter, r *http.Request) {
	id, err := challengeID(r)
	if err != nil {
		fail(w, http.StatusBadRequest, "invalid challenge id")
		return
	}
	chal, err := s.store.Challenge(id)
	if err != nil {
		fail(w, http.StatusInternalServerError, "could not load challenge")
		return
	}
	if chal == nil {
		fail(w, http.StatusNotFound, "challenge not found")
		return
	}

	req, secretsJSON, okReq := decodeChallengeRequest(w, r)
	if !okReq {
		return
	}
	chal.Name = req.Name
	chal.Image = req.Image
	chal.ExposedPorts = req.ExposedPorts
	chal.Kind = req.Kind
	chal.Secrets = secretsJSON
	if err := s.store.SaveChallenge(chal); err != nil {
		fail(w, http.StatusInternalServerError, "could not save challenge")
		return
	}
	ok(w, http.StatusOK, chal)
}

func (s *Server) listChallenges(w http.ResponseWriter, _ *http.Request) {
	cs, err := s.store.Challenges()
	if err != nil {
		fail(w, http.StatusInternalServerError, "could not load challenges")
		return
	}
	ok(w, http.StatusOK, cs)
}

func challengeID(r *http.Request) (uint, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	return uint(id), err
}

func (s *Server) getChallenge(w http.ResponseWriter, r *http.Request) {
	id, err := challengeID(r)
	if err != nil {
		fail(w, http.StatusBadRequest, "invalid challenge id")
		return
	}
	chal, err := s.store.Challenge(id)
	if err != nil {
		fail(w, http.StatusInternalServerError, "could not load challenge")
		return
	}
	if chal == nil {
		fail(w, http.StatusNotFound, "challenge not found")
		return
	}
	ok(w, http.StatusOK, chal)
}

func (s *Server) deleteChallenge(w http.ResponseWriter, r *http.Request) {
	id, err := challengeID(r)
	if err != nil {
		fail(w, http.StatusBadRequest, "invalid challenge id")
		return
	}
	// Destroy every tracked instance first so nothing keeps running for a
	// challenge that no longer exists.
	if err := s.orch.CleanupChallenge(r.Context(), id); err != nil {
		fail(w, http.StatusInternalServerError, "could not clean up challenge instances")
		return
	}
	if err := s.store.DeleteChallenge(id); err != nil {
		fail(w, http.StatusInternalServerError, "could not delete challenge")
		return
	}
	ok(w, http.StatusOK, map[string]uint{"id": id})
}

func (s *Server) listRepositories(w http.ResponseWriter, r *http.Request) {
	row, okEp := s.endpoint(w)
	if !okEp {
		return
	}
	ep := row.Endpoint()
	repos := dockerapi.Repositories(r.Context(), ep, true, ep.Repositories)
	type entry struct {
		Name string `json:"name"`
	}
	data := make([]entry, 0, len(repos))
	for _, name := range repos {
		data = append(data, entry{Name: name})
	}
	ok(w, http.StatusOK, data)
}

func (s *Server) imagePorts(w http.ResponseWriter, r *http.Request) {
	image := r.URL.Query().Get("image")
	if image == "" {
		fail(w, http.StatusBadRequest, "image parameter required")
		return
	}
	row, okEp := s.endpoint(w)
	if !okEp {
		return
	}
	specs := driver.RequiredPorts(r.Context(), row.Endpoint(), image, nil)
	out := make([]string, 0, len(specs))
	for _, p := range specs {
		out = append(out, p.String())
	}
	ok(w, http.StatusOK, out)
}

func (s *Server) versionInfo(w http.ResponseWriter, r *http.Request) {
	row, okEp := s.endpoint(w)
	if !okEp {
		return
	}
	ok(w, http.StatusOK, map[string]any{
		"info":  dockerapi.VersionInfo(r.Context(), row.Endpoint()),
		"swarm": dockerapi.SwarmActive(r.Context(), row.Endpoint()),
	})
}

func (s *Server) listSecrets(w http.ResponseWriter, r *http.Request) {
	row, okEp := s.endpoint(w)
	if !okEp {
		return
	}
	ok(w, http.StatusOK, secrets.List(r.Context(), row.Endpoint()))
}

func (s *Server) createSecret(w http.ResponseWriter, r *http.Request) {
	var req spec.SecretCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	row, okEp := s.endpoint(w)
	if !okEp {
		return
	}
	id, err := secrets.Create(r.Context(), row.Endpoint(), req.Name, req.Value)
	switch {
	case errors.Is(err, secrets.ErrNameConflict):
		fail(w, http.StatusConflict, "secret name already exists")
	case err != nil:
		fail(w, http.StatusBadRequest, "secret creation failed")
	default:
		ok(w, http.StatusCreated, map[string]string{"id": id, "name": req.Name})
	}
}

func (s *Server) deleteSecret(w http.ResponseWriter, r *http.Request) {
	row, okEp := s.endpoint(w)
	if !okEp {
		return
	}
	id := chi.URLParam(r, "id")
	err := secrets.Delete(r.Context(), row.Endpoint(), id)
	switch {
	case errors.Is(err, secrets.ErrInUse):
		fail(w, http.StatusConflict, "secret is in use by a running service")
	case err != nil:
		fail(w, http.StatusInternalServerError, "secret deletion failed")
	default:
		ok(w, http.StatusOK, map[string]string{"id": id})
	}
}

func (s *Server) deleteAllSecrets(w http.ResponseWriter, r *http.Request) {
	row, okEp := s.endpoint(w)
	if !okEp {
		return
	}
	deleted, failed := secrets.DeleteAll(r.Context(), row.Endpoint())
	status := http.StatusOK
	if failed > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, map[string]any{
		"success": failed == 0,
		"data":    map[string]int{"deleted": deleted, "failed": failed},
	})
}

func (s *Server) getEndpointConfig(w http.ResponseWriter, _ *http.Request) {
	row, okEp := s.endpoint(w)
	if !okEp {
		return
	}
	ep := row.Endpoint()
	ok(w, http.StatusOK, spec.EndpointView{
		Hostname:      row.Hostname,
		TLSEnabled:    row.TLSEnabled,
		HasCACert:     len(row.CACert) > 0,
		HasClientCert: len(row.ClientCert) > 0,
		HasClientKey:  len(row.ClientKey) > 0,
		Repositories:  ep.Repositories,
	})
}

func (s *Server) putEndpointConfig(w http.ResponseWriter, r *http.Request) {
	var req spec.EndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	row, okEp := s.endpoint(w)
	if !okEp {
		return
	}

	row.Hostname = req.Hostname
	row.TLSEnabled = req.TLSEnabled
	if req.CACert != "" {
		row.CACert = []byte(req.CACert)
	}
	if req.ClientCert != "" {
		row.ClientCert = []byte(req.ClientCert)
	}
	if req.ClientKey != "" {
		row.ClientKey = []byte(req.ClientKey)
	}
	if !req.TLSEnabled {
		// TLS off means no cert material rides along on requests.
		row.CACert, row.ClientCert, row.ClientKey = nil, nil, nil
	} else if len(row.CACert) == 0 || len(row.ClientCert) == 0 || len(row.ClientKey) == 0 {
		fail(w, http.StatusUnprocessableEntity, "tls requires ca_cert, client_cert and client_key")
		return
	}
	row.Repositories = strings.Join(req.Repositories, ",")

	if err := s.store.SaveEndpoint(row); err != nil {
		fail(w, http.StatusInternalServerError, "could not save endpoint config")
		return
	}
	s.getEndpointConfig(w, r)
}
