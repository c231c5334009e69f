package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ctfgrid/warden/internal/db"
	"github.com/ctfgrid/warden/internal/events"
	"github.com/ctfgrid/warden/internal/orchestrator"
)

// newTestServer wires the full stack against a fake Docker engine.
func newTestServer(t *testing.T, engine http.Handler) (*httptest.Server, *db.Store) {
	t.Helper()

	dockerSrv := httptest.NewServer(engine)
	t.Cleanup(dockerSrv.Close)

	store, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	row, err := store.Endpoint()
	if err != nil {
		t.Fatalf("loading endpoint row: %v", err)
	}
	row.Hostname = strings.TrimPrefix(dockerSrv.URL, "http://")
	if err := store.SaveEndpoint(row); err != nil {
		t.Fatalf("saving endpoint row: %v", err)
	}

	orch := orchestrator.New(store, events.NewPublisher(nil))
	srv := httptest.NewServer(New(store, orch).Router())
	t.Cleanup(srv.Close)
	return srv, store
}

// healthyEngine provisions containers successfully.
func healthyEngine() http.Handler {
	next := 0
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/containers/json":
			io.WriteString(w, `[]`)
		case r.Method == http.MethodGet && r.URL.Path == "/services":
			w.WriteHeader(http.StatusServiceUnavailable)
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/images/"):
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPost && r.URL.Path == "/containers/create":
			next++
			w.WriteHeader(http.StatusCreated)
			io.WriteString(w, fmt.Sprintf(`{"Id":"cid%d"}`, next))
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/start"):
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func doJSON(t *testing.T, method, url, body string) (int, envelope) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp.StatusCode, env
}

func seedChallenge(t *testing.T, store *db.Store) *db.Challenge {
	t.Helper()
	c := &db.Challenge{Name: "web", Image: "ctf/web:1", ExposedPorts: "80/tcp", Kind: db.KindContainer}
	if err := store.CreateChallenge(c); err != nil {
		t.Fatalf("seeding challenge: %v", err)
	}
	return c
}

func TestCreateInstanceEndToEnd(t *testing.T) {
	srv, store := newTestServer(t, healthyEngine())
	chal := seedChallenge(t, store)

	body := fmt.Sprintf(`{"challenge_id":%d,"team_id":7}`, chal.ID)
	status, env := doJSON(t, http.MethodPost, srv.URL+"/api/instances", body)
	if status != http.StatusCreated || !env.Success {
		t.Fatalf("status=%d env=%+v", status, env)
	}

	var data struct {
		InstanceID string   `json:"instance_id"`
		Ports      []string `json:"ports"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decoding data: %v", err)
	}
	if data.InstanceID == "" || len(data.Ports) != 1 {
		t.Fatalf("data = %+v", data)
	}

	// An immediate repeat sits inside the cooldown window.
	status, env = doJSON(t, http.MethodPost, srv.URL+"/api/instances", body)
	if status != http.StatusForbidden || env.Success {
		t.Fatalf("cooldown: status=%d env=%+v", status, env)
	}
}

func TestCreateInstanceUnknownChallenge(t *testing.T) {
	srv, _ := newTestServer(t, healthyEngine())
	status, _ := doJSON(t, http.MethodPost, srv.URL+"/api/instances", `{"challenge_id":99,"team_id":7}`)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d", status)
	}
}

func TestCreateInstanceRequiresSingleOwner(t *testing.T) {
	srv, store := newTestServer(t, healthyEngine())
	chal := seedChallenge(t, store)

	for _, body := range []string{
		fmt.Sprintf(`{"challenge_id":%d}`, chal.ID),
		fmt.Sprintf(`{"challenge_id":%d,"team_id":1,"user_id":2}`, chal.ID),
	} {
		status, _ := doJSON(t, http.MethodPost, srv.URL+"/api/instances", body)
		if status != http.StatusBadRequest {
			t.Errorf("body %s: status = %d", body, status)
		}
	}
}

func TestCreateInstanceHidesDockerErrors(t *testing.T) {
	leaky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/containers/json":
			io.WriteString(w, `[]`)
		case r.Method == http.MethodPost && r.URL.Path == "/containers/create":
			http.Error(w, "mount denied on /var/lib/docker/host-internal", http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	srv, store := newTestServer(t, leaky)
	chal := seedChallenge(t, store)

	status, env := doJSON(t, http.MethodPost, srv.URL+"/api/instances",
		fmt.Sprintf(`{"challenge_id":%d,"team_id":7}`, chal.ID))
	if status != http.StatusInternalServerError {
		t.Fatalf("status = %d", status)
	}
	if strings.Contains(env.Message, "/var/lib/docker") {
		t.Fatalf("response leaks the docker error body: %q", env.Message)
	}
}

func TestListInstancesRequiresOwner(t *testing.T) {
	srv, _ := newTestServer(t, healthyEngine())
	status, _ := doJSON(t, http.MethodGet, srv.URL+"/api/instances", "")
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d", status)
	}
}

func TestKillAllRequiresConfirmation(t *testing.T) {
	srv, _ := newTestServer(t, healthyEngine())
	status, _ := doJSON(t, http.MethodDelete, srv.URL+"/api/instances", "")
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d", status)
	}
	status, env := doJSON(t, http.MethodDelete, srv.URL+"/api/instances?all=true", "")
	if status != http.StatusOK || !env.Success {
		t.Fatalf("status=%d env=%+v", status, env)
	}
}

func TestCreateChallengeValidation(t *testing.T) {
	srv, _ := newTestServer(t, healthyEngine())

	cases := []string{
		`{"name":"x","image":"img","exposed_ports":"80/tcp","kind":"vm"}`,
		`{"name":"x","image":"","exposed_ports":"80/tcp","kind":"container"}`,
		`{"name":"x","image":"img","exposed_ports":"","kind":"container"}`,
		`{"name":"x","image":"img","exposed_ports":"80/xyz","kind":"container"}`,
	}
	for _, body := range cases {
		status, _ := doJSON(t, http.MethodPost, srv.URL+"/api/challenges", body)
		if status != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, status)
		}
	}

	status, env := doJSON(t, http.MethodPost, srv.URL+"/api/challenges",
		`{"name":"x","image":"img","exposed_ports":"80/tcp","kind":"container"}`)
	if status != http.StatusCreated || !env.Success {
		t.Fatalf("valid challenge rejected: status=%d env=%+v", status, env)
	}
}

func TestUpdateChallenge(t *testing.T) {
	srv, store := newTestServer(t, healthyEngine())
	chal := seedChallenge(t, store)

	url := fmt.Sprintf("%s/api/challenges/%d", srv.URL, chal.ID)
	status, _ := doJSON(t, http.MethodPut, url,
		`{"name":"web2","image":"ctf/web:2","exposed_ports":"8080/tcp","kind":"container"}`)
	if status != http.StatusOK {
		t.Fatalf("update status = %d", status)
	}

	reloaded, err := store.Challenge(chal.ID)
	if err != nil || reloaded == nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.Image != "ctf/web:2" || reloaded.ExposedPorts != "8080/tcp" {
		t.Fatalf("challenge not updated: %+v", reloaded)
	}

	status, _ = doJSON(t, http.MethodPut, url,
		`{"name":"web2","image":"ctf/web:2","exposed_ports":"","kind":"container"}`)
	if status != http.StatusBadRequest {
		t.Fatalf("empty ports accepted on update, status = %d", status)
	}

	status, _ = doJSON(t, http.MethodPut, srv.URL+"/api/challenges/999",
		`{"name":"x","image":"img","exposed_ports":"80/tcp","kind":"container"}`)
	if status != http.StatusNotFound {
		t.Fatalf("unknown challenge update status = %d", status)
	}
}

func TestDeleteChallengeCleansInstances(t *testing.T) {
	srv, store := newTestServer(t, healthyEngine())
	chal := seedChallenge(t, store)

	status, _ := doJSON(t, http.MethodPost, srv.URL+"/api/instances",
		fmt.Sprintf(`{"challenge_id":%d,"team_id":7}`, chal.ID))
	if status != http.StatusCreated {
		t.Fatalf("provision status = %d", status)
	}

	status, _ = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/api/challenges/%d", srv.URL, chal.ID), "")
	if status != http.StatusOK {
		t.Fatalf("delete status = %d", status)
	}

	recs, err := store.InstancesForChallenge(chal.ID)
	if err != nil {
		t.Fatalf("listing instances: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("instances survived challenge deletion: %v", recs)
	}
	c, err := store.Challenge(chal.ID)
	if err != nil || c != nil {
		t.Fatalf("challenge row survived: c=%v err=%v", c, err)
	}
}

func TestEndpointConfigRoundTripRedactsCerts(t *testing.T) {
	srv, _ := newTestServer(t, healthyEngine())

	body := `{"hostname":"docker:2376","tls_enabled":true,"ca_cert":"PEMCA","client_cert":"PEMCERT","client_key":"PEMKEY","repositories":["ctf"]}`
	status, env := doJSON(t, http.MethodPut, srv.URL+"/api/config/docker", body)
	if status != http.StatusOK || !env.Success {
		t.Fatalf("status=%d env=%+v", status, env)
	}
	if strings.Contains(string(env.Data), "PEMKEY") || strings.Contains(string(env.Data), "PEMCERT") {
		t.Fatalf("config response echoes cert material: %s", env.Data)
	}

	var view struct {
		Hostname      string `json:"hostname"`
		TLSEnabled    bool   `json:"tls_enabled"`
		HasClientKey  bool   `json:"has_client_key"`
		HasClientCert bool   `json:"has_client_cert"`
	}
	if err := json.Unmarshal(env.Data, &view); err != nil {
		t.Fatalf("decoding view: %v", err)
	}
	if view.Hostname != "docker:2376" || !view.TLSEnabled || !view.HasClientKey || !view.HasClientCert {
		t.Fatalf("view = %+v", view)
	}
}

func TestEndpointConfigTLSRequiresCerts(t *testing.T) {
	srv, _ := newTestServer(t, healthyEngine())
	status, _ := doJSON(t, http.MethodPut, srv.URL+"/api/config/docker",
		`{"hostname":"docker:2376","tls_enabled":true}`)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", status)
	}
}

func TestEndpointConfigDisablingTLSClearsCerts(t *testing.T) {
	srv, store := newTestServer(t, healthyEngine())

	put := `{"hostname":"docker:2376","tls_enabled":true,"ca_cert":"A","client_cert":"B","client_key":"C"}`
	if status, _ := doJSON(t, http.MethodPut, srv.URL+"/api/config/docker", put); status != http.StatusOK {
		t.Fatalf("enabling tls failed with status %d", status)
	}
	if status, _ := doJSON(t, http.MethodPut, srv.URL+"/api/config/docker",
		`{"hostname":"docker:2375","tls_enabled":false}`); status != http.StatusOK {
		t.Fatalf("disabling tls failed")
	}

	row, err := store.Endpoint()
	if err != nil {
		t.Fatalf("loading endpoint: %v", err)
	}
	if len(row.CACert) != 0 || len(row.ClientCert) != 0 || len(row.ClientKey) != 0 {
		t.Fatal("cert material survived tls being disabled")
	}
}

func TestPing(t *testing.T) {
	srv, _ := newTestServer(t, healthyEngine())
	resp, err := http.Get(srv.URL + "/ping")
	if err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestRecordSolveRemovesInstance(t *testing.T) {
	srv, store := newTestServer(t, healthyEngine())
	chal := seedChallenge(t, store)

	body := fmt.Sprintf(`{"challenge_id":%d,"user_id":4}`, chal.ID)
	if status, _ := doJSON(t, http.MethodPost, srv.URL+"/api/instances", body); status != http.StatusCreated {
		t.Fatal("provision failed")
	}
	if status, _ := doJSON(t, http.MethodPost, srv.URL+"/api/solves", body); status != http.StatusOK {
		t.Fatal("solve failed")
	}

	recs, err := store.InstancesForChallenge(chal.ID)
	if err != nil {
		t.Fatalf("listing instances: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("instance survived solve: %v", recs)
	}
}
