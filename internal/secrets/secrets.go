// Package secrets manages Docker Swarm secrets used by service challenges.
// Secret values pass through base64-encoded and are never logged or echoed.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"regexp"

	"github.com/ctfgrid/warden/internal/dockerapi"
	"github.com/moby/moby/api/types/swarm"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ErrNameConflict means Docker already holds a secret with that name. The
// 409 from Docker is the authoritative uniqueness check; any earlier
// application-level probe is racy and only advisory.
var ErrNameConflict = errors.New("secret name already exists")

// ErrInUse means the secret is attached to a running service and cannot be
// deleted until that service is gone.
var ErrInUse = errors.New("secret is in use by a service")

// Secret is the slim view of a Swarm secret exposed to callers.
type Secret struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// List returns the live Swarm secrets. Unreachable daemons and non-manager
// nodes degrade to an empty list.
func List(ctx context.Context, ep dockerapi.Endpoint) []Secret {
	resp, err := dockerapi.Do(ctx, ep, http.MethodGet, "/secrets", nil)
	if err != nil {
		log.Printf("[ERROR] Failed to list secrets: %v", err)
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		dockerapi.Discard(resp)
		return nil
	}

	var raw []swarm.Secret
	if err := dockerapi.DecodeJSON(resp, &raw); err != nil {
		log.Printf("[ERROR] %v", err)
		return nil
	}

	result := make([]Secret, 0, len(raw))
	for _, s := range raw {
		result = append(result, Secret{ID: s.ID, Name: s.Spec.Name})
	}
	return result
}

// Create stores a new secret and returns its ID. The plaintext value is
// base64-encoded on the wire (SecretSpec.Data marshals as base64).
func Create(ctx context.Context, ep dockerapi.Endpoint, name, value string) (string, error) {
	if !namePattern.MatchString(name) {
		return "", fmt.Errorf("invalid secret name %q: only letters, digits, '.', '_' and '-' are allowed", name)
	}

	body := swarm.SecretSpec{
		Annotations: swarm.Annotations{Name: name, Labels: map[string]string{}},
		Data:        []byte(value),
	}
	resp, err := dockerapi.Do(ctx, ep, http.MethodPost, "/secrets/create", body)
	if err != nil {
		return "", fmt.Errorf("could not contact docker for secret creation: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusCreated:
		var created struct {
			ID string `json:"ID"`
		}
		if err := dockerapi.DecodeJSON(resp, &created); err != nil {
			return "", err
		}
		log.Printf("[INFO] Created secret '%s' with ID %s", name, created.ID)
		return created.ID, nil
	case http.StatusConflict:
		dockerapi.Discard(resp)
		log.Printf("[WARN] Secret name '%s' already exists", name)
		return "", ErrNameConflict
	default:
		// Do not reuse the response body in the error: it may quote the
		// secret data back.
		dockerapi.Discard(resp)
		log.Printf("[ERROR] Failed to create secret '%s': status=%d", name, resp.StatusCode)
		return "", &dockerapi.UpstreamError{Op: "secret create", StatusCode: resp.StatusCode}
	}
}

// Delete removes a secret by ID. A secret attached to a running service
// yields ErrInUse; callers wanting to distinguish "in use" from "not found"
// precisely should re-query List.
func Delete(ctx context.Context, ep dockerapi.Endpoint, id string) error {
	resp, err := dockerapi.Do(ctx, ep, http.MethodDelete, "/secrets/"+id, nil)
	if err != nil {
		return fmt.Errorf("could not contact docker for secret deletion: %w", err)
	}
	defer dockerapi.Discard(resp)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		log.Printf("[INFO] Deleted secret %s", id)
		return nil
	case resp.StatusCode == http.StatusConflict:
		log.Printf("[WARN] Cannot delete secret %s: in use", id)
		return ErrInUse
	default:
		log.Printf("[ERROR] Failed to delete secret %s: status=%d", id, resp.StatusCode)
		return &dockerapi.UpstreamError{Op: "secret delete", StatusCode: resp.StatusCode}
	}
}

// DeleteAll attempts to delete every secret independently and reports how
// many succeeded and failed. One stuck secret does not stop the sweep.
func DeleteAll(ctx context.Context, ep dockerapi.Endpoint) (deleted, failed int) {
	for _, s := range List(ctx, ep) {
		if err := Delete(ctx, ep, s.ID); err != nil {
			failed++
			continue
		}
		deleted++
	}
	return deleted, failed
}
