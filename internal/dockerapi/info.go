package dockerapi

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"slices"
	"strings"

	"github.com/moby/moby/api/types/image"
)

// Repositories lists the image repositories available on the Docker host,
// optionally restricted to an allowlist. Failures degrade to an empty list;
// read-side listings never block the caller.
func Repositories(ctx context.Context, ep Endpoint, tags bool, allow []string) []string {
	resp, err := Do(ctx, ep, http.MethodGet, "/images/json?all=1", nil)
	if err != nil {
		log.Printf("[ERROR] Failed to list docker images: %v", err)
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		Discard(resp)
		log.Printf("[ERROR] Docker rejected image listing: status=%d", resp.StatusCode)
		return nil
	}

	var images []image.Summary
	if err := DecodeJSON(resp, &images); err != nil {
		log.Printf("[ERROR] %v", err)
		return nil
	}

	var result []string
	for _, img := range images {
		if len(img.RepoTags) == 0 {
			continue
		}
		name, _, _ := strings.Cut(img.RepoTags[0], ":")
		if name == "<none>" {
			continue
		}
		if len(allow) > 0 && !slices.Contains(allow, name) {
			continue
		}
		if tags {
			name = img.RepoTags[0]
		}
		if !slices.Contains(result, name) {
			result = append(result, name)
		}
	}
	return result
}

// VersionInfo returns a human-readable summary of the Docker daemon version
// for the admin config page. Errors come back as display text, not failures.
func VersionInfo(ctx context.Context, ep Endpoint) string {
	resp, err := Do(ctx, ep, http.MethodGet, "/version", nil)
	if err != nil {
		return "Failed to get docker version info"
	}
	if resp.StatusCode != http.StatusOK {
		Discard(resp)
		return "Failed to get docker version info"
	}

	var version struct {
		Components []struct {
			Name    string `json:"Name"`
			Version string `json:"Version"`
		} `json:"Components"`
	}
	if err := DecodeJSON(resp, &version); err != nil || len(version.Components) == 0 {
		return "Failed to find information required in response."
	}

	var b strings.Builder
	b.WriteString("Docker versions:\n")
	for _, c := range version.Components {
		fmt.Fprintf(&b, "%s: %s\n", c.Name, c.Version)
	}
	return b.String()
}

// SwarmActive reports whether the endpoint is a Swarm manager. A daemon that
// is not answers the secrets listing with an error object instead of a list.
func SwarmActive(ctx context.Context, ep Endpoint) bool {
	resp, err := Do(ctx, ep, http.MethodGet, "/secrets", nil)
	if err != nil {
		return false
	}
	if resp.StatusCode != http.StatusOK {
		Discard(resp)
		return false
	}
	var probe any
	if err := DecodeJSON(resp, &probe); err != nil {
		return false
	}
	if obj, ok := probe.(map[string]any); ok {
		if _, hasMessage := obj["message"]; hasMessage {
			return false
		}
	}
	return true
}
