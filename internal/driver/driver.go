// Package driver translates challenge definitions into Docker create and
// delete calls. Two drivers share one contract: standalone containers and
// Swarm services.
package driver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"

	"github.com/ctfgrid/warden/internal/dockerapi"
	"github.com/ctfgrid/warden/internal/ports"
	"github.com/ctfgrid/warden/internal/spec"
)

// CreateRequest carries everything a driver needs to provision one instance.
type CreateRequest struct {
	Image         string
	OwnerLabel    string
	DeclaredPorts []ports.Spec
	BlockedPorts  []int
	Secrets       []spec.SecretRef // service driver only
}

// Binding is one published port of a running instance.
type Binding struct {
	HostPort   int
	Proto      string
	TargetPort int
}

func (b Binding) String() string {
	return fmt.Sprintf("%d/%s->%d", b.HostPort, b.Proto, b.TargetPort)
}

// Instance is the outcome of a successful create.
type Instance struct {
	ID       string
	Bindings []Binding
}

// PortStrings renders the bindings in tracker/wire form.
func (i *Instance) PortStrings() []string {
	out := make([]string, 0, len(i.Bindings))
	for _, b := range i.Bindings {
		out = append(out, b.String())
	}
	return out
}

// Driver provisions and destroys one kind of Docker resource. Delete is
// idempotent with respect to the desired end state: a target that is already
// gone counts as success.
type Driver interface {
	Create(ctx context.Context, ep dockerapi.Endpoint, req CreateRequest) (*Instance, error)
	Delete(ctx context.Context, ep dockerapi.Endpoint, instanceID string) error
}

// RequiredPorts merges the image's ExposedPorts metadata with the ports
// declared on the challenge. A failed metadata lookup is tolerated; the
// declared ports alone then decide. Also serves challenge-authoring forms
// that want an image's ports ahead of time.
func RequiredPorts(ctx context.Context, ep dockerapi.Endpoint, image string, declared []ports.Spec) []ports.Spec {
	merged := append([]ports.Spec(nil), declared...)

	resp, err := dockerapi.Do(ctx, ep, http.MethodGet, "/images/"+image+"/json", nil)
	if err != nil {
		log.Printf("[WARN] Could not inspect image '%s', using declared ports only: %v", image, err)
		return merged
	}
	if resp.StatusCode != http.StatusOK {
		dockerapi.Discard(resp)
		return merged
	}

	var meta struct {
		Config struct {
			ExposedPorts map[string]struct{} `json:"ExposedPorts"`
		} `json:"Config"`
	}
	if err := dockerapi.DecodeJSON(resp, &meta); err != nil {
		log.Printf("[WARN] Could not parse image metadata for '%s': %v", image, err)
		return merged
	}

	for raw := range meta.Config.ExposedPorts {
		s, err := ports.Parse(raw)
		if err != nil {
			continue
		}
		if !containsSpec(merged, s) {
			merged = append(merged, s)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Port < merged[j].Port })
	return merged
}

func containsSpec(specs []ports.Spec, s ports.Spec) bool {
	for _, have := range specs {
		if have == s {
			return true
		}
	}
	return false
}

// instanceName derives a deterministic container/service name from the image
// and a short hash of the owner label. The hash only keeps names unique and
// non-reversible; it is not a security boundary.
func instanceName(image, ownerLabel string) string {
	sum := sha256.Sum256([]byte(ownerLabel))
	sanitized := strings.NewReplacer(":", "_", "/", "_", ".", "_").Replace(image)
	return sanitized + "_" + hex.EncodeToString(sum[:])[:10]
}

func sortedBindings(assigned map[ports.Spec]int) []Binding {
	bindings := make([]Binding, 0, len(assigned))
	for s, host := range assigned {
		bindings = append(bindings, Binding{HostPort: host, Proto: s.Proto, TargetPort: s.Port})
	}
	sort.Slice(bindings, func(i, j int) bool { return bindings[i].TargetPort < bindings[j].TargetPort })
	return bindings
}
