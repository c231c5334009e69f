package driver

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/ctfgrid/warden/internal/dockerapi"
	"github.com/ctfgrid/warden/internal/ports"
	"github.com/ctfgrid/warden/internal/secrets"
	"github.com/ctfgrid/warden/internal/spec"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/api/types/swarm"
)

// Service provisions Swarm services with ingress-published ports and
// optional secrets mounted under /run/secrets.
type Service struct{}

// Create submits a service create request to the Swarm manager.
func (Service) Create(ctx context.Context, ep dockerapi.Endpoint, req CreateRequest) (*Instance, error) {
	needed := RequiredPorts(ctx, ep, req.Image, req.DeclaredPorts)
	assigned, err := ports.Assign(needed, req.BlockedPorts)
	if err != nil {
		return nil, err
	}

	portConfigs := make([]swarm.PortConfig, 0, len(assigned))
	for s, host := range assigned {
		portConfigs = append(portConfigs, swarm.PortConfig{
			Name:          fmt.Sprintf("Exposed Port %s", s),
			Protocol:      network.TCP,
			TargetPort:    uint32(s.Port),
			PublishedPort: uint32(host),
			PublishMode:   swarm.PortConfigPublishModeIngress,
		})
	}

	name := "svc_" + instanceName(req.Image, req.OwnerLabel)
	body := swarm.ServiceSpec{
		Annotations: swarm.Annotations{Name: name},
		TaskTemplate: swarm.TaskSpec{
			ContainerSpec: &swarm.ContainerSpec{
				Image:   req.Image,
				Secrets: resolveSecrets(ctx, ep, req.Secrets),
			},
		},
		EndpointSpec: &swarm.EndpointSpec{
			Mode:  swarm.ResolutionModeVIP,
			Ports: portConfigs,
		},
	}

	resp, err := dockerapi.Do(ctx, ep, http.MethodPost, "/services/create", body)
	if err != nil {
		return nil, fmt.Errorf("service create: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, dockerapi.StatusError(resp, "service create")
	}

	var created struct {
		ID string `json:"ID"`
	}
	if err := dockerapi.DecodeJSON(resp, &created); err != nil {
		return nil, err
	}
	if created.ID == "" {
		return nil, fmt.Errorf("service create for image '%s' returned no ID", req.Image)
	}

	return &Instance{ID: created.ID, Bindings: sortedBindings(assigned)}, nil
}

// resolveSecrets matches the challenge's secret references against the live
// Swarm secrets list. A reference whose secret no longer exists is skipped
// with a warning; one stale reference must not block the whole instance.
func resolveSecrets(ctx context.Context, ep dockerapi.Endpoint, refs []spec.SecretRef) []*swarm.SecretReference {
	if len(refs) == 0 {
		return nil
	}

	live := secrets.List(ctx, ep)
	byID := make(map[string]secrets.Secret, len(live))
	for _, s := range live {
		byID[s.ID] = s
	}

	var mounts []*swarm.SecretReference
	for _, ref := range refs {
		secret, ok := byID[ref.ID]
		if !ok {
			log.Printf("[WARN] Secret %s configured on challenge but missing from swarm, skipping", ref.ID)
			continue
		}
		mode := swarm.SecretReferenceFileTarget{
			Name: "/run/secrets/" + secret.Name,
			UID:  "1",
			GID:  "1",
			Mode: 0o777,
		}
		if ref.Protected {
			mode.Mode = 0o600
		}
		mounts = append(mounts, &swarm.SecretReference{
			File:       &mode,
			SecretID:   secret.ID,
			SecretName: secret.Name,
		})
	}
	return mounts
}

// Delete removes a service. As with containers, 404 is success.
func (Service) Delete(ctx context.Context, ep dockerapi.Endpoint, instanceID string) error {
	resp, err := dockerapi.Do(ctx, ep, http.MethodDelete, "/services/"+instanceID, nil)
	if err != nil {
		return fmt.Errorf("service delete: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		dockerapi.Discard(resp)
		return nil
	}
	if resp.StatusCode >= 300 {
		return dockerapi.StatusError(resp, "service delete")
	}
	dockerapi.Discard(resp)
	return nil
}
