package driver

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ctfgrid/warden/internal/dockerapi"
	"github.com/ctfgrid/warden/internal/ports"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
)

// Container provisions standalone containers with published host ports.
type Container struct{}

// Create builds and starts a challenge container. A 409 on the create call
// means a container with the derived name already exists; that one is looked
// up and reused instead of failing.
func (Container) Create(ctx context.Context, ep dockerapi.Endpoint, req CreateRequest) (*Instance, error) {
	needed := RequiredPorts(ctx, ep, req.Image, req.DeclaredPorts)
	assigned, err := ports.Assign(needed, req.BlockedPorts)
	if err != nil {
		return nil, err
	}

	exposed := make(network.PortSet, len(assigned))
	bindings := make(network.PortMap, len(assigned))
	for s, host := range assigned {
		port, err := network.ParsePort(s.String())
		if err != nil {
			return nil, fmt.Errorf("invalid port spec %s: %w", s, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []network.PortBinding{{HostPort: strconv.Itoa(host)}}
	}

	name := instanceName(req.Image, req.OwnerLabel)
	body := container.CreateRequest{
		Config: &container.Config{
			Image:        req.Image,
			ExposedPorts: exposed,
		},
		HostConfig: &container.HostConfig{
			PortBindings: bindings,
			// Docker reclaims the container itself once it is force-stopped.
			AutoRemove: true,
		},
	}

	resp, err := dockerapi.Do(ctx, ep, http.MethodPost, "/containers/create?name="+url.QueryEscape(name), body)
	if err != nil {
		return nil, fmt.Errorf("container create: %w", err)
	}

	var instanceID string
	switch resp.StatusCode {
	case http.StatusCreated:
		var created container.CreateResponse
		if err := dockerapi.DecodeJSON(resp, &created); err != nil {
			return nil, err
		}
		instanceID = created.ID
	case http.StatusConflict:
		dockerapi.Discard(resp)
		instanceID, err = findByName(ctx, ep, name)
		if err != nil {
			return nil, err
		}
		log.Printf("[INFO] Container name '%s' already in use, reusing %s", name, instanceID)
	default:
		return nil, dockerapi.StatusError(resp, "container create")
	}

	if err := start(ctx, ep, instanceID); err != nil {
		return nil, err
	}

	return &Instance{ID: instanceID, Bindings: sortedBindings(assigned)}, nil
}

// start runs the container; creation alone does not imply running. A 304
// means it is already up, which is fine on the 409-reuse path.
func start(ctx context.Context, ep dockerapi.Endpoint, instanceID string) error {
	resp, err := dockerapi.Do(ctx, ep, http.MethodPost, "/containers/"+instanceID+"/start", nil)
	if err != nil {
		return fmt.Errorf("container start: %w", err)
	}
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotModified {
		return dockerapi.StatusError(resp, "container start")
	}
	dockerapi.Discard(resp)
	return nil
}

// findByName resolves a container ID by exact name filter.
func findByName(ctx context.Context, ep dockerapi.Endpoint, name string) (string, error) {
	filters := url.QueryEscape(fmt.Sprintf(`{"name":[%q]}`, name))
	resp, err := dockerapi.Do(ctx, ep, http.MethodGet, "/containers/json?all=1&filters="+filters, nil)
	if err != nil {
		return "", fmt.Errorf("container lookup: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", dockerapi.StatusError(resp, "container lookup")
	}

	var found []container.Summary
	if err := dockerapi.DecodeJSON(resp, &found); err != nil {
		return "", err
	}
	for _, c := range found {
		for _, n := range c.Names {
			if n == "/"+name || n == name {
				return c.ID, nil
			}
		}
	}
	return "", fmt.Errorf("no container named %q found after name conflict", name)
}

// Delete force-removes a container. A 404 counts as success: the desired end
// state is "gone", not "a delete command ran".
func (Container) Delete(ctx context.Context, ep dockerapi.Endpoint, instanceID string) error {
	resp, err := dockerapi.Do(ctx, ep, http.MethodDelete, "/containers/"+instanceID+"?force=true", nil)
	if err != nil {
		return fmt.Errorf("container delete: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		dockerapi.Discard(resp)
		return nil
	}
	if resp.StatusCode >= 300 {
		return dockerapi.StatusError(resp, "container delete")
	}
	dockerapi.Discard(resp)
	return nil
}
