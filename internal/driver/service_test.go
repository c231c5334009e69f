package driver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ctfgrid/warden/internal/ports"
	"github.com/ctfgrid/warden/internal/spec"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/api/types/swarm"
)

func serviceEngine(t *testing.T, captured *swarm.ServiceSpec) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/images/"):
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodGet && r.URL.Path == "/secrets":
			io.WriteString(w, `[{"ID":"s1","Spec":{"Name":"flag"}},{"ID":"s2","Spec":{"Name":"config"}}]`)
		case r.Method == http.MethodPost && r.URL.Path == "/services/create":
			if err := json.NewDecoder(r.Body).Decode(captured); err != nil {
				t.Errorf("service create body not a ServiceSpec: %v", err)
			}
			w.WriteHeader(http.StatusCreated)
			io.WriteString(w, `{"ID":"svc789"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func TestServiceCreatePublishesIngressPorts(t *testing.T) {
	var sent swarm.ServiceSpec
	srv := httptest.NewServer(serviceEngine(t, &sent))
	defer srv.Close()

	inst, err := Service{}.Create(context.Background(), endpointFor(srv), CreateRequest{
		Image:         "ctf/pwn:1",
		OwnerLabel:    "team-9",
		DeclaredPorts: []ports.Spec{{Port: 1337, Proto: "tcp"}},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if inst.ID != "svc789" {
		t.Errorf("instance ID = %q", inst.ID)
	}

	if !strings.HasPrefix(sent.Annotations.Name, "svc_ctf_pwn_1_") {
		t.Errorf("service name = %q", sent.Annotations.Name)
	}
	if sent.TaskTemplate.ContainerSpec.Image != "ctf/pwn:1" {
		t.Errorf("image = %q", sent.TaskTemplate.ContainerSpec.Image)
	}
	if len(sent.EndpointSpec.Ports) != 1 {
		t.Fatalf("port configs = %v", sent.EndpointSpec.Ports)
	}
	pc := sent.EndpointSpec.Ports[0]
	if pc.Protocol != network.TCP || pc.PublishMode != swarm.PortConfigPublishModeIngress {
		t.Errorf("port config = %+v", pc)
	}
	if pc.TargetPort != 1337 {
		t.Errorf("target port = %d", pc.TargetPort)
	}
	if pc.PublishedPort < ports.Min || pc.PublishedPort >= ports.Max {
		t.Errorf("published port %d outside assignment range", pc.PublishedPort)
	}
}

func TestServiceCreateMountsSecrets(t *testing.T) {
	var sent swarm.ServiceSpec
	srv := httptest.NewServer(serviceEngine(t, &sent))
	defer srv.Close()

	_, err := Service{}.Create(context.Background(), endpointFor(srv), CreateRequest{
		Image:      "ctf/web:1",
		OwnerLabel: "team-9",
		Secrets: []spec.SecretRef{
			{ID: "s1", Protected: true},
			{ID: "s2"},
			{ID: "vanished"}, // no longer in the swarm, must be skipped
		},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	mounts := sent.TaskTemplate.ContainerSpec.Secrets
	if len(mounts) != 2 {
		t.Fatalf("expected the missing secret to be skipped, got %d mounts", len(mounts))
	}
	byID := make(map[string]*swarm.SecretReference, len(mounts))
	for _, m := range mounts {
		byID[m.SecretID] = m
	}

	protected := byID["s1"]
	if protected == nil || protected.File.Mode != 0o600 {
		t.Errorf("protected secret mount = %+v", protected)
	}
	if protected != nil && protected.File.Name != "/run/secrets/flag" {
		t.Errorf("mount path = %q", protected.File.Name)
	}
	open := byID["s2"]
	if open == nil || open.File.Mode != 0o777 {
		t.Errorf("unprotected secret mount = %+v", open)
	}
}

func TestServiceDeleteTreats404AsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if err := (Service{}).Delete(context.Background(), endpointFor(srv), "gone"); err != nil {
		t.Fatalf("404 on delete must count as success: %v", err)
	}
}
