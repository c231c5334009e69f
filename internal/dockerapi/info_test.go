package dockerapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func imagesServer(payload string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, payload)
	}))
}

func TestRepositoriesSkipsUntaggedAndDeduplicates(t *testing.T) {
	srv := imagesServer(`[
		{"RepoTags":["ctf/web:1"]},
		{"RepoTags":["ctf/web:2"]},
		{"RepoTags":["<none>:<none>"]},
		{"RepoTags":[]}
	]`)
	defer srv.Close()

	names := Repositories(context.Background(), testEndpoint(srv), false, nil)
	if len(names) != 1 || names[0] != "ctf/web" {
		t.Fatalf("names = %v", names)
	}

	tagged := Repositories(context.Background(), testEndpoint(srv), true, nil)
	if len(tagged) != 2 {
		t.Fatalf("tagged = %v", tagged)
	}
}

func TestRepositoriesAppliesAllowlist(t *testing.T) {
	srv := imagesServer(`[{"RepoTags":["ctf/web:1"]},{"RepoTags":["private/infra:1"]}]`)
	defer srv.Close()

	names := Repositories(context.Background(), testEndpoint(srv), false, []string{"ctf/web"})
	if len(names) != 1 || names[0] != "ctf/web" {
		t.Fatalf("names = %v", names)
	}
}

func TestRepositoriesDegradesOnFailure(t *testing.T) {
	srv := imagesServer("")
	ep := testEndpoint(srv)
	srv.Close()

	if names := Repositories(context.Background(), ep, false, nil); names != nil {
		t.Fatalf("expected nil on unreachable daemon, got %v", names)
	}
}

func TestSwarmActive(t *testing.T) {
	active := imagesServer(`[]`)
	defer active.Close()
	if !SwarmActive(context.Background(), testEndpoint(active)) {
		t.Error("manager node reported inactive")
	}

	inactive := imagesServer(`{"message":"This node is not a swarm manager."}`)
	defer inactive.Close()
	if SwarmActive(context.Background(), testEndpoint(inactive)) {
		t.Error("non-manager node reported active")
	}
}

func TestVersionInfo(t *testing.T) {
	srv := imagesServer(`{"Components":[{"Name":"Engine","Version":"27.0.1"}]}`)
	defer srv.Close()

	got := VersionInfo(context.Background(), testEndpoint(srv))
	if got != "Docker versions:\nEngine: 27.0.1\n" {
		t.Errorf("VersionInfo = %q", got)
	}
}
