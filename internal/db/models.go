package db

import (
	"encoding/json"
	"strings"

	"github.com/ctfgrid/warden/internal/dockerapi"
	"github.com/ctfgrid/warden/internal/spec"
	"gorm.io/gorm"
)

// Challenge kinds, deciding which driver backs the instance.
const (
	KindContainer = "container"
	KindService   = "service"
)

// DockerEndpoint is the singleton config row describing how to reach the
// Docker daemon. Cert material lives as PEM blobs in the row, not as files.
type DockerEndpoint struct {
	gorm.Model
	Hostname     string
	TLSEnabled   bool
	CACert       []byte
	ClientCert   []byte
	ClientKey    []byte
	Repositories string // comma-separated image repository allowlist
}

// Endpoint converts the row into the value passed to every gateway call.
func (e *DockerEndpoint) Endpoint() dockerapi.Endpoint {
	var repos []string
	for _, r := range strings.Split(e.Repositories, ",") {
		if r = strings.TrimSpace(r); r != "" {
			repos = append(repos, r)
		}
	}
	return dockerapi.Endpoint{
		Hostname:     e.Hostname,
		TLSEnabled:   e.TLSEnabled,
		CACert:       e.CACert,
		ClientCert:   e.ClientCert,
		ClientKey:    e.ClientKey,
		Repositories: repos,
	}
}

// Challenge describes one provisionable challenge: its image, the ports it
// declares, and (for services) the Swarm secrets to mount.
type Challenge struct {
	gorm.Model
	Name         string
	Image        string
	ExposedPorts string // comma-separated "port/proto" list
	Kind         string // KindContainer or KindService
	Secrets      string // JSON list of {id, protected}
}

// SecretRefs decodes the challenge's secret references.
func (c *Challenge) SecretRefs() ([]spec.SecretRef, error) {
	if c.Secrets == "" || c.Secrets == "[]" {
		return nil, nil
	}
	var refs []spec.SecretRef
	if err := json.Unmarshal([]byte(c.Secrets), &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

// InstanceRecord tracks one running instance for one owner. The composite
// unique index closes the concurrent-create race: the second writer fails
// the insert and compensates by deleting its Docker resource. Zero values
// stand in for the unset half of the team/user pair so the index bites
// (SQLite treats NULLs as distinct in unique indexes).
type InstanceRecord struct {
	gorm.Model
	TeamID      uint   `gorm:"uniqueIndex:idx_owner_instance"`
	UserID      uint   `gorm:"uniqueIndex:idx_owner_instance"`
	ChallengeID uint   `gorm:"uniqueIndex:idx_owner_instance;index"`
	DockerImage string `gorm:"uniqueIndex:idx_owner_instance"`
	Timestamp   int64  `gorm:"index"` // unix seconds at creation
	RevertTime  int64  // Timestamp + revert cooldown
	InstanceID  string `gorm:"index"`
	Ports       string // comma-joined "host/proto->target" strings
	Host        string // docker host at creation time, port stripped
}

// Owner reconstructs the owner identity of the record.
func (r *InstanceRecord) Owner() spec.Owner {
	if r.TeamID != 0 {
		return spec.TeamOwner(r.TeamID, "")
	}
	return spec.UserOwner(r.UserID, "")
}

// PortList splits the stored port strings for serialization.
func (r *InstanceRecord) PortList() []string {
	if r.Ports == "" {
		return nil
	}
	return strings.Split(r.Ports, ",")
}
