package spec

import "fmt"

// Owner identifies who an instance belongs to: a team in teams-mode
// deployments, an individual user otherwise. Exactly one of TeamID and
// UserID is set; the other stays zero.
type Owner struct {
	TeamID uint   `json:"team_id,omitempty"`
	UserID uint   `json:"user_id,omitempty"`
	Name   string `json:"name,omitempty"`
}

// TeamOwner builds an Owner for a team.
func TeamOwner(id uint, name string) Owner {
	return Owner{TeamID: id, Name: name}
}

// UserOwner builds an Owner for an individual user.
func UserOwner(id uint, name string) Owner {
	return Owner{UserID: id, Name: name}
}

// Valid reports whether exactly one of TeamID and UserID is set.
func (o Owner) Valid() bool {
	return (o.TeamID == 0) != (o.UserID == 0)
}

// Label returns a stable string used for instance naming. The display name
// is preferred so reverts land on the same container name.
func (o Owner) Label() string {
	if o.Name != "" {
		return o.Name
	}
	if o.TeamID != 0 {
		return fmt.Sprintf("team-%d", o.TeamID)
	}
	return fmt.Sprintf("user-%d", o.UserID)
}

// InstanceRequest is the body of a create-instance call.
type InstanceRequest struct {
	ChallengeID uint   `json:"challenge_id"`
	TeamID      uint   `json:"team_id,omitempty"`
	UserID      uint   `json:"user_id,omitempty"`
	OwnerName   string `json:"owner_name,omitempty"`
}

// Owner converts the request's identity fields into an Owner. Both IDs are
// carried over as given so Valid() sees an ambiguous request as ambiguous.
func (r InstanceRequest) Owner() Owner {
	return Owner{TeamID: r.TeamID, UserID: r.UserID, Name: r.OwnerName}
}

// SolveRequest reports a correct flag submission so the solver's instance
// can be reclaimed.
type SolveRequest struct {
	ChallengeID uint   `json:"challenge_id"`
	TeamID      uint   `json:"team_id,omitempty"`
	UserID      uint   `json:"user_id,omitempty"`
	OwnerName   string `json:"owner_name,omitempty"`
}

// Owner converts the request's identity fields into an Owner. As with
// instance requests, both IDs are carried over as given.
func (r SolveRequest) Owner() Owner {
	return Owner{TeamID: r.TeamID, UserID: r.UserID, Name: r.OwnerName}
}

// SecretRef points at a Swarm secret attached to a service challenge.
// Protected secrets are mounted read-only to the container user.
type SecretRef struct {
	ID        string `json:"id"`
	Protected bool   `json:"protected,omitempty"`
}

// ChallengeRequest is the body of a challenge create/update call.
type ChallengeRequest struct {
	Name         string      `json:"name"`
	Image        string      `json:"image"`
	ExposedPorts string      `json:"exposed_ports"`
	Kind         string      `json:"kind"`
	Secrets      []SecretRef `json:"secrets,omitempty"`
}

// SecretCreateRequest is the body of a secret create call. The value is
// plaintext here and base64-encoded on the wire to Docker.
type SecretCreateRequest struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// EndpointRequest is the body of a Docker endpoint config update. Cert
// material is PEM text; it is stored but never echoed back.
type EndpointRequest struct {
	Hostname     string   `json:"hostname"`
	TLSEnabled   bool     `json:"tls_enabled"`
	CACert       string   `json:"ca_cert,omitempty"`
	ClientCert   string   `json:"client_cert,omitempty"`
	ClientKey    string   `json:"client_key,omitempty"`
	Repositories []string `json:"repositories,omitempty"`
}

// EndpointView is the redacted read model of the Docker endpoint config.
type EndpointView struct {
	Hostname      string   `json:"hostname"`
	TLSEnabled    bool     `json:"tls_enabled"`
	HasCACert     bool     `json:"has_ca_cert"`
	HasClientCert bool     `json:"has_client_cert"`
	HasClientKey  bool     `json:"has_client_key"`
	Repositories  []string `json:"repositories"`
}
