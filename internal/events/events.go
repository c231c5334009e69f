package events

import (
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	// SubjectInstanceCreated carries one message per provisioned instance.
	SubjectInstanceCreated = "warden.instance.created"
	// SubjectInstanceDestroyed carries one message per reclaimed instance.
	SubjectInstanceDestroyed = "warden.instance.destroyed"
)

// Destruction reasons attached to destroyed events.
const (
	ReasonRevert           = "revert"
	ReasonStale            = "stale"
	ReasonSolve            = "solve"
	ReasonKill             = "kill"
	ReasonChallengeDeleted = "challenge_deleted"
	ReasonCompensation     = "tracker_write_failed"
)

// InstanceEvent is published on instance lifecycle transitions. Scoreboards
// and audit consumers subscribe to these; the orchestrator never depends on
// anyone listening.
type InstanceEvent struct {
	EventID     string    `json:"event_id"`
	TeamID      uint      `json:"team_id,omitempty"`
	UserID      uint      `json:"user_id,omitempty"`
	ChallengeID uint      `json:"challenge_id"`
	InstanceID  string    `json:"instance_id"`
	Host        string    `json:"host,omitempty"`
	Ports       []string  `json:"ports,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher sends lifecycle events to NATS. A nil connection turns every
// publish into a no-op, so callers never branch on whether events are wired.
type Publisher struct {
	nc *nats.Conn
}

// NewPublisher wraps a NATS connection; nc may be nil to disable events.
func NewPublisher(nc *nats.Conn) *Publisher {
	return &Publisher{nc: nc}
}

// Connect establishes a connection to a NATS server.
func Connect(natsURL string) (*nats.Conn, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, err
	}
	log.Println("Connected to NATS server at", natsURL)
	return nc, nil
}

func (p *Publisher) publish(subject string, ev InstanceEvent) {
	if p == nil || p.nc == nil {
		return
	}
	ev.EventID = uuid.NewString()
	ev.Timestamp = time.Now().UTC()

	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[ERROR] Marshalling %s event: %v", subject, err)
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		log.Printf("[ERROR] Publishing %s event: %v", subject, err)
	}
}

// InstanceCreated publishes a created event.
func (p *Publisher) InstanceCreated(ev InstanceEvent) {
	p.publish(SubjectInstanceCreated, ev)
}

// InstanceDestroyed publishes a destroyed event.
func (p *Publisher) InstanceDestroyed(ev InstanceEvent) {
	p.publish(SubjectInstanceDestroyed, ev)
}
