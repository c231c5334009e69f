// Package orchestrator is the instance lifecycle state machine. For each
// (owner, challenge) pair it decides whether to create, refuse, or revert a
// backing Docker resource, and it owns every destruction path: revert,
// staleness, solve, challenge deletion, and admin kill.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ctfgrid/warden/internal/db"
	"github.com/ctfgrid/warden/internal/dockerapi"
	"github.com/ctfgrid/warden/internal/driver"
	"github.com/ctfgrid/warden/internal/events"
	"github.com/ctfgrid/warden/internal/ports"
	"github.com/ctfgrid/warden/internal/spec"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/swarm"
)

const (
	// RevertAfter is the minimum age before an owner may revert an instance.
	RevertAfter = 5 * time.Minute
	// StaleAfter is the age at which instances are swept regardless of use.
	StaleAfter = 2 * time.Hour

	killBatchSize = 100
)

// ErrCooldown means the owner already has a fresh instance for the
// challenge and must keep using it. This is an expected outcome, not a
// fault: callers map it to 403 and do not log it as an error.
var ErrCooldown = errors.New("instance is too fresh to revert")

// ErrNotFound means the referenced challenge or instance does not exist.
var ErrNotFound = errors.New("not found")

// Provisioned is the outcome of a successful creation request.
type Provisioned struct {
	InstanceID string   `json:"instance_id"`
	Ports      []string `json:"ports"`
	Host       string   `json:"host"`
	RevertTime int64    `json:"revert_time"`
}

// Orchestrator coordinates the tracker table and the resource drivers.
type Orchestrator struct {
	store   *db.Store
	drivers map[string]driver.Driver
	events  *events.Publisher
	now     func() time.Time
}

// New builds an orchestrator over the given store and event publisher.
func New(store *db.Store, pub *events.Publisher) *Orchestrator {
	return &Orchestrator{
		store: store,
		drivers: map[string]driver.Driver{
			db.KindContainer: driver.Container{},
			db.KindService:   driver.Service{},
		},
		events: pub,
		now:    time.Now,
	}
}

func (o *Orchestrator) endpoint() (dockerapi.Endpoint, error) {
	row, err := o.store.Endpoint()
	if err != nil {
		return dockerapi.Endpoint{}, fmt.Errorf("could not load docker endpoint config: %w", err)
	}
	return row.Endpoint(), nil
}

// Provision handles one creation request:
//  1. sweep the owner's stale instances across every challenge;
//  2. refuse if a fresh instance exists, destroy it first if it is
//     revert-eligible;
//  3. snapshot the port blocklist and invoke the matching driver;
//  4. record the new instance, compensating with a delete if the tracker
//     write fails so no resource runs untracked.
func (o *Orchestrator) Provision(ctx context.Context, owner spec.Owner, challengeID uint) (*Provisioned, error) {
	if !owner.Valid() {
		return nil, fmt.Errorf("owner must be exactly one of team or user")
	}

	ep, err := o.endpoint()
	if err != nil {
		return nil, err
	}
	chal, err := o.store.Challenge(challengeID)
	if err != nil {
		return nil, err
	}
	if chal == nil {
		return nil, fmt.Errorf("challenge %d: %w", challengeID, ErrNotFound)
	}
	drv, ok := o.drivers[chal.Kind]
	if !ok {
		return nil, fmt.Errorf("challenge %d has unknown kind %q", challengeID, chal.Kind)
	}

	o.sweepOwner(ctx, ep, owner)

	now := o.now().Unix()
	existing, err := o.store.FindInstance(owner, chal.ID, chal.Image)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if now-existing.Timestamp < int64(RevertAfter.Seconds()) {
			return nil, ErrCooldown
		}
		// Revert: tear the old instance down first. A failed driver delete
		// is tolerated; the row goes away regardless so a dangling record
		// for an already-destroyed resource cannot wedge the owner forever.
		o.destroyRecord(ctx, ep, existing, events.ReasonRevert)
	}

	declared, err := ports.ParseList(chal.ExposedPorts)
	if err != nil {
		log.Printf("[WARN] Challenge %d has malformed exposed ports %q: %v", chal.ID, chal.ExposedPorts, err)
	}
	var secretRefs []spec.SecretRef
	if chal.Kind == db.KindService {
		if secretRefs, err = chal.SecretRefs(); err != nil {
			log.Printf("[WARN] Challenge %d has malformed secrets config: %v", chal.ID, err)
		}
	}

	inst, err := drv.Create(ctx, ep, driver.CreateRequest{
		Image:         chal.Image,
		OwnerLabel:    owner.Label(),
		DeclaredPorts: declared,
		BlockedPorts:  o.blockedPorts(ctx, ep),
		Secrets:       secretRefs,
	})
	if err != nil {
		return nil, fmt.Errorf("provisioning challenge %d: %w", chal.ID, err)
	}

	rec := &db.InstanceRecord{
		TeamID:      owner.TeamID,
		UserID:      owner.UserID,
		ChallengeID: chal.ID,
		DockerImage: chal.Image,
		Timestamp:   now,
		RevertTime:  now + int64(RevertAfter.Seconds()),
		InstanceID:  inst.ID,
		Ports:       strings.Join(inst.PortStrings(), ","),
		Host:        ep.Host(),
	}
	if err := o.store.CreateInstance(rec); err != nil {
		// Never leave a running resource with no tracking record. This also
		// covers losing the unique-index race to a concurrent creation.
		log.Printf("[ERROR] Tracker write failed for instance %s, deleting it: %v", inst.ID, err)
		if derr := drv.Delete(ctx, ep, inst.ID); derr != nil {
			log.Printf("[ERROR] Compensating delete of %s failed: %v", inst.ID, derr)
		}
		return nil, fmt.Errorf("recording instance %s: %w", inst.ID, err)
	}

	o.events.InstanceCreated(events.InstanceEvent{
		TeamID:      owner.TeamID,
		UserID:      owner.UserID,
		ChallengeID: chal.ID,
		InstanceID:  inst.ID,
		Host:        rec.Host,
		Ports:       inst.PortStrings(),
	})
	log.Printf("[INFO] Provisioned instance %s for challenge %d (%s)", inst.ID, chal.ID, owner.Label())

	return &Provisioned{
		InstanceID: inst.ID,
		Ports:      inst.PortStrings(),
		Host:       rec.Host,
		RevertTime: rec.RevertTime,
	}, nil
}

// sweepOwner destroys all of the requesting owner's instances past the
// stale threshold, whatever challenge they back. This bounds how many
// resources an idle owner can accumulate.
func (o *Orchestrator) sweepOwner(ctx context.Context, ep dockerapi.Endpoint, owner spec.Owner) {
	cutoff := o.now().Unix() - int64(StaleAfter.Seconds())
	stale, err := o.store.StaleInstancesFor(owner, cutoff)
	if err != nil {
		log.Printf("[ERROR] Stale sweep query failed: %v", err)
		return
	}
	for i := range stale {
		o.destroyRecord(ctx, ep, &stale[i], events.ReasonStale)
	}
}

// SweepStale destroys every tracked instance past the stale threshold,
// across all owners. The scheduled reaper calls this.
func (o *Orchestrator) SweepStale(ctx context.Context) error {
	ep, err := o.endpoint()
	if err != nil {
		return err
	}
	cutoff := o.now().Unix() - int64(StaleAfter.Seconds())
	stale, err := o.store.StaleInstances(cutoff)
	if err != nil {
		return err
	}
	for i := range stale {
		o.destroyRecord(ctx, ep, &stale[i], events.ReasonStale)
	}
	if len(stale) > 0 {
		log.Printf("[INFO] Reclaimed %d stale instance(s)", len(stale))
	}
	return nil
}

// Destroy kills one tracked instance by its Docker instance ID. The tracker
// row is removed even when the driver delete fails, but the failure is
// reported to the caller.
func (o *Orchestrator) Destroy(ctx context.Context, instanceID string) error {
	ep, err := o.endpoint()
	if err != nil {
		return err
	}
	rec, err := o.store.InstanceByID(instanceID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("instance %s: %w", instanceID, ErrNotFound)
	}
	return o.destroyRecord(ctx, ep, rec, events.ReasonKill)
}

// DestroyAll kills every tracked instance, streaming the table in batches.
// Per-instance failures do not stop the sweep.
func (o *Orchestrator) DestroyAll(ctx context.Context) (destroyed, failed int, err error) {
	ep, err := o.endpoint()
	if err != nil {
		return 0, 0, err
	}
	err = o.store.ForEachInstanceBatch(killBatchSize, func(batch []db.InstanceRecord) error {
		for i := range batch {
			if derr := o.destroyRecord(ctx, ep, &batch[i], events.ReasonKill); derr != nil {
				failed++
				continue
			}
			destroyed++
		}
		return nil
	})
	return destroyed, failed, err
}

// CleanupChallenge destroys every instance backing a challenge, tolerating
// per-instance failures so the whole sweep completes. Called before the
// challenge row itself is deleted.
func (o *Orchestrator) CleanupChallenge(ctx context.Context, challengeID uint) error {
	ep, err := o.endpoint()
	if err != nil {
		return err
	}
	recs, err := o.store.InstancesForChallenge(challengeID)
	if err != nil {
		return err
	}
	for i := range recs {
		o.destroyRecord(ctx, ep, &recs[i], events.ReasonChallengeDeleted)
	}
	return nil
}

// CleanupOnSolve destroys the solver's instance for the solved challenge.
// Absence and driver failure are both tolerated; solve recording must never
// block on cleanup.
func (o *Orchestrator) CleanupOnSolve(ctx context.Context, owner spec.Owner, challengeID uint) {
	ep, err := o.endpoint()
	if err != nil {
		log.Printf("[ERROR] Solve cleanup skipped: %v", err)
		return
	}
	chal, err := o.store.Challenge(challengeID)
	if err != nil || chal == nil {
		return
	}
	rec, err := o.store.FindInstance(owner, chal.ID, chal.Image)
	if err != nil || rec == nil {
		return
	}
	o.destroyRecord(ctx, ep, rec, events.ReasonSolve)
}

// destroyRecord tears down the Docker resource behind a tracker row and
// removes the row. The row goes away even when the driver fails, so stale
// bookkeeping never points at resources we have given up on; the driver
// error is still returned for callers that want to report it.
func (o *Orchestrator) destroyRecord(ctx context.Context, ep dockerapi.Endpoint, rec *db.InstanceRecord, reason string) error {
	err := o.deleteResource(ctx, ep, rec)
	if err != nil {
		log.Printf("[WARN] Could not delete instance %s (reason %s), dropping its record anyway: %v", rec.InstanceID, reason, err)
	}
	if derr := o.store.DeleteInstance(rec.InstanceID); derr != nil {
		log.Printf("[ERROR] Could not remove tracker row for %s: %v", rec.InstanceID, derr)
		if err == nil {
			err = derr
		}
	}
	o.events.InstanceDestroyed(events.InstanceEvent{
		TeamID:      rec.TeamID,
		UserID:      rec.UserID,
		ChallengeID: rec.ChallengeID,
		InstanceID:  rec.InstanceID,
		Reason:      reason,
	})
	return err
}

// deleteResource picks the driver from the owning challenge's kind. When the
// challenge is already gone both drivers are tried; deletion is idempotent,
// so the wrong one answers 404 and succeeds.
func (o *Orchestrator) deleteResource(ctx context.Context, ep dockerapi.Endpoint, rec *db.InstanceRecord) error {
	chal, err := o.store.Challenge(rec.ChallengeID)
	if err == nil && chal != nil {
		if drv, ok := o.drivers[chal.Kind]; ok {
			return drv.Delete(ctx, ep, rec.InstanceID)
		}
	}
	if err := o.drivers[db.KindContainer].Delete(ctx, ep, rec.InstanceID); err == nil {
		return nil
	}
	return o.drivers[db.KindService].Delete(ctx, ep, rec.InstanceID)
}

// blockedPorts snapshots every host port currently bound by a container or
// published by a service. Taken fresh immediately before each creation; a
// failed listing degrades to an empty snapshot and lets Docker's own bind
// check have the last word.
func (o *Orchestrator) blockedPorts(ctx context.Context, ep dockerapi.Endpoint) []int {
	var blocked []int

	resp, err := dockerapi.Do(ctx, ep, http.MethodGet, "/containers/json?all=1", nil)
	if err != nil {
		log.Printf("[ERROR] Unable to list container ports in use: %v", err)
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		dockerapi.Discard(resp)
		log.Printf("[ERROR] Docker rejected container listing: status=%d", resp.StatusCode)
		return nil
	}
	var containers []container.Summary
	if err := dockerapi.DecodeJSON(resp, &containers); err != nil {
		log.Printf("[ERROR] %v", err)
		return nil
	}
	for _, c := range containers {
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				blocked = append(blocked, int(p.PublicPort))
			}
		}
	}

	// A node that is not a swarm manager rejects the services listing;
	// that simply means zero service ports.
	resp, err = dockerapi.Do(ctx, ep, http.MethodGet, "/services?all=1", nil)
	if err != nil {
		log.Printf("[ERROR] Unable to list service ports in use: %v", err)
		return blocked
	}
	if resp.StatusCode != http.StatusOK {
		dockerapi.Discard(resp)
		return blocked
	}
	var services []swarm.Service
	if err := dockerapi.DecodeJSON(resp, &services); err != nil {
		log.Printf("[ERROR] %v", err)
		return blocked
	}
	for _, svc := range services {
		for _, p := range svc.Endpoint.Spec.Ports {
			if p.PublishedPort != 0 {
				blocked = append(blocked, int(p.PublishedPort))
			}
		}
	}
	return blocked
}
