package db

import (
	"errors"
	"fmt"
	"log"

	"github.com/ctfgrid/warden/internal/spec"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// Store wraps the GORM connection and exposes the queries the orchestrator
// and HTTP surface need.
type Store struct {
	db *gorm.DB
}

// New opens the database, runs auto-migrations, and seeds the singleton
// Docker endpoint row if it is missing.
func New(dsn string) (*Store, error) {
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	log.Println("Running database migrations...")
	err = gdb.AutoMigrate(
		&DockerEndpoint{},
		&Challenge{},
		&InstanceRecord{},
	)
	if err != nil {
		return nil, err
	}

	store := &Store{db: gdb}
	if _, err := store.Endpoint(); errors.Is(err, gorm.ErrRecordNotFound) {
		log.Println("[INFO] No docker endpoint configured yet, creating empty row.")
		if err := gdb.Create(&DockerEndpoint{}).Error; err != nil {
			return nil, fmt.Errorf("could not seed docker endpoint row: %w", err)
		}
	} else if err != nil {
		return nil, err
	}

	log.Println("Database connection established and migrations completed.")
	return store, nil
}

// Endpoint returns the singleton Docker endpoint config row.
func (s *Store) Endpoint() (*DockerEndpoint, error) {
	var ep DockerEndpoint
	if err := s.db.First(&ep).Error; err != nil {
		return nil, err
	}
	return &ep, nil
}

// SaveEndpoint persists changes to the endpoint config row.
func (s *Store) SaveEndpoint(ep *DockerEndpoint) error {
	return s.db.Save(ep).Error
}

// CreateChallenge stores a new challenge definition.
func (s *Store) CreateChallenge(c *Challenge) error {
	return s.db.Create(c).Error
}

// SaveChallenge persists changes to an existing challenge row.
func (s *Store) SaveChallenge(c *Challenge) error {
	return s.db.Save(c).Error
}

// Challenge fetches a challenge by ID; (nil, nil) when absent.
func (s *Store) Challenge(id uint) (*Challenge, error) {
	var c Challenge
	err := s.db.First(&c, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Challenges lists every challenge.
func (s *Store) Challenges() ([]Challenge, error) {
	var cs []Challenge
	if err := s.db.Find(&cs).Error; err != nil {
		return nil, err
	}
	return cs, nil
}

// DeleteChallenge removes a challenge row. Instance cleanup is the
// orchestrator's job and happens before this is called.
func (s *Store) DeleteChallenge(id uint) error {
	return s.db.Unscoped().Delete(&Challenge{}, id).Error
}

func ownerScope(o spec.Owner) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		if o.TeamID != 0 {
			return tx.Where("team_id = ?", o.TeamID)
		}
		return tx.Where("user_id = ?", o.UserID)
	}
}

// FindInstance looks up the single tracked instance for (owner, challenge,
// image); (nil, nil) when absent.
func (s *Store) FindInstance(o spec.Owner, challengeID uint, image string) (*InstanceRecord, error) {
	var rec InstanceRecord
	err := s.db.Scopes(ownerScope(o)).
		Where("challenge_id = ? AND docker_image = ?", challengeID, image).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// InstancesFor lists every tracked instance of one owner.
func (s *Store) InstancesFor(o spec.Owner) ([]InstanceRecord, error) {
	var recs []InstanceRecord
	if err := s.db.Scopes(ownerScope(o)).Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// StaleInstancesFor lists one owner's instances created at or before cutoff,
// across all challenges.
func (s *Store) StaleInstancesFor(o spec.Owner, cutoff int64) ([]InstanceRecord, error) {
	var recs []InstanceRecord
	err := s.db.Scopes(ownerScope(o)).Where("timestamp <= ?", cutoff).Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// StaleInstances lists every instance created at or before cutoff,
// regardless of owner. Used by the scheduled reaper.
func (s *Store) StaleInstances(cutoff int64) ([]InstanceRecord, error) {
	var recs []InstanceRecord
	if err := s.db.Where("timestamp <= ?", cutoff).Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// InstancesForChallenge lists every tracked instance backing one challenge.
func (s *Store) InstancesForChallenge(challengeID uint) ([]InstanceRecord, error) {
	var recs []InstanceRecord
	if err := s.db.Where("challenge_id = ?", challengeID).Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// InstanceByID fetches a record by its Docker instance ID; (nil, nil) when
// absent.
func (s *Store) InstanceByID(instanceID string) (*InstanceRecord, error) {
	var rec InstanceRecord
	err := s.db.Where("instance_id = ?", instanceID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateInstance inserts a tracker row. A unique-index violation means a
// concurrent creation won the race; the caller must compensate by deleting
// the Docker resource it just created.
func (s *Store) CreateInstance(rec *InstanceRecord) error {
	return s.db.Create(rec).Error
}

// DeleteInstance removes the tracker row for a Docker instance ID.
func (s *Store) DeleteInstance(instanceID string) error {
	return s.db.Unscoped().Where("instance_id = ?", instanceID).Delete(&InstanceRecord{}).Error
}

// ForEachInstanceBatch streams all tracker rows in fixed-size batches so a
// kill-all never loads an unbounded table into memory.
func (s *Store) ForEachInstanceBatch(batchSize int, fn func([]InstanceRecord) error) error {
	var batch []InstanceRecord
	return s.db.FindInBatches(&batch, batchSize, func(tx *gorm.DB, _ int) error {
		return fn(batch)
	}).Error
}
