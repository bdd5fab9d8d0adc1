// Package model defines the entity and queue item types shared by the
// local store, sync queue, and remote gateway.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityType identifies which remote collection an entity belongs to.
type EntityType string

const (
	EntityTask    EntityType = "task"
	EntityProject EntityType = "project"
	EntitySection EntityType = "section"
)

// EntityTypes lists every syncable entity type in a stable order.
var EntityTypes = []EntityType{EntityTask, EntityProject, EntitySection}

// Valid reports whether the entity type is one of the known collections.
func (t EntityType) Valid() bool {
	switch t {
	case EntityTask, EntityProject, EntitySection:
		return true
	}
	return false
}

// SyncStatus tracks how an entity relates to its remote counterpart.
type SyncStatus string

const (
	// StatusSynced means the local row matches the last known remote state.
	StatusSynced SyncStatus = "synced"
	// StatusPending means a local mutation has not been acknowledged remotely.
	StatusPending SyncStatus = "pending"
	// StatusError means the last attempt to push this entity failed.
	StatusError SyncStatus = "error"
)

// LocalIDPrefix marks identifiers minted locally before the remote
// counterpart exists. The prefix is reserved: remote ids never start with it.
const LocalIDPrefix = "local-"

// NewLocalID mints a temporary identifier for a not-yet-synced entity.
func NewLocalID() string {
	return LocalIDPrefix + uuid.NewString()
}

// IsLocalID reports whether id is a locally-minted temporary identifier.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

// Entity is a task, project, or section record plus local-only sync
// metadata. Tasks, projects, and sections share one structure; fields that
// don't apply to a type (ProjectID on a project, say) stay empty.
type Entity struct {
	ID   string     `json:"id"`
	Type EntityType `json:"type"`

	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
	Notes  string `json:"notes,omitempty"`

	// Relations by id.
	ProjectID string `json:"project_id,omitempty"`
	SectionID string `json:"section_id,omitempty"`

	DueAt *time.Time `json:"due_at,omitempty"`

	// Local-only sync metadata, never sent to the remote store.
	SyncStatus SyncStatus `json:"sync_status"`
	CreatedAt  int64      `json:"created_at"`  // epoch millis
	ModifiedAt int64      `json:"modified_at"` // epoch millis
}

// Validate checks required fields before the entity is persisted.
func (e *Entity) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("unknown entity type %q", e.Type)
	}
	if e.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch e.SyncStatus {
	case StatusSynced, StatusPending, StatusError:
	default:
		return fmt.Errorf("unknown sync status %q", e.SyncStatus)
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (e *Entity) SetDefaults() {
	if e.SyncStatus == "" {
		e.SyncStatus = StatusSynced
	}
	if e.ModifiedAt == 0 {
		e.ModifiedAt = NowMillis()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = e.ModifiedAt
	}
}

// Touch sets ModifiedAt to the current time.
func (e *Entity) Touch() {
	e.ModifiedAt = NowMillis()
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() Entity {
	c := *e
	if e.DueAt != nil {
		t := *e.DueAt
		c.DueAt = &t
	}
	return c
}

// NowMillis returns the current time as epoch milliseconds, the resolution
// used for ModifiedAt ordering under last-write-wins.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
