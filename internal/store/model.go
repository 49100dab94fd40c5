package store

import (
	"encoding/json"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
)

// EntityRecord is the cached row for an entity. Normalized columns back filtering;
// PayloadJSON holds the full entity for reconstruction.
type EntityRecord struct {
	CatalogID      string   `gorm:"column:catalog_id;primaryKey;size:190;not null"`
	Status         string   `gorm:"column:status;size:32;not null;index:idx_entities_status"`
	MediaType      string   `gorm:"column:media_type;size:16;not null;default:''"`
	Rating         *float64 `gorm:"column:rating"`
	Provisional    bool     `gorm:"column:provisional;not null;default:false"`
	LastModifiedMs int64    `gorm:"column:last_modified_ms;not null;index:idx_entities_modified"`
	PayloadJSON    string   `gorm:"column:payload_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EntityRecord) TableName() string {
	return "cached_entities"
}

// PersonRecord is the cached row for a person.
type PersonRecord struct {
	Name           string `gorm:"column:name;primaryKey;size:190;not null"`
	IsTrusted      bool   `gorm:"column:is_trusted;not null;default:false"`
	VoteCount      int    `gorm:"column:vote_count;not null;default:0"`
	LastModifiedMs int64  `gorm:"column:last_modified_ms;not null"`
	PayloadJSON    string `gorm:"column:payload_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PersonRecord) TableName() string {
	return "cached_people"
}

// MutationRecord is a durable queued write.
type MutationRecord struct {
	ID              string `gorm:"column:id;primaryKey;size:64;not null"`
	Type            string `gorm:"column:type;size:32;not null"`
	Target          string `gorm:"column:target;size:190;not null;default:''"`
	PayloadJSON     string `gorm:"column:payload_json;type:text;not null"`
	CreatedAtMs     int64  `gorm:"column:created_at_ms;not null;index:idx_mutations_order,priority:1"`
	State           string `gorm:"column:state;size:16;not null;index:idx_mutations_state"`
	RetryCount      int    `gorm:"column:retry_count;not null;default:0"`
	NextAttemptAtMs int64  `gorm:"column:next_attempt_at_ms;not null;default:0"`
	LastError       string `gorm:"column:last_error;type:text;not null;default:''"`
	SnapshotJSON    string `gorm:"column:snapshot_json;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (MutationRecord) TableName() string {
	return "pending_mutations"
}

// PendingTitleRecord is an offline add that still needs a catalog identifier.
type PendingTitleRecord struct {
	ID              string `gorm:"column:id;primaryKey;size:64;not null"`
	Title           string `gorm:"column:title;size:512;not null"`
	PersonName      string `gorm:"column:person_name;size:190;not null"`
	CreatedAtMs     int64  `gorm:"column:created_at_ms;not null;index"`
	NeedsResolution bool   `gorm:"column:needs_resolution;not null;default:true"`
}

// TableName provides the explicit table binding for GORM.
func (PendingTitleRecord) TableName() string {
	return "pending_titles"
}

// KeyValueRecord stores sync cursors, device identity and feature flags.
type KeyValueRecord struct {
	Key   string `gorm:"column:key;primaryKey;size:190;not null"`
	Value string `gorm:"column:value;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (KeyValueRecord) TableName() string {
	return "sync_kv"
}

// Models lists every table owned by the local store.
func Models() []any {
	return []any{&EntityRecord{}, &PersonRecord{}, &MutationRecord{}, &PendingTitleRecord{}, &KeyValueRecord{}}
}

// MutationState is the lifecycle position of a queued mutation.
type MutationState string

const (
	MutationPending   MutationState = "pending"
	MutationSending   MutationState = "sending"
	MutationRetryWait MutationState = "retry-wait"
	MutationFailed    MutationState = "failed"
)

// Mutation is the decoded form of a MutationRecord.
type Mutation struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Target        string            `json:"target"`
	Payload       json.RawMessage   `json:"payload"`
	CreatedAt     library.Timestamp `json:"created_at"`
	State         MutationState     `json:"state"`
	RetryCount    int               `json:"retry_count"`
	NextAttemptAt library.Timestamp `json:"next_attempt_at,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
	Snapshot      Snapshot          `json:"-"`
}

// Snapshot captures the pre-write images of records touched by an optimistic write.
type Snapshot struct {
	Entities []EntityImage `json:"entities,omitempty"`
	People   []PersonImage `json:"people,omitempty"`
}

// EntityImage is one entity's pre-write state. After is the stamp the optimistic write produced;
// Removed marks a record the optimistic write deleted.
type EntityImage struct {
	CatalogID library.CatalogID `json:"catalog_id"`
	Before    *library.Entity   `json:"before,omitempty"`
	After     library.Timestamp `json:"after"`
	Removed   bool              `json:"removed,omitempty"`
}

// PersonImage is one person's pre-write state.
type PersonImage struct {
	Name    library.PersonName `json:"name"`
	Before  *library.Person    `json:"before,omitempty"`
	After   library.Timestamp  `json:"after"`
	Removed bool               `json:"removed,omitempty"`
}

// Empty reports whether the snapshot holds no images.
func (s Snapshot) Empty() bool {
	return len(s.Entities) == 0 && len(s.People) == 0
}

// EntityFilter narrows entity listings.
type EntityFilter struct {
	Statuses []library.Status
}
