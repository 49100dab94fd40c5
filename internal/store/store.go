package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Config wires the dependencies of a Store.
type Config struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store is the per-device cache and durable queue area. Writes are serialized through Update.
type Store struct {
	db      *gorm.DB
	writeMu sync.Mutex
	logger  *zap.Logger
}

// New constructs a Store over an already migrated database handle.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newError(opStoreNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// Update runs fn inside a single write transaction. Conflicting writers queue on the store's
// write lock so a merge and an optimistic edit can never interleave.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&Tx{db: db})
	})
	if err != nil {
		var storeErr *Error
		if errors.As(err, &storeErr) {
			s.logError(opUpdate, reasonTxFailed, err, zap.String("code", storeErr.Code()))
		}
		return err
	}
	return nil
}

// View runs fn against the store without taking the write lock.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	return fn(&Tx{db: s.db.WithContext(ctx)})
}

// Entities lists cached entities matching the filter, most recently modified first.
func (s *Store) Entities(ctx context.Context, filter EntityFilter) ([]library.Entity, error) {
	var entities []library.Entity
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		entities, err = tx.Entities(filter)
		return err
	})
	if err != nil {
		s.logError(opListEntities, reasonQueryFailed, err)
		return nil, err
	}
	return entities, nil
}

// Entity returns one cached entity or a library.ErrNotFound wrapped error.
func (s *Store) Entity(ctx context.Context, catalogID library.CatalogID) (library.Entity, error) {
	var entity library.Entity
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		entity, err = tx.Entity(catalogID)
		return err
	})
	return entity, err
}

// CountEntities returns the number of cached entities.
func (s *Store) CountEntities(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&EntityRecord{}).Count(&count).Error; err != nil {
		s.logError(opListEntities, reasonQueryFailed, err)
		return 0, newError(opListEntities, reasonQueryFailed, err)
	}
	return count, nil
}

// People lists cached people ordered by name.
func (s *Store) People(ctx context.Context) ([]library.Person, error) {
	var people []library.Person
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		people, err = tx.People()
		return err
	})
	if err != nil {
		s.logError(opListPeople, reasonQueryFailed, err)
		return nil, err
	}
	return people, nil
}

// Person returns one cached person.
func (s *Store) Person(ctx context.Context, name library.PersonName) (library.Person, error) {
	var person library.Person
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		person, err = tx.Person(name)
		return err
	})
	return person, err
}

// Mutations lists queued mutations in replay order, optionally restricted to states.
func (s *Store) Mutations(ctx context.Context, states ...MutationState) ([]Mutation, error) {
	var mutations []Mutation
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		mutations, err = tx.Mutations(states...)
		return err
	})
	if err != nil {
		s.logError(opListMutations, reasonQueryFailed, err)
		return nil, err
	}
	return mutations, nil
}

// Mutation returns a queued mutation by id.
func (s *Store) Mutation(ctx context.Context, id string) (Mutation, error) {
	var mutation Mutation
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		mutation, err = tx.Mutation(id)
		return err
	})
	return mutation, err
}

// HasBacklog reports whether any mutation is still waiting for replay. Failed mutations do not count.
func (s *Store) HasBacklog(ctx context.Context) (bool, error) {
	var backlog bool
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		backlog, err = tx.HasBacklog()
		return err
	})
	return backlog, err
}

// PendingTitles lists offline title adds, oldest first.
func (s *Store) PendingTitles(ctx context.Context) ([]library.PendingTitle, error) {
	var titles []library.PendingTitle
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		titles, err = tx.PendingTitles()
		return err
	})
	if err != nil {
		s.logError(opListTitles, reasonQueryFailed, err)
		return nil, err
	}
	return titles, nil
}

// PendingTitle returns one offline title add.
func (s *Store) PendingTitle(ctx context.Context, id string) (library.PendingTitle, error) {
	var title library.PendingTitle
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		title, err = tx.PendingTitle(id)
		return err
	})
	return title, err
}

// Value reads a key from the key-value area.
func (s *Store) Value(ctx context.Context, key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		value, found, err = tx.Value(key)
		return err
	})
	return value, found, err
}

// SetValue writes a key in the key-value area.
func (s *Store) SetValue(ctx context.Context, key, value string) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.SetValue(key, value)
	})
}

// Cursor returns the server timestamp of the last successful pull of the collection.
func (s *Store) Cursor(ctx context.Context, collection library.Collection) (library.Timestamp, error) {
	var cursor library.Timestamp
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		cursor, err = tx.Cursor(collection)
		return err
	})
	return cursor, err
}

// PulledAt returns the local wall time of the last successful pull of the collection.
func (s *Store) PulledAt(ctx context.Context, collection library.Collection) (library.Timestamp, error) {
	var pulledAt library.Timestamp
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		pulledAt, err = tx.PulledAt(collection)
		return err
	})
	return pulledAt, err
}

// ClearCache drops every cached entity, person and sync cursor. Queues and device identity survive.
func (s *Store) ClearCache(ctx context.Context) error {
	err := s.Update(ctx, func(tx *Tx) error {
		if err := tx.db.Where("1 = 1").Delete(&EntityRecord{}).Error; err != nil {
			return newError(opClear, "entities_delete_failed", err)
		}
		if err := tx.db.Where("1 = 1").Delete(&PersonRecord{}).Error; err != nil {
			return newError(opClear, "people_delete_failed", err)
		}
		if err := tx.db.Where("`key` LIKE ? OR `key` LIKE ?", cursorKeyPrefix+"%", pulledAtKeyPrefix+"%").Delete(&KeyValueRecord{}).Error; err != nil {
			return newError(opClear, "cursor_delete_failed", err)
		}
		return nil
	})
	if err != nil {
		s.logError(opClear, reasonTxFailed, err)
		return err
	}
	s.logger.Info("local cache cleared")
	return nil
}

func notFound(kind, key string) error {
	return fmt.Errorf("%w: %s %s", library.ErrNotFound, kind, key)
}
