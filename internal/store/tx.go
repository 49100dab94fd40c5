package store

import (
	"errors"
	"strconv"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	cursorKeyPrefix   = "cursor."
	pulledAtKeyPrefix = "pulled_at."
)

// Tx exposes record-level access within a Store.Update or Store.View call.
type Tx struct {
	db *gorm.DB
}

// Entity loads one entity.
func (tx *Tx) Entity(catalogID library.CatalogID) (library.Entity, error) {
	var record EntityRecord
	err := tx.db.Where("catalog_id = ?", catalogID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return library.Entity{}, notFound("entity", catalogID.String())
	}
	if err != nil {
		return library.Entity{}, newError(opGetEntity, reasonQueryFailed, err)
	}
	entity, err := decodeEntity(record)
	if err != nil {
		return library.Entity{}, newError(opGetEntity, reasonDecode, err)
	}
	return entity, nil
}

// Entities lists entities matching the filter.
func (tx *Tx) Entities(filter EntityFilter) ([]library.Entity, error) {
	query := tx.db.Model(&EntityRecord{})
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		query = query.Where("status IN ?", statuses)
	}
	var records []EntityRecord
	if err := query.Order("last_modified_ms DESC").Order("catalog_id ASC").Find(&records).Error; err != nil {
		return nil, newError(opListEntities, reasonQueryFailed, err)
	}
	entities := make([]library.Entity, 0, len(records))
	for _, record := range records {
		entity, err := decodeEntity(record)
		if err != nil {
			return nil, newError(opListEntities, reasonDecode, err)
		}
		entities = append(entities, entity)
	}
	return entities, nil
}

// EntitiesVotedBy lists entities carrying a vote from the person.
func (tx *Tx) EntitiesVotedBy(person library.PersonName) ([]library.Entity, error) {
	entities, err := tx.Entities(EntityFilter{})
	if err != nil {
		return nil, err
	}
	matches := make([]library.Entity, 0)
	for _, entity := range entities {
		if _, ok := entity.VoteBy(person); ok {
			matches = append(matches, entity)
		}
	}
	return matches, nil
}

// PutEntity inserts or replaces an entity.
func (tx *Tx) PutEntity(entity library.Entity) error {
	record, err := encodeEntity(entity)
	if err != nil {
		return newError(opUpdate, reasonEncode, err)
	}
	if err := tx.db.Save(&record).Error; err != nil {
		return newError(opUpdate, "entity_save_failed", err)
	}
	return nil
}

// DeleteEntity removes an entity. Only rollbacks of provisional entities and cache clears delete.
func (tx *Tx) DeleteEntity(catalogID library.CatalogID) error {
	if err := tx.db.Where("catalog_id = ?", catalogID.String()).Delete(&EntityRecord{}).Error; err != nil {
		return newError(opUpdate, "entity_delete_failed", err)
	}
	return nil
}

// Person loads one person.
func (tx *Tx) Person(name library.PersonName) (library.Person, error) {
	var record PersonRecord
	err := tx.db.Where("name = ?", name.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return library.Person{}, notFound("person", name.String())
	}
	if err != nil {
		return library.Person{}, newError(opGetPerson, reasonQueryFailed, err)
	}
	person, err := decodePerson(record)
	if err != nil {
		return library.Person{}, newError(opGetPerson, reasonDecode, err)
	}
	return person, nil
}

// People lists every person ordered by name.
func (tx *Tx) People() ([]library.Person, error) {
	var records []PersonRecord
	if err := tx.db.Order("name ASC").Find(&records).Error; err != nil {
		return nil, newError(opListPeople, reasonQueryFailed, err)
	}
	people := make([]library.Person, 0, len(records))
	for _, record := range records {
		person, err := decodePerson(record)
		if err != nil {
			return nil, newError(opListPeople, reasonDecode, err)
		}
		people = append(people, person)
	}
	return people, nil
}

// PutPerson inserts or replaces a person.
func (tx *Tx) PutPerson(person library.Person) error {
	record, err := encodePerson(person)
	if err != nil {
		return newError(opUpdate, reasonEncode, err)
	}
	if err := tx.db.Save(&record).Error; err != nil {
		return newError(opUpdate, "person_save_failed", err)
	}
	return nil
}

// DeletePerson removes a person.
func (tx *Tx) DeletePerson(name library.PersonName) error {
	if err := tx.db.Where("name = ?", name.String()).Delete(&PersonRecord{}).Error; err != nil {
		return newError(opUpdate, "person_delete_failed", err)
	}
	return nil
}

// Mutations lists mutations in (created_at, id) order.
func (tx *Tx) Mutations(states ...MutationState) ([]Mutation, error) {
	query := tx.db.Model(&MutationRecord{})
	if len(states) > 0 {
		values := make([]string, 0, len(states))
		for _, state := range states {
			values = append(values, string(state))
		}
		query = query.Where("state IN ?", values)
	}
	var records []MutationRecord
	if err := query.Order("created_at_ms ASC").Order("id ASC").Find(&records).Error; err != nil {
		return nil, newError(opListMutations, reasonQueryFailed, err)
	}
	mutations := make([]Mutation, 0, len(records))
	for _, record := range records {
		mutation, err := decodeMutation(record)
		if err != nil {
			return nil, newError(opListMutations, reasonDecode, err)
		}
		mutations = append(mutations, mutation)
	}
	return mutations, nil
}

// NextMutation returns the oldest mutation that is not failed.
func (tx *Tx) NextMutation() (Mutation, bool, error) {
	var record MutationRecord
	err := tx.db.Where("state <> ?", string(MutationFailed)).
		Order("created_at_ms ASC").Order("id ASC").
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Mutation{}, false, nil
	}
	if err != nil {
		return Mutation{}, false, newError(opListMutations, reasonQueryFailed, err)
	}
	mutation, err := decodeMutation(record)
	if err != nil {
		return Mutation{}, false, newError(opListMutations, reasonDecode, err)
	}
	return mutation, true, nil
}

// HasBacklog reports whether any non-failed mutation exists.
func (tx *Tx) HasBacklog() (bool, error) {
	var count int64
	if err := tx.db.Model(&MutationRecord{}).Where("state <> ?", string(MutationFailed)).Count(&count).Error; err != nil {
		return false, newError(opListMutations, reasonQueryFailed, err)
	}
	return count > 0, nil
}

// Mutation loads one mutation.
func (tx *Tx) Mutation(id string) (Mutation, error) {
	var record MutationRecord
	err := tx.db.Where("id = ?", id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Mutation{}, notFound("mutation", id)
	}
	if err != nil {
		return Mutation{}, newError(opGetMutation, reasonQueryFailed, err)
	}
	mutation, err := decodeMutation(record)
	if err != nil {
		return Mutation{}, newError(opGetMutation, reasonDecode, err)
	}
	return mutation, nil
}

// InsertMutation appends a mutation to the queue.
func (tx *Tx) InsertMutation(mutation Mutation) error {
	record, err := encodeMutation(mutation)
	if err != nil {
		return newError(opUpdate, reasonEncode, err)
	}
	if err := tx.db.Create(&record).Error; err != nil {
		return newError(opUpdate, "mutation_insert_failed", err)
	}
	return nil
}

// SaveMutation persists state, retry and error bookkeeping for a mutation.
func (tx *Tx) SaveMutation(mutation Mutation) error {
	record, err := encodeMutation(mutation)
	if err != nil {
		return newError(opUpdate, reasonEncode, err)
	}
	if err := tx.db.Save(&record).Error; err != nil {
		return newError(opUpdate, "mutation_save_failed", err)
	}
	return nil
}

// DeleteMutation removes a mutation from the queue.
func (tx *Tx) DeleteMutation(id string) error {
	if err := tx.db.Where("id = ?", id).Delete(&MutationRecord{}).Error; err != nil {
		return newError(opUpdate, "mutation_delete_failed", err)
	}
	return nil
}

// PendingTitles lists offline title adds in creation order.
func (tx *Tx) PendingTitles() ([]library.PendingTitle, error) {
	var records []PendingTitleRecord
	if err := tx.db.Order("created_at_ms ASC").Order("id ASC").Find(&records).Error; err != nil {
		return nil, newError(opListTitles, reasonQueryFailed, err)
	}
	titles := make([]library.PendingTitle, 0, len(records))
	for _, record := range records {
		titles = append(titles, decodePendingTitle(record))
	}
	return titles, nil
}

// PendingTitle loads one offline title add.
func (tx *Tx) PendingTitle(id string) (library.PendingTitle, error) {
	var record PendingTitleRecord
	err := tx.db.Where("id = ?", id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return library.PendingTitle{}, notFound("pending title", id)
	}
	if err != nil {
		return library.PendingTitle{}, newError(opGetTitle, reasonQueryFailed, err)
	}
	return decodePendingTitle(record), nil
}

// InsertPendingTitle records an offline title add.
func (tx *Tx) InsertPendingTitle(title library.PendingTitle) error {
	record := encodePendingTitle(title)
	if err := tx.db.Create(&record).Error; err != nil {
		return newError(opUpdate, "pending_title_insert_failed", err)
	}
	return nil
}

// DeletePendingTitle removes an offline title add.
func (tx *Tx) DeletePendingTitle(id string) error {
	result := tx.db.Where("id = ?", id).Delete(&PendingTitleRecord{})
	if result.Error != nil {
		return newError(opUpdate, "pending_title_delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return notFound("pending title", id)
	}
	return nil
}

// Value reads a key.
func (tx *Tx) Value(key string) (string, bool, error) {
	var record KeyValueRecord
	err := tx.db.Where("`key` = ?", key).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, newError(opReadValue, reasonQueryFailed, err)
	}
	return record.Value, true, nil
}

// SetValue upserts a key.
func (tx *Tx) SetValue(key, value string) error {
	record := KeyValueRecord{Key: key, Value: value}
	err := tx.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&record).Error
	if err != nil {
		return newError(opUpdate, "value_save_failed", err)
	}
	return nil
}

// Cursor returns the collection's server-reported pull cursor, zero when never pulled.
func (tx *Tx) Cursor(collection library.Collection) (library.Timestamp, error) {
	return tx.timestampValue(cursorKeyPrefix + string(collection))
}

// SetCursor advances the collection's pull cursor. A cursor older than the stored one is ignored.
func (tx *Tx) SetCursor(collection library.Collection, cursor library.Timestamp) error {
	current, err := tx.Cursor(collection)
	if err != nil {
		return err
	}
	if cursor <= current {
		return nil
	}
	return tx.SetValue(cursorKeyPrefix+string(collection), strconv.FormatInt(int64(cursor), 10))
}

// PulledAt returns the local time of the collection's last successful pull.
func (tx *Tx) PulledAt(collection library.Collection) (library.Timestamp, error) {
	return tx.timestampValue(pulledAtKeyPrefix + string(collection))
}

// SetPulledAt records the local time of a successful pull.
func (tx *Tx) SetPulledAt(collection library.Collection, at library.Timestamp) error {
	return tx.SetValue(pulledAtKeyPrefix+string(collection), strconv.FormatInt(int64(at), 10))
}

func (tx *Tx) timestampValue(key string) (library.Timestamp, error) {
	raw, found, err := tx.Value(key)
	if err != nil || !found {
		return 0, err
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, newError(opReadValue, reasonDecode, err)
	}
	return library.Timestamp(parsed), nil
}

// Restore rolls an optimistic write back to its snapshot. Images whose record has moved past the
// optimistic stamp are skipped: a newer server state already replaced them. It returns the number
// of records restored.
func (tx *Tx) Restore(snapshot Snapshot) (int, error) {
	restored := 0
	for _, image := range snapshot.Entities {
		current, err := tx.Entity(image.CatalogID)
		missing := errors.Is(err, library.ErrNotFound)
		if err != nil && !missing {
			return restored, err
		}
		if !imageIsCurrent(missing, current.LastModified, image.After, image.Removed) {
			continue
		}
		if image.Before == nil {
			if err := tx.DeleteEntity(image.CatalogID); err != nil {
				return restored, err
			}
		} else if err := tx.PutEntity(image.Before.Clone()); err != nil {
			return restored, err
		}
		restored++
	}
	for _, image := range snapshot.People {
		current, err := tx.Person(image.Name)
		missing := errors.Is(err, library.ErrNotFound)
		if err != nil && !missing {
			return restored, err
		}
		if !imageIsCurrent(missing, current.LastModified, image.After, image.Removed) {
			continue
		}
		if image.Before == nil {
			if err := tx.DeletePerson(image.Name); err != nil {
				return restored, err
			}
		} else if err := tx.PutPerson(*image.Before); err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}

func imageIsCurrent(missing bool, current, after library.Timestamp, removed bool) bool {
	if removed {
		return missing
	}
	return !missing && current == after
}

// CaptureEntity records the pre-write image of an entity about to be replaced by next.
func CaptureEntity(before *library.Entity, next library.Entity) EntityImage {
	image := EntityImage{CatalogID: next.CatalogID, After: next.LastModified}
	if before != nil {
		clone := before.Clone()
		image.Before = &clone
	}
	return image
}

// CapturePerson records the pre-write image of a person about to be replaced by next.
func CapturePerson(before *library.Person, next library.Person) PersonImage {
	image := PersonImage{Name: next.Name, After: next.LastModified}
	if before != nil {
		clone := *before
		image.Before = &clone
	}
	return image
}

// CaptureRemovedPerson records the image of a person the optimistic write deletes.
func CaptureRemovedPerson(before library.Person) PersonImage {
	clone := before
	return PersonImage{Name: before.Name, Before: &clone, Removed: true}
}
