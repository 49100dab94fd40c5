package store

import (
	"encoding/json"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
)

func encodeEntity(entity library.Entity) (EntityRecord, error) {
	payload, err := json.Marshal(entity)
	if err != nil {
		return EntityRecord{}, err
	}
	record := EntityRecord{
		CatalogID:      entity.CatalogID.String(),
		Status:         string(entity.Status),
		MediaType:      string(entity.MediaType),
		Provisional:    entity.Provisional,
		LastModifiedMs: int64(entity.LastModified),
		PayloadJSON:    string(payload),
	}
	if entity.Rating != nil {
		rating := *entity.Rating
		record.Rating = &rating
	}
	return record, nil
}

func decodeEntity(record EntityRecord) (library.Entity, error) {
	var entity library.Entity
	if err := json.Unmarshal([]byte(record.PayloadJSON), &entity); err != nil {
		return library.Entity{}, err
	}
	if entity.Votes == nil {
		entity.Votes = []library.Vote{}
	}
	return entity, nil
}

func encodePerson(person library.Person) (PersonRecord, error) {
	payload, err := json.Marshal(person)
	if err != nil {
		return PersonRecord{}, err
	}
	return PersonRecord{
		Name:           person.Name.String(),
		IsTrusted:      person.IsTrusted,
		VoteCount:      person.VoteCount,
		LastModifiedMs: int64(person.LastModified),
		PayloadJSON:    string(payload),
	}, nil
}

func decodePerson(record PersonRecord) (library.Person, error) {
	var person library.Person
	if err := json.Unmarshal([]byte(record.PayloadJSON), &person); err != nil {
		return library.Person{}, err
	}
	return person, nil
}

func encodeMutation(mutation Mutation) (MutationRecord, error) {
	record := MutationRecord{
		ID:              mutation.ID,
		Type:            mutation.Type,
		Target:          mutation.Target,
		PayloadJSON:     string(mutation.Payload),
		CreatedAtMs:     int64(mutation.CreatedAt),
		State:           string(mutation.State),
		RetryCount:      mutation.RetryCount,
		NextAttemptAtMs: int64(mutation.NextAttemptAt),
		LastError:       mutation.LastError,
	}
	if record.State == "" {
		record.State = string(MutationPending)
	}
	if len(record.PayloadJSON) == 0 {
		record.PayloadJSON = "{}"
	}
	if !mutation.Snapshot.Empty() {
		snapshot, err := json.Marshal(mutation.Snapshot)
		if err != nil {
			return MutationRecord{}, err
		}
		record.SnapshotJSON = string(snapshot)
	}
	return record, nil
}

func decodeMutation(record MutationRecord) (Mutation, error) {
	mutation := Mutation{
		ID:            record.ID,
		Type:          record.Type,
		Target:        record.Target,
		Payload:       json.RawMessage(record.PayloadJSON),
		CreatedAt:     library.Timestamp(record.CreatedAtMs),
		State:         MutationState(record.State),
		RetryCount:    record.RetryCount,
		NextAttemptAt: library.Timestamp(record.NextAttemptAtMs),
		LastError:     record.LastError,
	}
	if record.SnapshotJSON != "" {
		if err := json.Unmarshal([]byte(record.SnapshotJSON), &mutation.Snapshot); err != nil {
			return Mutation{}, err
		}
	}
	return mutation, nil
}

func encodePendingTitle(title library.PendingTitle) PendingTitleRecord {
	return PendingTitleRecord{
		ID:              title.ID,
		Title:           title.Title,
		PersonName:      title.Person.String(),
		CreatedAtMs:     int64(title.CreatedAt),
		NeedsResolution: title.NeedsResolution,
	}
}

func decodePendingTitle(record PendingTitleRecord) library.PendingTitle {
	return library.PendingTitle{
		ID:              record.ID,
		Title:           record.Title,
		Person:          library.PersonName(record.PersonName),
		CreatedAt:       library.Timestamp(record.CreatedAtMs),
		NeedsResolution: record.NeedsResolution,
	}
}
