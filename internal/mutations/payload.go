package mutations

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/store"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/transport"
	"github.com/google/uuid"
)

// Type names the server call a queued mutation replays.
type Type string

const (
	TypeAddEntity     Type = "addEntity"
	TypeAddEntityBulk Type = "addEntityBulk"
	TypeAddVote       Type = "addVote"
	TypeRemoveVote    Type = "removeVote"
	TypeUpdateEntity  Type = "updateEntity"
	TypeUpdatePerson  Type = "updatePerson"
	TypeRenamePerson  Type = "renamePerson"
)

// Payload is the stored body of a mutation. Only the fields its Type needs are set.
type Payload struct {
	CatalogID      library.CatalogID                    `json:"catalog_id,omitempty"`
	Person         library.PersonName                   `json:"person,omitempty"`
	NewName        library.PersonName                   `json:"new_name,omitempty"`
	Recommendation *transport.AddRecommendationRequest  `json:"recommendation,omitempty"`
	Bulk           *transport.BulkRecommendationRequest `json:"bulk,omitempty"`
	Movie          *transport.UpdateMovieRequest        `json:"movie,omitempty"`
	PersonUpdate   *transport.UpdatePersonRequest       `json:"person_update,omitempty"`
}

// Backend is the subset of the transport client that replays mutations.
type Backend interface {
	AddRecommendation(ctx context.Context, catalogID library.CatalogID, request transport.AddRecommendationRequest) (library.Entity, error)
	AddRecommendationsBulk(ctx context.Context, catalogID library.CatalogID, request transport.BulkRecommendationRequest) (library.Entity, error)
	RemoveRecommendation(ctx context.Context, catalogID library.CatalogID, person library.PersonName) (library.Entity, error)
	UpdateMovie(ctx context.Context, catalogID library.CatalogID, request transport.UpdateMovieRequest) (library.Entity, error)
	UpdatePerson(ctx context.Context, name library.PersonName, request transport.UpdatePersonRequest) (library.Person, error)
	RenamePerson(ctx context.Context, name library.PersonName, newName library.PersonName) (transport.RenameResult, error)
}

// Confirmation is the authoritative server state returned by a successful call.
type Confirmation struct {
	Entities      []library.Entity
	People        []library.Person
	RemovedPeople []library.PersonName
}

// NewMutation builds a pending mutation with a time-ordered id.
func NewMutation(mutationType Type, payload Payload, snapshot store.Snapshot, now library.Timestamp) (store.Mutation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return store.Mutation{}, fmt.Errorf("mutations: new id: %w", err)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return store.Mutation{}, fmt.Errorf("mutations: encode payload: %w", err)
	}
	return store.Mutation{
		ID:        id.String(),
		Type:      string(mutationType),
		Target:    payload.target(),
		Payload:   encoded,
		CreatedAt: now,
		State:     store.MutationPending,
		Snapshot:  snapshot,
	}, nil
}

// DecodePayload reads the stored body of a mutation.
func DecodePayload(mutation store.Mutation) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(mutation.Payload, &payload); err != nil {
		return Payload{}, fmt.Errorf("%w: mutation %s payload: %v", library.ErrValidation, mutation.ID, err)
	}
	return payload, nil
}

// Execute performs the server call a mutation describes. Errors come back classified by the
// transport and are never reinterpreted here.
func Execute(ctx context.Context, backend Backend, mutation store.Mutation) (Confirmation, error) {
	payload, err := DecodePayload(mutation)
	if err != nil {
		return Confirmation{}, err
	}
	switch Type(mutation.Type) {
	case TypeAddEntity, TypeAddVote:
		if payload.Recommendation == nil {
			return Confirmation{}, missingPayload(mutation)
		}
		entity, err := backend.AddRecommendation(ctx, payload.CatalogID, *payload.Recommendation)
		return entityConfirmation(entity, err)
	case TypeAddEntityBulk:
		if payload.Bulk == nil {
			return Confirmation{}, missingPayload(mutation)
		}
		entity, err := backend.AddRecommendationsBulk(ctx, payload.CatalogID, *payload.Bulk)
		return entityConfirmation(entity, err)
	case TypeRemoveVote:
		entity, err := backend.RemoveRecommendation(ctx, payload.CatalogID, payload.Person)
		return entityConfirmation(entity, err)
	case TypeUpdateEntity:
		if payload.Movie == nil {
			return Confirmation{}, missingPayload(mutation)
		}
		entity, err := backend.UpdateMovie(ctx, payload.CatalogID, *payload.Movie)
		return entityConfirmation(entity, err)
	case TypeUpdatePerson:
		if payload.PersonUpdate == nil {
			return Confirmation{}, missingPayload(mutation)
		}
		person, err := backend.UpdatePerson(ctx, payload.Person, *payload.PersonUpdate)
		if err != nil {
			return Confirmation{}, err
		}
		return Confirmation{People: []library.Person{person}}, nil
	case TypeRenamePerson:
		result, err := backend.RenamePerson(ctx, payload.Person, payload.NewName)
		if err != nil {
			return Confirmation{}, err
		}
		return Confirmation{
			Entities:      result.Entities,
			People:        []library.Person{result.Person},
			RemovedPeople: []library.PersonName{payload.Person},
		}, nil
	default:
		return Confirmation{}, fmt.Errorf("%w: unknown mutation type %q", library.ErrValidation, mutation.Type)
	}
}

func (p Payload) target() string {
	if p.CatalogID != "" {
		return p.CatalogID.String()
	}
	return p.Person.String()
}

func entityConfirmation(entity library.Entity, err error) (Confirmation, error) {
	if err != nil {
		return Confirmation{}, err
	}
	return Confirmation{Entities: []library.Entity{entity}}, nil
}

func missingPayload(mutation store.Mutation) error {
	return fmt.Errorf("%w: mutation %s (%s) has no request body", library.ErrValidation, mutation.ID, mutation.Type)
}
