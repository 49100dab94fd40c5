package mutations

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/store"
)

// LocalChange is what applying a mutation did to the cache.
type LocalChange struct {
	Snapshot store.Snapshot
	Entity   *library.Entity
	Person   *library.Person
}

// ApplyLocal performs the optimistic cache effect of a mutation and captures the images that undo it.
// Queued adds create a provisional entity when the title is not cached yet.
func ApplyLocal(tx *store.Tx, mutationType Type, payload Payload, now library.Timestamp) (LocalChange, error) {
	switch mutationType {
	case TypeAddEntity, TypeAddEntityBulk, TypeAddVote:
		grant, err := payload.voteGrant(now)
		if err != nil {
			return LocalChange{}, err
		}
		return addVotes(tx, payload.CatalogID, grant, now, mutationType != TypeAddVote)
	case TypeRemoveVote:
		current, err := tx.Entity(payload.CatalogID)
		if err != nil {
			return LocalChange{}, err
		}
		next, err := library.WithoutVote(current, payload.Person)
		if err != nil {
			return LocalChange{}, err
		}
		return putEntity(tx, &current, next)
	case TypeUpdateEntity:
		return updateEntity(tx, payload, now)
	case TypeUpdatePerson:
		return updatePerson(tx, payload)
	case TypeRenamePerson:
		return renamePerson(tx, payload.Person, payload.NewName)
	default:
		return LocalChange{}, fmt.Errorf("%w: unknown mutation type %q", library.ErrValidation, mutationType)
	}
}

// voteGrant is the set of votes an add or vote mutation casts.
type voteGrant struct {
	people    []library.PersonName
	voteType  library.VoteType
	date      library.Timestamp
	mediaType library.MediaType
}

func (p Payload) voteGrant(now library.Timestamp) (voteGrant, error) {
	var (
		grant     voteGrant
		voteType  string
		date      float64
		mediaType string
	)
	switch {
	case p.Bulk != nil:
		for _, name := range p.Bulk.People {
			person, err := library.NewPersonName(name)
			if err != nil {
				return voteGrant{}, fmt.Errorf("%w: %w", library.ErrValidation, err)
			}
			grant.people = append(grant.people, person)
		}
		voteType, date, mediaType = p.Bulk.VoteType, p.Bulk.DateRecommended, p.Bulk.MediaType
	case p.Recommendation != nil:
		person := p.Person
		if person == "" {
			parsed, err := library.NewPersonName(p.Recommendation.Person)
			if err != nil {
				return voteGrant{}, fmt.Errorf("%w: %w", library.ErrValidation, err)
			}
			person = parsed
		}
		grant.people = []library.PersonName{person}
		voteType, date, mediaType = p.Recommendation.VoteType, p.Recommendation.DateRecommended, p.Recommendation.MediaType
	default:
		return voteGrant{}, fmt.Errorf("%w: vote payload for %s has no request body", library.ErrValidation, p.CatalogID)
	}
	if len(grant.people) == 0 {
		return voteGrant{}, fmt.Errorf("%w: at least one recommender is required", library.ErrValidation)
	}
	parsedVote, err := library.ParseVoteType(voteType)
	if err != nil {
		return voteGrant{}, fmt.Errorf("%w: %w", library.ErrValidation, err)
	}
	parsedMedia, err := library.ParseMediaType(mediaType)
	if err != nil {
		return voteGrant{}, fmt.Errorf("%w: %w", library.ErrValidation, err)
	}
	grant.voteType = parsedVote
	grant.mediaType = parsedMedia
	grant.date = now
	if date > 0 {
		grant.date = library.TimestampFromSeconds(date)
	}
	return grant, nil
}

func addVotes(tx *store.Tx, catalogID library.CatalogID, grant voteGrant, now library.Timestamp, create bool) (LocalChange, error) {
	current, err := tx.Entity(catalogID)
	var before *library.Entity
	switch {
	case err == nil:
		before = &current
	case errors.Is(err, library.ErrNotFound) && create:
		current = library.NewProvisionalEntity(catalogID, grant.mediaType)
	default:
		return LocalChange{}, err
	}

	next := current
	for _, person := range grant.people {
		next, err = library.WithVote(next, library.Vote{Person: person, VoteType: grant.voteType, DateRecommended: grant.date})
		if err != nil {
			return LocalChange{}, err
		}
	}
	next.LastModified = library.NextStamp(current.LastModified)
	change, err := putEntity(tx, before, next)
	if err != nil {
		return LocalChange{}, err
	}
	for _, person := range grant.people {
		image, created, err := ensurePerson(tx, person)
		if err != nil {
			return LocalChange{}, err
		}
		if created {
			change.Snapshot.People = append(change.Snapshot.People, image)
		}
	}
	return change, nil
}

func updateEntity(tx *store.Tx, payload Payload, now library.Timestamp) (LocalChange, error) {
	if payload.Movie == nil {
		return LocalChange{}, fmt.Errorf("%w: update for %s has no request body", library.ErrValidation, payload.CatalogID)
	}
	current, err := tx.Entity(payload.CatalogID)
	if err != nil {
		return LocalChange{}, err
	}
	update := library.EntityUpdate{Rating: payload.Movie.MyRating}
	if payload.Movie.Status != nil {
		status, err := library.ParseStatus(*payload.Movie.Status)
		if err != nil {
			return LocalChange{}, fmt.Errorf("%w: %w", library.ErrValidation, err)
		}
		update.Status = &status
		if payload.Movie.CustomListID != nil {
			update.CustomListID = *payload.Movie.CustomListID
		}
		if payload.Movie.DateWatched != nil {
			watchedAt := library.TimestampFromSeconds(*payload.Movie.DateWatched)
			update.WatchedAt = &watchedAt
		}
	}
	next, err := library.ApplyUpdate(current, update, now)
	if err != nil {
		return LocalChange{}, err
	}
	return putEntity(tx, &current, next)
}

func updatePerson(tx *store.Tx, payload Payload) (LocalChange, error) {
	if payload.PersonUpdate == nil {
		return LocalChange{}, fmt.Errorf("%w: update for %s has no request body", library.ErrValidation, payload.Person)
	}
	current, err := tx.Person(payload.Person)
	if err != nil {
		return LocalChange{}, err
	}
	next := current
	if payload.PersonUpdate.IsTrusted != nil {
		next.IsTrusted = *payload.PersonUpdate.IsTrusted
	}
	if payload.PersonUpdate.Color != nil {
		next.Color = *payload.PersonUpdate.Color
	}
	if payload.PersonUpdate.Emoji != nil {
		next.Emoji = *payload.PersonUpdate.Emoji
	}
	next.LastModified = library.NextStamp(current.LastModified)
	if err := tx.PutPerson(next); err != nil {
		return LocalChange{}, err
	}
	return LocalChange{
		Snapshot: store.Snapshot{People: []store.PersonImage{store.CapturePerson(&current, next)}},
		Person:   &next,
	}, nil
}

func renamePerson(tx *store.Tx, name, newName library.PersonName) (LocalChange, error) {
	current, err := tx.Person(name)
	if err != nil {
		return LocalChange{}, err
	}
	if _, err := tx.Person(newName); err == nil {
		return LocalChange{}, fmt.Errorf("%w: %s is already taken", library.ErrValidation, newName)
	} else if !errors.Is(err, library.ErrNotFound) {
		return LocalChange{}, err
	}

	renamed := current
	renamed.Name = newName
	renamed.LastModified = library.NextStamp(current.LastModified)
	if err := tx.DeletePerson(name); err != nil {
		return LocalChange{}, err
	}
	if err := tx.PutPerson(renamed); err != nil {
		return LocalChange{}, err
	}
	snapshot := store.Snapshot{People: []store.PersonImage{
		store.CaptureRemovedPerson(current),
		store.CapturePerson(nil, renamed),
	}}

	voted, err := tx.EntitiesVotedBy(name)
	if err != nil {
		return LocalChange{}, err
	}
	for _, entity := range voted {
		next, changed := library.RenameVotes(entity, name, newName)
		if !changed {
			continue
		}
		if err := tx.PutEntity(next); err != nil {
			return LocalChange{}, err
		}
		before := entity
		snapshot.Entities = append(snapshot.Entities, store.CaptureEntity(&before, next))
	}
	return LocalChange{Snapshot: snapshot, Person: &renamed}, nil
}

func ensurePerson(tx *store.Tx, name library.PersonName) (store.PersonImage, bool, error) {
	_, err := tx.Person(name)
	if err == nil {
		return store.PersonImage{}, false, nil
	}
	if !errors.Is(err, library.ErrNotFound) {
		return store.PersonImage{}, false, err
	}
	person := library.Person{Name: name, LastModified: library.NextStamp(0)}
	if err := tx.PutPerson(person); err != nil {
		return store.PersonImage{}, false, err
	}
	return store.CapturePerson(nil, person), true, nil
}

func putEntity(tx *store.Tx, before *library.Entity, next library.Entity) (LocalChange, error) {
	if err := tx.PutEntity(next); err != nil {
		return LocalChange{}, err
	}
	return LocalChange{
		Snapshot: store.Snapshot{Entities: []store.EntityImage{store.CaptureEntity(before, next)}},
		Entity:   &next,
	}, nil
}
