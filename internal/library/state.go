package library

import (
	"fmt"
	"sort"
)

// NextStamp returns the LastModified value for a local edit of a record last stamped at previous.
// Local edits advance one tick so a newer server record still wins the next merge.
func NextStamp(previous Timestamp) Timestamp {
	if previous < 0 {
		return 1
	}
	return previous + 1
}

// NewProvisionalEntity builds the local placeholder for an entity the server has not confirmed yet.
func NewProvisionalEntity(catalogID CatalogID, mediaType MediaType) Entity {
	return Entity{
		CatalogID:   catalogID,
		MediaType:   mediaType,
		Status:      StatusToWatch,
		Votes:       []Vote{},
		Provisional: true,
	}
}

// WithVote returns a copy of entity carrying the vote, replacing any earlier vote by the same person.
func WithVote(entity Entity, vote Vote) (Entity, error) {
	if !entity.AllowsVoteEdits() {
		return Entity{}, fmt.Errorf("%w: votes are frozen for status %s", ErrValidation, entity.Status)
	}
	next := entity.Clone()
	vote.CatalogID = entity.CatalogID
	replaced := false
	for index, existing := range next.Votes {
		if existing.Person == vote.Person {
			if vote.DateRecommended == 0 {
				vote.DateRecommended = existing.DateRecommended
			}
			next.Votes[index] = vote
			replaced = true
			break
		}
	}
	if !replaced {
		next.Votes = append(next.Votes, vote)
	}
	SortVotes(next.Votes)
	next.LastModified = NextStamp(entity.LastModified)
	return next, nil
}

// WithoutVote returns a copy of entity with the person's vote removed.
func WithoutVote(entity Entity, person PersonName) (Entity, error) {
	if !entity.AllowsVoteEdits() {
		return Entity{}, fmt.Errorf("%w: votes are frozen for status %s", ErrValidation, entity.Status)
	}
	if _, ok := entity.VoteBy(person); !ok {
		return Entity{}, fmt.Errorf("%w: no vote from %s on %s", ErrNotFound, person, entity.CatalogID)
	}
	next := entity.Clone()
	votes := make([]Vote, 0, len(next.Votes))
	for _, vote := range next.Votes {
		if vote.Person != person {
			votes = append(votes, vote)
		}
	}
	next.Votes = votes
	next.LastModified = NextStamp(entity.LastModified)
	return next, nil
}

// EntityUpdate describes a rating and/or status change. WatchedAt only applies to a change to watched.
type EntityUpdate struct {
	Rating       *float64
	Status       *Status
	CustomListID string
	WatchedAt    *Timestamp
}

// Empty reports whether the update changes nothing.
func (u EntityUpdate) Empty() bool {
	return u.Rating == nil && u.Status == nil
}

// ApplyUpdate derives the next entity state. Watched takes the update's WatchedAt, or stamps now
// when the entity has none; toWatch clears it; other statuses leave it untouched.
func ApplyUpdate(entity Entity, update EntityUpdate, now Timestamp) (Entity, error) {
	if update.Empty() {
		return Entity{}, fmt.Errorf("%w: empty update", ErrValidation)
	}
	if update.Rating != nil {
		if err := ValidateRating(*update.Rating); err != nil {
			return Entity{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	next := entity.Clone()
	if update.Rating != nil {
		rating := *update.Rating
		next.Rating = &rating
	}
	if update.Status != nil {
		next.Status = *update.Status
		switch next.Status {
		case StatusWatched:
			if update.WatchedAt != nil {
				watchedAt := *update.WatchedAt
				next.WatchedAt = &watchedAt
			} else if next.WatchedAt == nil {
				watchedAt := now
				next.WatchedAt = &watchedAt
			}
		case StatusToWatch:
			next.WatchedAt = nil
		}
		if next.Status == StatusCustom {
			next.CustomListID = update.CustomListID
		} else {
			next.CustomListID = ""
		}
	}
	next.LastModified = NextStamp(entity.LastModified)
	return next, nil
}

// RenameVotes rewrites every vote cast by from so it is cast by to. It reports whether anything changed.
func RenameVotes(entity Entity, from, to PersonName) (Entity, bool) {
	if _, ok := entity.VoteBy(from); !ok {
		return entity, false
	}
	next := entity.Clone()
	for index := range next.Votes {
		if next.Votes[index].Person == from {
			next.Votes[index].Person = to
		}
	}
	SortVotes(next.Votes)
	next.LastModified = NextStamp(entity.LastModified)
	return next, true
}

// SortVotes orders votes by recommendation date, then person.
func SortVotes(votes []Vote) {
	sort.SliceStable(votes, func(i, j int) bool {
		if votes[i].DateRecommended == votes[j].DateRecommended {
			return votes[i].Person < votes[j].Person
		}
		return votes[i].DateRecommended < votes[j].DateRecommended
	})
}
