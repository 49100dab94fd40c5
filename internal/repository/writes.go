package repository

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/events"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/mutations"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/store"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/transport"
	"go.uber.org/zap"
)

// PersonDetails changes how a person is displayed.
type PersonDetails struct {
	Color *string
	Emoji *string
}

// localChange is what a write did to the cache.
type localChange struct {
	mutations.LocalChange
	// payload replaces the write's payload when the request depends on the pre-write state.
	payload *mutations.Payload
}

// write describes one repository write. Optimistic writes change the cache before the call and
// roll back on a definitive failure; the others touch the cache only once the call is settled.
type write struct {
	kind       mutations.Type
	payload    mutations.Payload
	optimistic bool
	apply      func(tx *store.Tx, now library.Timestamp) (localChange, error)
}

// AddOptions shapes the votes an add casts. The zero value is an upvote dated now on a movie.
type AddOptions struct {
	MediaType       library.MediaType
	VoteType        library.VoteType
	DateRecommended library.Timestamp
}

// AddEntity records a recommendation for a title, creating the entity on the server if needed.
func (r *Repository) AddEntity(ctx context.Context, catalogID library.CatalogID, recommender library.PersonName, mediaType library.MediaType) (library.WriteResult, error) {
	return r.AddRecommendations(ctx, catalogID, []library.PersonName{recommender}, AddOptions{MediaType: mediaType})
}

// AddEntityBulk records one title recommended by several people as a single write.
func (r *Repository) AddEntityBulk(ctx context.Context, catalogID library.CatalogID, recommenders []library.PersonName, mediaType library.MediaType) (library.WriteResult, error) {
	return r.AddRecommendations(ctx, catalogID, recommenders, AddOptions{MediaType: mediaType})
}

// AddRecommendations adds a title with votes of one type from every recommender. A single
// recommender is sent as a plain recommendation, several as one bulk write.
func (r *Repository) AddRecommendations(ctx context.Context, rawID library.CatalogID, rawPeople []library.PersonName, options AddOptions) (library.WriteResult, error) {
	if len(rawPeople) == 0 {
		return library.Failed(), fmt.Errorf("%w: at least one recommender is required", library.ErrValidation)
	}
	catalogID, err := library.NewCatalogID(rawID.String())
	if err != nil {
		return library.Failed(), invalid(err)
	}
	people, err := validPeople(rawPeople)
	if err != nil {
		return library.Failed(), err
	}
	mediaType, err := library.ParseMediaType(string(options.MediaType))
	if err != nil {
		return library.Failed(), invalid(err)
	}
	voteType, err := library.ParseVoteType(string(options.VoteType))
	if err != nil {
		return library.Failed(), invalid(err)
	}
	dated := options.DateRecommended
	if dated <= 0 {
		dated = r.now()
	}

	w := write{payload: mutations.Payload{CatalogID: catalogID}}
	if len(people) == 1 {
		w.kind = mutations.TypeAddEntity
		w.payload.Person = people[0]
		w.payload.Recommendation = &transport.AddRecommendationRequest{
			Person:          people[0].String(),
			VoteType:        string(voteType),
			DateRecommended: dated.Seconds(),
			MediaType:       string(mediaType),
		}
	} else {
		names := make([]string, 0, len(people))
		for _, person := range people {
			names = append(names, person.String())
		}
		w.kind = mutations.TypeAddEntityBulk
		w.payload.Bulk = &transport.BulkRecommendationRequest{
			People:          names,
			VoteType:        string(voteType),
			DateRecommended: dated.Seconds(),
			MediaType:       string(mediaType),
		}
	}
	w.apply = applyPayload(w.kind, w.payload)
	return r.submit(ctx, w)
}

// AddVote casts or replaces a person's vote on a toWatch entity.
func (r *Repository) AddVote(ctx context.Context, catalogID library.CatalogID, rawPerson library.PersonName, voteType library.VoteType) (library.WriteResult, error) {
	person, err := library.NewPersonName(rawPerson.String())
	if err != nil {
		return library.Failed(), invalid(err)
	}
	voteType, err = library.ParseVoteType(string(voteType))
	if err != nil {
		return library.Failed(), invalid(err)
	}
	payload := mutations.Payload{
		CatalogID: catalogID,
		Person:    person,
		Recommendation: &transport.AddRecommendationRequest{
			Person:          person.String(),
			VoteType:        string(voteType),
			DateRecommended: r.now().Seconds(),
		},
	}
	return r.submit(ctx, write{
		kind:       mutations.TypeAddVote,
		optimistic: true,
		payload:    payload,
		apply:      applyPayload(mutations.TypeAddVote, payload),
	})
}

// RemoveVote withdraws a person's vote from a toWatch entity.
func (r *Repository) RemoveVote(ctx context.Context, catalogID library.CatalogID, person library.PersonName) (library.WriteResult, error) {
	payload := mutations.Payload{CatalogID: catalogID, Person: person}
	return r.submit(ctx, write{
		kind:       mutations.TypeRemoveVote,
		optimistic: true,
		payload:    payload,
		apply:      applyPayload(mutations.TypeRemoveVote, payload),
	})
}

// UpdateEntity changes an entity's rating and/or status.
func (r *Repository) UpdateEntity(ctx context.Context, catalogID library.CatalogID, update library.EntityUpdate) (library.WriteResult, error) {
	if update.Empty() {
		return library.Failed(), fmt.Errorf("%w: nothing to update", library.ErrValidation)
	}
	if update.Status != nil && *update.Status == library.StatusCustom && update.CustomListID == "" {
		return library.Failed(), fmt.Errorf("%w: custom status needs a list id", library.ErrValidation)
	}
	return r.submit(ctx, write{
		kind:       mutations.TypeUpdateEntity,
		optimistic: true,
		payload:    mutations.Payload{CatalogID: catalogID},
		apply: func(tx *store.Tx, now library.Timestamp) (localChange, error) {
			current, err := tx.Entity(catalogID)
			if err != nil {
				return localChange{}, err
			}
			projected, err := library.ApplyUpdate(current, update, now)
			if err != nil {
				return localChange{}, err
			}
			payload := mutations.Payload{CatalogID: catalogID, Movie: movieRequest(update, projected)}
			change, err := applyPayload(mutations.TypeUpdateEntity, payload)(tx, now)
			if err != nil {
				return localChange{}, err
			}
			change.payload = &payload
			return change, nil
		},
	})
}

// UpdatePerson marks a person as trusted or not.
func (r *Repository) UpdatePerson(ctx context.Context, name library.PersonName, isTrusted bool) (library.WriteResult, error) {
	return r.updatePerson(ctx, name, transport.UpdatePersonRequest{IsTrusted: &isTrusted})
}

// UpdatePersonDetails changes a person's color and/or emoji.
func (r *Repository) UpdatePersonDetails(ctx context.Context, name library.PersonName, details PersonDetails) (library.WriteResult, error) {
	if details.Color == nil && details.Emoji == nil {
		return library.Failed(), fmt.Errorf("%w: nothing to update", library.ErrValidation)
	}
	return r.updatePerson(ctx, name, transport.UpdatePersonRequest{Color: details.Color, Emoji: details.Emoji})
}

func (r *Repository) updatePerson(ctx context.Context, name library.PersonName, request transport.UpdatePersonRequest) (library.WriteResult, error) {
	payload := mutations.Payload{Person: name, PersonUpdate: &request}
	return r.submit(ctx, write{
		kind:       mutations.TypeUpdatePerson,
		optimistic: true,
		payload:    payload,
		apply:      applyPayload(mutations.TypeUpdatePerson, payload),
	})
}

// RenamePerson moves a person, and every vote they cast, to an unused name.
func (r *Repository) RenamePerson(ctx context.Context, name library.PersonName, rawNewName library.PersonName) (library.WriteResult, error) {
	newName, err := library.NewPersonName(rawNewName.String())
	if err != nil {
		return library.Failed(), invalid(err)
	}
	if newName == name {
		return library.Failed(), fmt.Errorf("%w: %s already has that name", library.ErrValidation, name)
	}
	payload := mutations.Payload{Person: name, NewName: newName}
	return r.submit(ctx, write{
		kind:       mutations.TypeRenamePerson,
		optimistic: true,
		payload:    payload,
		apply:      applyPayload(mutations.TypeRenamePerson, payload),
	})
}

// submit runs a write. With a backlog the write queues behind it; otherwise the call is attempted
// and a connectivity failure queues it.
func (r *Repository) submit(ctx context.Context, w write) (library.WriteResult, error) {
	backlog, err := r.store.HasBacklog(ctx)
	if err != nil {
		return library.Failed(), err
	}
	if backlog {
		return r.enqueue(ctx, w, nil)
	}

	var change *localChange
	if w.optimistic {
		applied, err := r.applyLocal(ctx, w)
		if err != nil {
			return library.Failed(), err
		}
		change = &applied
		if applied.payload != nil {
			w.payload = *applied.payload
		}
	}

	mutation, err := mutations.NewMutation(w.kind, w.payload, store.Snapshot{}, r.now())
	if err != nil {
		return library.Failed(), err
	}
	confirmation, sendErr := r.processor.Send(ctx, mutation)
	settleCtx := context.WithoutCancel(ctx)
	switch {
	case sendErr == nil:
		if _, err := r.processor.Confirm(settleCtx, "", confirmation); err != nil {
			return library.Failed(), err
		}
		return library.Applied(firstEntity(confirmation), firstPerson(confirmation)), nil
	case library.IsConnectivity(sendErr):
		r.logger.Info("write deferred",
			zap.String("type", string(w.kind)),
			zap.String("target", mutation.Target),
			zap.Error(sendErr),
		)
		return r.enqueue(settleCtx, w, change)
	default:
		if change != nil {
			r.rollback(settleCtx, change.Snapshot)
		}
		return library.Failed(), sendErr
	}
}

// enqueue records the mutation, applying the local change in the same transaction unless it is
// already in place.
func (r *Repository) enqueue(ctx context.Context, w write, applied *localChange) (library.WriteResult, error) {
	var (
		mutation store.Mutation
		change   localChange
	)
	now := r.now()
	err := r.store.Update(ctx, func(tx *store.Tx) error {
		if applied != nil {
			change = *applied
		} else {
			local, err := w.apply(tx, now)
			if err != nil {
				return err
			}
			change = local
		}
		payload := w.payload
		if change.payload != nil {
			payload = *change.payload
		}
		queued, err := mutations.NewMutation(w.kind, payload, change.Snapshot, now)
		if err != nil {
			return err
		}
		mutation = queued
		return tx.InsertMutation(queued)
	})
	if err != nil {
		if applied != nil {
			r.rollback(ctx, applied.Snapshot)
		}
		return library.Failed(), err
	}
	if applied == nil {
		r.publishSnapshot(change.Snapshot)
	}
	r.publish(events.Event{Kind: events.KindQueueChanged})
	r.processor.Kick()
	return library.Queued(mutation.ID, change.Entity, change.Person), nil
}

func (r *Repository) applyLocal(ctx context.Context, w write) (localChange, error) {
	var change localChange
	now := r.now()
	err := r.store.Update(ctx, func(tx *store.Tx) error {
		local, err := w.apply(tx, now)
		change = local
		return err
	})
	if err != nil {
		return localChange{}, err
	}
	r.publishSnapshot(change.Snapshot)
	return change, nil
}

func (r *Repository) rollback(ctx context.Context, snapshot store.Snapshot) {
	err := r.store.Update(ctx, func(tx *store.Tx) error {
		_, err := tx.Restore(snapshot)
		return err
	})
	if err != nil {
		r.logger.Error("rollback failed", zap.Error(err))
		return
	}
	r.publishSnapshot(snapshot)
}

func (r *Repository) publishSnapshot(snapshot store.Snapshot) {
	if len(snapshot.Entities) > 0 {
		ids := make([]library.CatalogID, 0, len(snapshot.Entities))
		for _, image := range snapshot.Entities {
			ids = append(ids, image.CatalogID)
		}
		r.publish(events.Event{Kind: events.KindEntitiesChanged, CatalogIDs: ids})
	}
	if len(snapshot.People) > 0 {
		names := make([]library.PersonName, 0, len(snapshot.People))
		for _, image := range snapshot.People {
			names = append(names, image.Name)
		}
		r.publish(events.Event{Kind: events.KindPeopleChanged, People: names})
	}
}

// applyPayload binds a mutation's local effect to a write.
func applyPayload(kind mutations.Type, payload mutations.Payload) func(tx *store.Tx, now library.Timestamp) (localChange, error) {
	return func(tx *store.Tx, now library.Timestamp) (localChange, error) {
		change, err := mutations.ApplyLocal(tx, kind, payload, now)
		if err != nil {
			return localChange{}, err
		}
		return localChange{LocalChange: change}, nil
	}
}

func movieRequest(update library.EntityUpdate, next library.Entity) *transport.UpdateMovieRequest {
	request := &transport.UpdateMovieRequest{MyRating: update.Rating}
	if update.Status == nil {
		return request
	}
	status := string(*update.Status)
	request.Status = &status
	switch *update.Status {
	case library.StatusCustom:
		listID := update.CustomListID
		request.CustomListID = &listID
	case library.StatusToWatch:
		request.ClearDateWatched = true
	case library.StatusWatched:
		if next.WatchedAt != nil {
			watched := next.WatchedAt.Seconds()
			request.DateWatched = &watched
		}
	}
	return request
}

func validPeople(raw []library.PersonName) ([]library.PersonName, error) {
	seen := make(map[library.PersonName]bool, len(raw))
	people := make([]library.PersonName, 0, len(raw))
	for _, candidate := range raw {
		name, err := library.NewPersonName(candidate.String())
		if err != nil {
			return nil, invalid(err)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		people = append(people, name)
	}
	return people, nil
}

func firstEntity(confirmation mutations.Confirmation) *library.Entity {
	if len(confirmation.Entities) == 0 {
		return nil
	}
	entity := confirmation.Entities[0]
	return &entity
}

func firstPerson(confirmation mutations.Confirmation) *library.Person {
	if len(confirmation.People) == 0 {
		return nil
	}
	person := confirmation.People[0]
	return &person
}

func invalid(err error) error {
	return fmt.Errorf("%w: %w", library.ErrValidation, err)
}
