package mutations

import (
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/store"
	"go.uber.org/zap"
)

// rollbackResult reports what undoing a mutation changed.
type rollbackResult struct {
	restored int
	// touched covers the undone mutation and every queued mutation applied again after it.
	touched store.Snapshot
}

// rollBack removes a mutation's optimistic effect from the cache. Later queued mutations that share a
// record with it, directly or through one another, are unwound newest first, the mutation's snapshot
// is restored, and the later mutations are applied again on the restored state with fresh snapshots.
// The undone mutation keeps an empty snapshot so it is never applied again.
func (p *Processor) rollBack(tx *store.Tx, undone store.Mutation, now library.Timestamp) (rollbackResult, error) {
	queue, err := tx.Mutations()
	if err != nil {
		return rollbackResult{}, err
	}
	dependents := laterDependents(queue, undone)

	for index := len(dependents) - 1; index >= 0; index-- {
		if _, err := tx.Restore(dependents[index].Snapshot); err != nil {
			return rollbackResult{}, err
		}
	}
	restored, err := tx.Restore(undone.Snapshot)
	if err != nil {
		return rollbackResult{}, err
	}
	result := rollbackResult{restored: restored, touched: undone.Snapshot}

	for _, dependent := range dependents {
		snapshot := store.Snapshot{}
		payload, err := DecodePayload(dependent)
		if err == nil {
			var change LocalChange
			change, err = ApplyLocal(tx, Type(dependent.Type), payload, now)
			snapshot = change.Snapshot
		}
		if err != nil {
			p.logger.Info("queued mutation no longer applies locally",
				zap.String("mutation_id", dependent.ID),
				zap.String("type", dependent.Type),
				zap.Error(err),
			)
		}
		dependent.Snapshot = snapshot
		if err := tx.SaveMutation(dependent); err != nil {
			return rollbackResult{}, err
		}
		result.touched.Entities = append(result.touched.Entities, snapshot.Entities...)
		result.touched.People = append(result.touched.People, snapshot.People...)
	}
	return result, nil
}

// laterDependents returns, in queue order, the mutations queued after undone whose records overlap
// it or an earlier dependent. Mutations with an empty snapshot have no local effect to redo.
func laterDependents(queue []store.Mutation, undone store.Mutation) []store.Mutation {
	keys := recordKeys(undone)
	dependents := make([]store.Mutation, 0)
	for _, candidate := range queue {
		if candidate.ID == undone.ID || !queuedAfter(candidate, undone) || candidate.Snapshot.Empty() {
			continue
		}
		candidateKeys := recordKeys(candidate)
		if !keys.overlaps(candidateKeys) {
			continue
		}
		dependents = append(dependents, candidate)
		keys.add(candidateKeys)
	}
	return dependents
}

func queuedAfter(candidate, reference store.Mutation) bool {
	if candidate.CreatedAt != reference.CreatedAt {
		return candidate.CreatedAt > reference.CreatedAt
	}
	return candidate.ID > reference.ID
}

type keySet map[string]struct{}

func (k keySet) overlaps(other keySet) bool {
	for key := range other {
		if _, ok := k[key]; ok {
			return true
		}
	}
	return false
}

func (k keySet) add(other keySet) {
	for key := range other {
		k[key] = struct{}{}
	}
}

// recordKeys names every cached record a mutation touched or refers to.
func recordKeys(mutation store.Mutation) keySet {
	keys := keySet{}
	entity := func(id library.CatalogID) {
		if id != "" {
			keys["entity:"+id.String()] = struct{}{}
		}
	}
	person := func(name library.PersonName) {
		if name != "" {
			keys["person:"+name.String()] = struct{}{}
		}
	}
	for _, image := range mutation.Snapshot.Entities {
		entity(image.CatalogID)
	}
	for _, image := range mutation.Snapshot.People {
		person(image.Name)
	}
	payload, err := DecodePayload(mutation)
	if err != nil {
		return keys
	}
	entity(payload.CatalogID)
	person(payload.Person)
	person(payload.NewName)
	if payload.Recommendation != nil {
		person(library.PersonName(payload.Recommendation.Person))
	}
	if payload.Bulk != nil {
		for _, name := range payload.Bulk.People {
			person(library.PersonName(name))
		}
	}
	return keys
}
