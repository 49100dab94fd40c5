package reconcile

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/store"
)

// Outcome is what a merge did with one incoming record.
type Outcome int

const (
	// OutcomeInserted means no local record existed.
	OutcomeInserted Outcome = iota
	// OutcomeReplaced means the incoming record was at least as new and differed.
	OutcomeReplaced
	// OutcomeKept means the local record was strictly newer.
	OutcomeKept
	// OutcomeUnchanged means the incoming record was identical to the local one.
	OutcomeUnchanged
)

// String returns a human readable outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeReplaced:
		return "replaced"
	case OutcomeKept:
		return "kept"
	case OutcomeUnchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

// Report lists the outcome of every merged record.
type Report struct {
	Entities map[library.CatalogID]Outcome
	People   map[library.PersonName]Outcome
}

func newReport() Report {
	return Report{
		Entities: map[library.CatalogID]Outcome{},
		People:   map[library.PersonName]Outcome{},
	}
}

// ChangedEntities lists inserted or replaced entities in id order.
func (r Report) ChangedEntities() []library.CatalogID {
	changed := make([]library.CatalogID, 0)
	for id, outcome := range r.Entities {
		if outcome == OutcomeInserted || outcome == OutcomeReplaced {
			changed = append(changed, id)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	return changed
}

// ChangedPeople lists inserted or replaced people in name order.
func (r Report) ChangedPeople() []library.PersonName {
	changed := make([]library.PersonName, 0)
	for name, outcome := range r.People {
		if outcome == OutcomeInserted || outcome == OutcomeReplaced {
			changed = append(changed, name)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	return changed
}

// KeptEntities lists entities whose local copy outranked the incoming one.
func (r Report) KeptEntities() []library.CatalogID {
	kept := make([]library.CatalogID, 0)
	for id, outcome := range r.Entities {
		if outcome == OutcomeKept {
			kept = append(kept, id)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i] < kept[j] })
	return kept
}

// Merge applies server records into the store with the last-modified-wins rule. Ties go to the
// incoming server copy. It must run inside a store.Update so merges never interleave with local writes.
func Merge(tx *store.Tx, entities []library.Entity, people []library.Person) (Report, error) {
	report := newReport()
	for _, incoming := range entities {
		existing, err := tx.Entity(incoming.CatalogID)
		var existingPtr *library.Entity
		switch {
		case err == nil:
			existingPtr = &existing
		case errors.Is(err, library.ErrNotFound):
		default:
			return Report{}, err
		}

		merged := incoming.Clone()
		merged.Provisional = false
		if merged.Votes == nil {
			merged.Votes = []library.Vote{}
		}
		if existingPtr != nil {
			merged.Metadata = carryMetadata(existingPtr.Metadata, merged.Metadata)
		}
		outcome := resolveEntity(existingPtr, merged)
		report.Entities[incoming.CatalogID] = outcome
		if outcome == OutcomeInserted || outcome == OutcomeReplaced {
			if err := tx.PutEntity(merged); err != nil {
				return Report{}, err
			}
		}
	}
	for _, incoming := range people {
		existing, err := tx.Person(incoming.Name)
		var existingPtr *library.Person
		switch {
		case err == nil:
			existingPtr = &existing
		case errors.Is(err, library.ErrNotFound):
		default:
			return Report{}, err
		}
		outcome := resolvePerson(existingPtr, incoming)
		report.People[incoming.Name] = outcome
		if outcome == OutcomeInserted || outcome == OutcomeReplaced {
			if err := tx.PutPerson(incoming); err != nil {
				return Report{}, err
			}
		}
	}
	return report, nil
}

func resolveEntity(existing *library.Entity, incoming library.Entity) Outcome {
	switch {
	case existing == nil:
		return OutcomeInserted
	case incoming.LastModified < existing.LastModified:
		return OutcomeKept
	case sameEntity(*existing, incoming):
		return OutcomeUnchanged
	default:
		return OutcomeReplaced
	}
}

func resolvePerson(existing *library.Person, incoming library.Person) Outcome {
	switch {
	case existing == nil:
		return OutcomeInserted
	case incoming.LastModified < existing.LastModified:
		return OutcomeKept
	case *existing == incoming:
		return OutcomeUnchanged
	default:
		return OutcomeReplaced
	}
}

// carryMetadata keeps locally known catalog metadata when the server answer carries none.
func carryMetadata(local, incoming library.Metadata) library.Metadata {
	if incoming.Title != "" || local.Title == "" {
		return incoming
	}
	return local
}

// sameEntity compares the stored forms so nil and empty collections and payload spacing do not count
// as differences.
func sameEntity(left, right library.Entity) bool {
	leftJSON, leftErr := json.Marshal(left)
	rightJSON, rightErr := json.Marshal(right)
	if leftErr != nil || rightErr != nil {
		return false
	}
	return bytes.Equal(leftJSON, rightJSON)
}
