package library

// WriteState is the outcome class of a write operation.
type WriteState int

const (
	// WriteApplied means the server confirmed the write and the cache holds its answer.
	WriteApplied WriteState = iota
	// WriteQueued means the write is recorded locally and will be replayed when connectivity returns.
	WriteQueued
	// WriteFailed means the write was rejected and any optimistic change was undone.
	WriteFailed
)

// String returns a human readable state name.
func (s WriteState) String() string {
	switch s {
	case WriteApplied:
		return "applied"
	case WriteQueued:
		return "queued"
	case WriteFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// WriteResult is returned by every repository write.
type WriteResult struct {
	State      WriteState
	Entity     *Entity
	Person     *Person
	MutationID string
}

// Applied builds a confirmed result.
func Applied(entity *Entity, person *Person) WriteResult {
	return WriteResult{State: WriteApplied, Entity: entity, Person: person}
}

// Queued builds a deferred result for the given pending mutation.
func Queued(mutationID string, entity *Entity, person *Person) WriteResult {
	return WriteResult{State: WriteQueued, MutationID: mutationID, Entity: entity, Person: person}
}

// Failed builds a rejected result.
func Failed() WriteResult {
	return WriteResult{State: WriteFailed}
}
