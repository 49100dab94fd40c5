package library

import (
	"errors"
	"reflect"
	"testing"
)

func TestWithVoteReplacesExistingVoteFromSamePerson(t *testing.T) {
	entity := Entity{
		CatalogID:    mustCatalogID(t, "tt001"),
		Status:       StatusToWatch,
		LastModified: 100,
		Votes: []Vote{
			{CatalogID: "tt001", Person: "Alex", VoteType: VoteUp, DateRecommended: 10},
		},
	}

	next, err := WithVote(entity, Vote{Person: "Alex", VoteType: VoteDown})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	next, err = WithVote(next, Vote{Person: "Alex", VoteType: VoteUp})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(next.Votes) != 1 {
		t.Fatalf("expected a single vote from Alex, got %d", len(next.Votes))
	}
	if next.Votes[0].VoteType != VoteUp {
		t.Fatalf("expected latest vote type to win, got %s", next.Votes[0].VoteType)
	}
	if next.Votes[0].DateRecommended != 10 {
		t.Fatalf("expected original recommendation date to be kept, got %d", next.Votes[0].DateRecommended)
	}
	if next.LastModified != 102 {
		t.Fatalf("expected two local ticks, got %d", next.LastModified)
	}
	if len(entity.Votes) != 1 || entity.Votes[0].VoteType != VoteUp {
		t.Fatalf("input entity must not be mutated")
	}
}

func TestVoteEditsRejectedOutsideToWatch(t *testing.T) {
	for _, status := range []Status{StatusWatched, StatusDeleted, StatusCustom} {
		t.Run(string(status), func(t *testing.T) {
			entity := Entity{CatalogID: "tt002", Status: status, Votes: []Vote{{Person: "Sam"}}}
			if _, err := WithVote(entity, Vote{Person: "Alex", VoteType: VoteUp}); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if _, err := WithoutVote(entity, "Sam"); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestWithoutVoteRequiresExistingVote(t *testing.T) {
	entity := Entity{CatalogID: "tt003", Status: StatusToWatch}
	if _, err := WithoutVote(entity, "Alex"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestApplyUpdateDerivesWatchedDate(t *testing.T) {
	watched := StatusWatched
	toWatch := StatusToWatch
	deleted := StatusDeleted
	earlier := Timestamp(500)

	tests := []struct {
		name          string
		start         Entity
		update        EntityUpdate
		wantWatchedAt *Timestamp
	}{
		{
			name:          "watched-stamps-when-missing",
			start:         Entity{Status: StatusToWatch},
			update:        EntityUpdate{Status: &watched},
			wantWatchedAt: timestampPointer(9000),
		},
		{
			name:          "watched-keeps-existing",
			start:         Entity{Status: StatusWatched, WatchedAt: &earlier},
			update:        EntityUpdate{Status: &watched},
			wantWatchedAt: timestampPointer(500),
		},
		{
			name:          "to-watch-clears",
			start:         Entity{Status: StatusWatched, WatchedAt: &earlier},
			update:        EntityUpdate{Status: &toWatch},
			wantWatchedAt: nil,
		},
		{
			name:          "deleted-leaves-untouched",
			start:         Entity{Status: StatusWatched, WatchedAt: &earlier},
			update:        EntityUpdate{Status: &deleted},
			wantWatchedAt: timestampPointer(500),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := ApplyUpdate(tt.start, tt.update, 9000)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(next.WatchedAt, tt.wantWatchedAt) {
				t.Fatalf("watched at mismatch: want %v got %v", tt.wantWatchedAt, next.WatchedAt)
			}
		})
	}
}

func TestApplyUpdateValidatesRating(t *testing.T) {
	bad := 11.5
	if _, err := ApplyUpdate(Entity{Status: StatusWatched}, EntityUpdate{Rating: &bad}, 1); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := ApplyUpdate(Entity{}, EntityUpdate{}, 1); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected empty update to be rejected, got %v", err)
	}
}

func TestRenameVotes(t *testing.T) {
	entity := Entity{CatalogID: "tt004", Status: StatusWatched, Votes: []Vote{{Person: "Alex"}, {Person: "Sam", DateRecommended: 1}}}
	next, changed := RenameVotes(entity, "Alex", "Alexandra")
	if !changed {
		t.Fatalf("expected rename to change entity")
	}
	if _, ok := next.VoteBy("Alexandra"); !ok {
		t.Fatalf("expected renamed vote")
	}
	if _, ok := next.VoteBy("Alex"); ok {
		t.Fatalf("old name should be gone")
	}
	if _, changed := RenameVotes(entity, "Nobody", "X"); changed {
		t.Fatalf("expected no change for unknown person")
	}
}

func TestParseHelpers(t *testing.T) {
	if _, err := ParseStatus("questionable"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected invalid status, got %v", err)
	}
	if voteType, err := ParseVoteType(""); err != nil || voteType != VoteUp {
		t.Fatalf("expected default upvote, got %v %v", voteType, err)
	}
	if mediaType, err := ParseMediaType("series"); err != nil || mediaType != MediaTV {
		t.Fatalf("expected tv media type, got %v %v", mediaType, err)
	}
	if TimestampFromSeconds(1700000000.1234) != 1700000000123 {
		t.Fatalf("unexpected seconds conversion")
	}
}

func mustCatalogID(t *testing.T, value string) CatalogID {
	t.Helper()
	id, err := NewCatalogID(value)
	if err != nil {
		t.Fatalf("unexpected catalog id error: %v", err)
	}
	return id
}

func timestampPointer(value Timestamp) *Timestamp {
	return &value
}
