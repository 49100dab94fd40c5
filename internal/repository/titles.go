package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/events"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QueueTitleOffline records a title known only by name. It never touches the network.
func (r *Repository) QueueTitleOffline(ctx context.Context, title string, recommender library.PersonName) (string, error) {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return "", fmt.Errorf("%w: title is required", library.ErrValidation)
	}
	person, err := library.NewPersonName(recommender.String())
	if err != nil {
		return "", invalid(err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("repository: pending title id: %w", err)
	}
	pending := library.PendingTitle{
		ID:              id.String(),
		Title:           trimmed,
		Person:          person,
		CreatedAt:       r.now(),
		NeedsResolution: true,
	}
	if err := r.store.Update(ctx, func(tx *store.Tx) error { return tx.InsertPendingTitle(pending) }); err != nil {
		return "", err
	}
	r.publish(events.Event{Kind: events.KindTitlesChanged})
	return pending.ID, nil
}

// ListPendingTitles returns unresolved titles in creation order.
func (r *Repository) ListPendingTitles(ctx context.Context) ([]library.PendingTitle, error) {
	return r.store.PendingTitles(ctx)
}

// DiscardPendingTitle drops an unresolved title.
func (r *Repository) DiscardPendingTitle(ctx context.Context, id string) error {
	if err := r.store.Update(ctx, func(tx *store.Tx) error { return tx.DeletePendingTitle(id) }); err != nil {
		return err
	}
	r.publish(events.Event{Kind: events.KindTitlesChanged})
	return nil
}

// ResolvePendingTitle adds the chosen catalog entry on behalf of the title's recommender. The pending
// record goes away once the add is applied or queued.
func (r *Repository) ResolvePendingTitle(ctx context.Context, id string, catalogID library.CatalogID, mediaType library.MediaType) (library.WriteResult, error) {
	pending, err := r.store.PendingTitle(ctx, id)
	if err != nil {
		return library.Failed(), err
	}
	result, err := r.AddEntity(ctx, catalogID, pending.Person, mediaType)
	if err != nil {
		return result, err
	}
	if err := r.DiscardPendingTitle(context.WithoutCancel(ctx), id); err != nil {
		return result, err
	}
	return result, nil
}

// AutoResolvePendingTitles searches the catalog for each pending title and resolves those with
// exactly one exact title match. It stops at the first connectivity failure.
func (r *Repository) AutoResolvePendingTitles(ctx context.Context) (int, error) {
	pending, err := r.store.PendingTitles(ctx)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, title := range pending {
		matches, err := r.catalog.SearchCatalog(ctx, title.Title)
		if err != nil {
			if library.IsConnectivity(err) {
				return resolved, err
			}
			r.logger.Warn("catalog search failed", zap.String("title", title.Title), zap.Error(err))
			continue
		}
		exact := make([]int, 0, 1)
		for index, match := range matches {
			if strings.EqualFold(strings.TrimSpace(match.Title), title.Title) {
				exact = append(exact, index)
			}
		}
		if len(exact) != 1 {
			r.logger.Debug("pending title left for manual resolution",
				zap.String("title", title.Title),
				zap.Int("matches", len(exact)),
			)
			continue
		}
		match := matches[exact[0]]
		if _, err := r.ResolvePendingTitle(ctx, title.ID, match.CatalogID, match.MediaType); err != nil {
			if library.IsConnectivity(err) {
				return resolved, err
			}
			r.logger.Warn("pending title resolution failed", zap.String("title", title.Title), zap.Error(err))
			continue
		}
		resolved++
	}
	return resolved, nil
}
