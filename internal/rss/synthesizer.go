package rss

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tweetfeed/internal/models"
)

// Store is the slice of the item store the synthesizer needs.
type Store interface {
	UnprocessedItems(ctx context.Context, limit int) ([]models.RawItem, error)
	MarkItemsProcessed(ctx context.Context, ids []int64) error
	UpsertAuthor(ctx context.Context, author models.Author) error
	ListAuthors(ctx context.Context) ([]models.Author, error)
	ProcessedItemsByAuthor(ctx context.Context, authorID string, limit int) ([]models.RawItem, error)
}

type Synthesizer struct {
	store        Store
	docs         *Documents
	renderer     *Renderer
	batchSize    int
	retentionCap int
	log          *slog.Logger

	now func() time.Time
}

func NewSynthesizer(
	store Store,
	docs *Documents,
	renderer *Renderer,
	batchSize int,
	retentionCap int,
	log *slog.Logger,
) *Synthesizer {
	return &Synthesizer{
		store:        store,
		docs:         docs,
		renderer:     renderer,
		batchSize:    batchSize,
		retentionCap: retentionCap,
		log:          log,
		now:          time.Now,
	}
}

// RunOnce drains one batch of unprocessed items into feed documents. Items
// are marked processed only after their author's document write is durable;
// a failing author leaves its items unprocessed for the next cycle and never
// blocks the other authors in the batch.
func (s *Synthesizer) RunOnce(ctx context.Context) error {
	items, err := s.store.UnprocessedItems(ctx, s.batchSize)
	if err != nil {
		return fmt.Errorf("fetch unprocessed items: %w", err)
	}

	if len(items) == 0 {
		return nil
	}

	var order []string
	groups := make(map[string][]models.RawItem)
	for _, item := range items {
		if _, ok := groups[item.AuthorID]; !ok {
			order = append(order, item.AuthorID)
		}

		groups[item.AuthorID] = append(groups[item.AuthorID], item)
	}

	var processed []int64
	var failedAuthors int
	for _, authorID := range order {
		ids, synthErr := s.synthesizeAuthor(ctx, authorID, groups[authorID])
		if synthErr != nil {
			// Scoped to this author; its items stay unprocessed for retry.
			s.log.ErrorContext(ctx, "Failed to synthesize author feed",
				"error", synthErr,
				"authorID", authorID,
				"itemCount", len(groups[authorID]))
			failedAuthors++

			continue
		}

		processed = append(processed, ids...)
	}

	if len(processed) > 0 {
		// Feed writes survived even if marking fails; redelivery next cycle
		// is a safe overwrite.
		if err = s.store.MarkItemsProcessed(ctx, processed); err != nil {
			return fmt.Errorf("mark items processed: %w", err)
		}
	}

	s.log.InfoContext(ctx, "Synthesis cycle is finished",
		"batch", len(items),
		"authors", len(order),
		"processed", len(processed),
		"failedAuthors", failedAuthors)

	return nil
}

// synthesizeAuthor merges one author's new items into its feed document and
// returns the ids that may now be marked processed.
func (s *Synthesizer) synthesizeAuthor(
	ctx context.Context,
	authorID string,
	items []models.RawItem,
) ([]int64, error) {
	ids := make([]int64, 0, len(items))
	var entries []Entry

	for _, item := range items {
		entry, ok, err := s.renderer.Render(item)
		if err != nil {
			// An unrenderable payload would otherwise wedge the batch window
			// forever. Quarantine it: log loudly, mark processed, no entry.
			s.log.ErrorContext(ctx, "Quarantining unrenderable item",
				"error", err,
				"itemID", item.ID,
				"authorID", item.AuthorID)
			ids = append(ids, item.ID)

			continue
		}

		ids = append(ids, item.ID)
		if !ok {
			continue
		}

		entries = append(entries, entry)
	}

	if len(entries) == 0 {
		return ids, nil
	}

	username := entries[0].Username

	existing, err := s.docs.Load(username)
	if err != nil {
		// A corrupt document is rebuilt from the store; nothing is lost
		// because processed items are never deleted.
		s.log.WarnContext(ctx, "Rebuilding feed document from store",
			"error", err,
			"username", username,
			"authorID", authorID)

		existing = s.entriesFromStore(ctx, authorID)
	}

	merged := Merge(existing, entries, s.retentionCap)

	if err = s.docs.Write(username, merged); err != nil {
		return nil, fmt.Errorf("write feed document: %w", err)
	}

	newest := entries[len(entries)-1]
	if err = s.store.UpsertAuthor(ctx, models.Author{
		ID:            authorID,
		Username:      username,
		DisplayName:   newest.DisplayName,
		SynthesizedAt: s.now().UTC(),
	}); err != nil {
		// Advisory registry only; the feed write already succeeded.
		s.log.ErrorContext(ctx, "Failed to upsert author",
			"error", err,
			"authorID", authorID,
			"username", username)
	}

	return ids, nil
}

// RebuildAll regenerates every known author's feed document from the store.
// Used to recover a wiped or relocated output directory.
func (s *Synthesizer) RebuildAll(ctx context.Context) error {
	authors, err := s.store.ListAuthors(ctx)
	if err != nil {
		return fmt.Errorf("list authors: %w", err)
	}

	var errs []error
	for _, author := range authors {
		entries := s.entriesFromStore(ctx, author.ID)
		if len(entries) == 0 {
			continue
		}

		if err = s.docs.Write(entries[0].Username, Merge(nil, entries, s.retentionCap)); err != nil {
			errs = append(errs, fmt.Errorf("rebuild feed of %s: %w", author.Username, err))
		}
	}

	s.log.InfoContext(ctx, "Feed documents are rebuilt",
		"authors", len(authors),
		"failures", len(errs))

	return errors.Join(errs...)
}

func (s *Synthesizer) entriesFromStore(ctx context.Context, authorID string) []Entry {
	items, err := s.store.ProcessedItemsByAuthor(ctx, authorID, s.retentionCap)
	if err != nil {
		s.log.ErrorContext(ctx, "Failed to read processed items",
			"error", err,
			"authorID", authorID)

		return nil
	}

	var entries []Entry
	for _, item := range items {
		entry, ok, renderErr := s.renderer.Render(item)
		if renderErr != nil || !ok {
			continue
		}

		entries = append(entries, entry)
	}

	return entries
}
