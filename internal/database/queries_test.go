package database

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"tweetfeed/internal/models"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := New(context.Background(), filepath.Join(t.TempDir(), "test.sqlite"), log)
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("failed to close database: %v", err)
		}
	})

	return db
}

func testItem(id int64, authorID string) models.RawItem {
	return models.RawItem{
		ID:        id,
		AuthorID:  authorID,
		Payload:   []byte(`{"id":"` + authorID + `"}`),
		FetchedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestInsertItemIfAbsentDeduplicates(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	inserted, err := db.InsertItemIfAbsent(ctx, testItem(1, "a1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !inserted {
		t.Fatalf("expected first insert to report inserted")
	}

	inserted, err = db.InsertItemIfAbsent(ctx, testItem(1, "a1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inserted {
		t.Fatalf("expected duplicate insert to report not inserted")
	}

	items, err := db.UnprocessedItems(ctx, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected exactly one stored row, got %d", len(items))
	}
}

func TestInsertItemIfAbsentRejectsIncompleteRows(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	if _, err := db.InsertItemIfAbsent(ctx, testItem(0, "a1")); err == nil {
		t.Fatalf("expected an error for zero id")
	}

	if _, err := db.InsertItemIfAbsent(ctx, testItem(1, " ")); err == nil {
		t.Fatalf("expected an error for empty author id")
	}
}

func TestUnprocessedItemsOrderAndLimit(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	for _, id := range []int64{30, 10, 20} {
		if _, err := db.InsertItemIfAbsent(ctx, testItem(id, "a1")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	items, err := db.UnprocessedItems(ctx, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(items) != 2 || items[0].ID != 10 || items[1].ID != 20 {
		t.Fatalf("expected ascending ids [10 20], got %+v", items)
	}

	// The view is restartable: a second call before marking overlaps.
	again, err := db.UnprocessedItems(ctx, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(again) != 2 || again[0].ID != 10 {
		t.Fatalf("expected overlapping view, got %+v", again)
	}
}

func TestMarkItemsProcessedIsIdempotent(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	for id := int64(1); id <= 3; id++ {
		if _, err := db.InsertItemIfAbsent(ctx, testItem(id, "a1")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if err := db.MarkItemsProcessed(ctx, []int64{1, 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Re-marking already processed ids and unknown ids is a no-op.
	if err := db.MarkItemsProcessed(ctx, []int64{1, 2, 99}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := db.MarkItemsProcessed(ctx, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	items, err := db.UnprocessedItems(ctx, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 1 || items[0].ID != 3 {
		t.Fatalf("expected only item 3 unprocessed, got %+v", items)
	}

	count, err := db.CountUnprocessed(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected unprocessed count 1, got %d", count)
	}
}

func TestMaxItemIDReflectsCommittedRows(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	id, err := db.MaxItemID(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 0 {
		t.Fatalf("expected zero cursor on empty store, got %d", id)
	}

	for _, itemID := range []int64{5, 42, 17} {
		if _, err = db.InsertItemIfAbsent(ctx, testItem(itemID, "a1")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	id, err = db.MaxItemID(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 42 {
		t.Fatalf("expected cursor 42, got %d", id)
	}
}

func TestProcessedItemsByAuthor(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	for _, item := range []models.RawItem{
		testItem(1, "a1"),
		testItem(2, "a2"),
		testItem(3, "a1"),
		testItem(4, "a1"),
	} {
		if _, err := db.InsertItemIfAbsent(ctx, item); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if err := db.MarkItemsProcessed(ctx, []int64{1, 2, 3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	items, err := db.ProcessedItemsByAuthor(ctx, "a1", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Item 4 is unprocessed, item 2 belongs to a2; newest first.
	if len(items) != 2 || items[0].ID != 3 || items[1].ID != 1 {
		t.Fatalf("expected ids [3 1], got %+v", items)
	}

	for _, item := range items {
		if !item.Processed {
			t.Fatalf("expected processed flag on item %d", item.ID)
		}
	}
}

func TestUpsertAuthor(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	now := time.Unix(1700000000, 0).UTC()

	if err := db.UpsertAuthor(ctx, models.Author{
		ID:            "a1",
		Username:      "alice",
		DisplayName:   "Alice",
		SynthesizedAt: now,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := db.UpsertAuthor(ctx, models.Author{
		ID:            "a1",
		Username:      "alice",
		DisplayName:   "Alice Renamed",
		SynthesizedAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	authors, err := db.ListAuthors(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(authors) != 1 {
		t.Fatalf("expected one author, got %d", len(authors))
	}

	if authors[0].DisplayName != "Alice Renamed" {
		t.Fatalf("expected upsert to replace display name, got %q", authors[0].DisplayName)
	}

	if !authors[0].SynthesizedAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("expected upsert to replace synthesized time, got %s", authors[0].SynthesizedAt)
	}

	if err = db.UpsertAuthor(ctx, models.Author{ID: " "}); err == nil {
		t.Fatalf("expected an error for empty author id")
	}
}
