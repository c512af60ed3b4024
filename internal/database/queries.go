package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tweetfeed/internal/models"
)

// InsertItemIfAbsent stores the item unless a row with the same id already
// exists. The existence check is what makes ingestion idempotent under
// overlapping pages and restart replays.
func (d *Database) InsertItemIfAbsent(ctx context.Context, item models.RawItem) (bool, error) {
	if item.ID == 0 {
		return false, errors.New("item ID is zero")
	}

	authorID := strings.TrimSpace(item.AuthorID)
	if authorID == "" {
		return false, errors.New("item author ID is empty")
	}

	query := "insert or ignore into items (id, author_id, payload, fetched_at, processed) values (?, ?, ?, ?, 0)"

	res, err := d.db.ExecContext(ctx, query, item.ID, authorID, string(item.Payload), item.FetchedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to execute query: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return affected > 0, nil
}

// UnprocessedItems returns up to limit unprocessed items in ascending id
// order. Repeated calls before MarkItemsProcessed return overlapping results.
func (d *Database) UnprocessedItems(ctx context.Context, limit int) ([]models.RawItem, error) {
	query := "select id, author_id, payload, fetched_at from items where processed = 0 order by id limit ?"

	rows, err := d.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer func() {
		if err = rows.Close(); err != nil {
			d.log.ErrorContext(ctx, "Failed to close rows",
				"error", err,
				"limit", limit,
				"operation", "UnprocessedItems")
		}
	}()

	var items []models.RawItem
	for rows.Next() {
		var (
			item      models.RawItem
			payload   string
			fetchedAt int64
		)
		if err = rows.Scan(&item.ID, &item.AuthorID, &payload, &fetchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		item.Payload = []byte(payload)
		item.FetchedAt = time.Unix(fetchedAt, 0).UTC()

		items = append(items, item)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}

	return items, nil
}

// MarkItemsProcessed flips the processed flag for the given ids. Ids that are
// already processed or unknown are silently skipped.
func (d *Database) MarkItemsProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	query := fmt.Sprintf("update items set processed = 1 where id in (%s)", placeholders)

	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}

	_, err := d.db.ExecContext(ctx, query, args...)

	return err
}

// MaxItemID is the ingestion high-water mark. It is derived from committed
// rows only, so it can never run ahead of durable state. Returns 0 for an
// empty store.
func (d *Database) MaxItemID(ctx context.Context) (int64, error) {
	query := "select coalesce(max(id), 0) from items"

	var id int64
	if err := d.db.QueryRowContext(ctx, query).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to scan row: %w", err)
	}

	return id, nil
}

func (d *Database) CountUnprocessed(ctx context.Context) (int64, error) {
	query := "select count(*) from items where processed = 0"

	var count int64
	if err := d.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to scan row: %w", err)
	}

	return count, nil
}

// ProcessedItemsByAuthor returns up to limit processed items of one author,
// newest first. Used to rebuild a feed document from the store.
func (d *Database) ProcessedItemsByAuthor(
	ctx context.Context,
	authorID string,
	limit int,
) ([]models.RawItem, error) {
	query := `select id, author_id, payload, fetched_at
	from items
	where processed = 1 and author_id = ?
	order by id desc
	limit ?`

	rows, err := d.db.QueryContext(ctx, query, authorID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer func() {
		if err = rows.Close(); err != nil {
			d.log.ErrorContext(ctx, "Failed to close rows",
				"error", err,
				"authorID", authorID,
				"operation", "ProcessedItemsByAuthor")
		}
	}()

	var items []models.RawItem
	for rows.Next() {
		var (
			item      models.RawItem
			payload   string
			fetchedAt int64
		)
		if err = rows.Scan(&item.ID, &item.AuthorID, &payload, &fetchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		item.Payload = []byte(payload)
		item.FetchedAt = time.Unix(fetchedAt, 0).UTC()
		item.Processed = true

		items = append(items, item)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}

	return items, nil
}

func (d *Database) UpsertAuthor(ctx context.Context, author models.Author) error {
	id := strings.TrimSpace(author.ID)
	if id == "" {
		return errors.New("author ID is empty")
	}

	username := strings.TrimSpace(author.Username)
	if username == "" {
		username = id
	}

	displayName := strings.TrimSpace(author.DisplayName)
	if displayName == "" {
		displayName = username
	}

	query := `insert into authors (id, username, display_name, synthesized_at)
	values (?, ?, ?, ?)
	on conflict (id) do update
	set username = excluded.username,
	    display_name = excluded.display_name,
	    synthesized_at = excluded.synthesized_at`

	_, err := d.db.ExecContext(ctx, query, id, username, displayName, author.SynthesizedAt.Unix())

	return err
}

func (d *Database) ListAuthors(ctx context.Context) ([]models.Author, error) {
	query := "select id, username, display_name, synthesized_at from authors order by username"

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer func() {
		if err = rows.Close(); err != nil {
			d.log.ErrorContext(ctx, "Failed to close rows",
				"error", err,
				"operation", "ListAuthors")
		}
	}()

	var authors []models.Author
	for rows.Next() {
		var (
			author        models.Author
			synthesizedAt int64
		)
		if err = rows.Scan(&author.ID, &author.Username, &author.DisplayName, &synthesizedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		author.SynthesizedAt = time.Unix(synthesizedAt, 0).UTC()

		authors = append(authors, author)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}

	return authors, nil
}
