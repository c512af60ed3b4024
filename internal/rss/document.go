package rss

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/feeds"
	"github.com/mmcdole/gofeed"
)

// Documents reads and writes the per-author feed files. A feed file is only
// ever replaced whole via rename, so a concurrent reader observes either the
// previous document or the new one, never a partial write.
type Documents struct {
	dir     string
	baseURL string
	parser  *gofeed.Parser
	log     *slog.Logger
}

func NewDocuments(dir string, baseURL string, log *slog.Logger) (*Documents, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create feed directory: %w", err)
	}

	return &Documents{
		dir:     dir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		parser:  gofeed.NewParser(),
		log:     log,
	}, nil
}

func feedFileName(username string) string {
	return strings.ToLower(username) + ".xml"
}

func (d *Documents) path(username string) string {
	return filepath.Join(d.dir, feedFileName(username))
}

func (d *Documents) feedURL(username string) string {
	return d.baseURL + "/" + feedFileName(username)
}

// Load returns the entries of the author's existing feed document, newest
// first, or nil when no document exists yet.
func (d *Documents) Load(username string) ([]Entry, error) {
	f, err := os.Open(d.path(username))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("open feed document: %w", err)
	}
	defer func() {
		if err = f.Close(); err != nil {
			d.log.Error("Failed to close feed document",
				"error", err,
				"username", username)
		}
	}()

	parsed, err := d.parser.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse feed document: %w", err)
	}

	var entries []Entry
	for _, item := range parsed.Items {
		if item == nil {
			continue
		}

		entryUsername, itemID, ok := parseGUID(item.GUID)
		if !ok {
			d.log.Warn("Dropping feed entry with unrecognized GUID",
				"guid", item.GUID,
				"username", username)
			continue
		}

		entry := Entry{
			ItemID:   itemID,
			Username: entryUsername,
			Title:    item.Title,
			Link:     item.Link,
			Content:  item.Content,
		}

		if entry.Content == "" {
			entry.Content = item.Description
		}

		if item.Author != nil {
			entry.DisplayName = item.Author.Name
		}

		if item.PublishedParsed != nil {
			entry.Published = item.PublishedParsed.UTC()
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

// parseGUID recovers the username and item id from an entry GUID of the form
// https://twitter.com/{username}/status/{id}.
func parseGUID(guid string) (string, int64, bool) {
	parts := strings.Split(strings.TrimSuffix(guid, "/"), "/")
	if len(parts) < 3 || parts[len(parts)-2] != "status" {
		return "", 0, false
	}

	id, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil || id <= 0 {
		return "", 0, false
	}

	username := parts[len(parts)-3]
	if username == "" {
		return "", 0, false
	}

	return username, id, true
}

// Merge combines existing and incoming entries, newest first, deduplicated
// by source item id with the incoming entry winning, truncated to limit.
func Merge(existing []Entry, incoming []Entry, limit int) []Entry {
	seen := make(map[int64]struct{}, len(existing)+len(incoming))
	merged := make([]Entry, 0, len(existing)+len(incoming))

	for _, entry := range incoming {
		if _, ok := seen[entry.ItemID]; ok {
			continue
		}

		seen[entry.ItemID] = struct{}{}
		merged = append(merged, entry)
	}

	for _, entry := range existing {
		if _, ok := seen[entry.ItemID]; ok {
			continue
		}

		seen[entry.ItemID] = struct{}{}
		merged = append(merged, entry)
	}

	// Item ids are assigned monotonically by the source, so descending id
	// order is descending recency order.
	slices.SortFunc(merged, func(a, b Entry) int {
		switch {
		case a.ItemID > b.ItemID:
			return -1
		case a.ItemID < b.ItemID:
			return 1
		default:
			return 0
		}
	})

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}

	return merged
}

// Write renders the entries into an RSS document and swaps it into place
// atomically.
func (d *Documents) Write(username string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	displayName := username
	profileImage := fallbackProfileImage
	for _, entry := range entries {
		if entry.DisplayName != "" {
			displayName = entry.DisplayName
			break
		}
	}
	for _, entry := range entries {
		if entry.ProfileImage != "" {
			profileImage = entry.ProfileImage
			break
		}
	}

	var updated time.Time
	for _, entry := range entries {
		if entry.Published.After(updated) {
			updated = entry.Published
		}
	}

	feed := &feeds.Feed{
		Title:       "@" + username,
		Link:        &feeds.Link{Href: d.feedURL(username)},
		Description: fmt.Sprintf("Posts of @%s", username),
		Author:      &feeds.Author{Name: displayName},
		Updated:     updated,
		Image: &feeds.Image{
			Url:   profileImage,
			Title: "@" + username,
			Link:  fmt.Sprintf(profileURLFormat, strings.ToLower(username)),
		},
	}

	for _, entry := range entries {
		feed.Items = append(feed.Items, &feeds.Item{
			Id:      entry.GUID(),
			Title:   entry.Title,
			Link:    &feeds.Link{Href: entry.Link},
			Author:  &feeds.Author{Name: entry.DisplayName},
			Created: entry.Published,
			Content: entry.Content,
		})
	}

	rendered, err := feed.ToRss()
	if err != nil {
		return fmt.Errorf("render feed: %w", err)
	}

	return d.writeAtomic(d.path(username), []byte(rendered))
}

func (d *Documents) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(d.dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}

	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("swap feed document: %w", err)
	}

	return nil
}
