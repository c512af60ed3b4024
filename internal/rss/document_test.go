package rss

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestDocuments(t *testing.T) (*Documents, string) {
	t.Helper()

	dir := t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	docs, err := NewDocuments(dir, "https://feeds.example.com/", log)
	if err != nil {
		t.Fatalf("failed to create documents: %v", err)
	}

	return docs, dir
}

func testEntry(id int64, username string, published time.Time) Entry {
	return Entry{
		ItemID:       id,
		Username:     username,
		DisplayName:  "Alice",
		ProfileImage: "https://img.example.com/alice.jpg",
		Title:        fmt.Sprintf("Alice posted %d", id),
		Link:         Entry{ItemID: id, Username: username}.GUID(),
		Published:    published,
		Content:      "<p>post body</p>",
	}
}

func TestMergeDeduplicatesNewestFirst(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	existing := []Entry{
		{ItemID: 3, Username: "alice", Title: "old three", Published: at},
		{ItemID: 1, Username: "alice", Title: "one", Published: at.Add(-2 * time.Hour)},
	}
	incoming := []Entry{
		{ItemID: 2, Username: "alice", Title: "two", Published: at.Add(-time.Hour)},
		{ItemID: 3, Username: "alice", Title: "new three", Published: at},
	}

	merged := Merge(existing, incoming, 10)

	if len(merged) != 3 {
		t.Fatalf("expected 3 merged entries, got %d", len(merged))
	}

	for i, want := range []int64{3, 2, 1} {
		if merged[i].ItemID != want {
			t.Fatalf("expected id %d at position %d, got %d", want, i, merged[i].ItemID)
		}
	}

	// Reprocessing is a safe overwrite: the incoming entry wins.
	if merged[0].Title != "new three" {
		t.Fatalf("expected the incoming entry to win, got %q", merged[0].Title)
	}
}

func TestMergeAppliesRetentionCap(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	var incoming []Entry
	for id := int64(1); id <= 7; id++ {
		incoming = append(incoming, Entry{ItemID: id, Username: "alice", Published: at})
	}

	merged := Merge(nil, incoming, 3)

	if len(merged) != 3 {
		t.Fatalf("expected the cap to hold, got %d entries", len(merged))
	}

	// The retained entries are the most recent ones.
	for i, want := range []int64{7, 6, 5} {
		if merged[i].ItemID != want {
			t.Fatalf("expected id %d at position %d, got %d", want, i, merged[i].ItemID)
		}
	}
}

func TestParseGUID(t *testing.T) {
	tests := []struct {
		guid     string
		username string
		id       int64
		ok       bool
	}{
		{"https://twitter.com/alice/status/101", "alice", 101, true},
		{"https://twitter.com/alice/status/101/", "alice", 101, true},
		{"https://twitter.com/alice/101", "", 0, false},
		{"https://twitter.com/alice/status/abc", "", 0, false},
		{"not-a-guid", "", 0, false},
		{"", "", 0, false},
	}

	for _, tt := range tests {
		username, id, ok := parseGUID(tt.guid)
		if ok != tt.ok || username != tt.username || id != tt.id {
			t.Fatalf("parseGUID(%q) = (%q, %d, %v), want (%q, %d, %v)",
				tt.guid, username, id, ok, tt.username, tt.id, tt.ok)
		}
	}
}

func TestWriteLoadRoundtrip(t *testing.T) {
	docs, dir := newTestDocuments(t)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	entries := []Entry{
		testEntry(103, "alice", at),
		testEntry(101, "alice", at.Add(-time.Hour)),
	}

	if err := docs.Write("alice", entries); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "alice.xml")); err != nil {
		t.Fatalf("expected the feed file to exist: %v", err)
	}

	loaded, err := docs.Load("alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(loaded) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(loaded))
	}

	if loaded[0].ItemID != 103 || loaded[1].ItemID != 101 {
		t.Fatalf("expected ids [103 101], got %+v", loaded)
	}

	if loaded[0].Username != "alice" {
		t.Fatalf("expected username recovered from GUID, got %q", loaded[0].Username)
	}

	if !loaded[0].Published.Equal(at) {
		t.Fatalf("expected published time to roundtrip, got %s", loaded[0].Published)
	}

	if !strings.Contains(loaded[0].Content, "post body") {
		t.Fatalf("expected content to roundtrip, got %q", loaded[0].Content)
	}
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	docs, dir := newTestDocuments(t)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if err := docs.Write("alice", []Entry{testEntry(int64(100+i), "alice", at)}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(files) != 1 || files[0].Name() != "alice.xml" {
		var names []string
		for _, f := range files {
			names = append(names, f.Name())
		}
		t.Fatalf("expected only alice.xml, got %v", names)
	}
}

func TestWriteReplacesDocumentWhole(t *testing.T) {
	docs, _ := newTestDocuments(t)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	if err := docs.Write("alice", []Entry{testEntry(101, "alice", at)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := docs.Write("alice", []Entry{testEntry(202, "alice", at.Add(time.Hour))}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	loaded, err := docs.Load("alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(loaded) != 1 || loaded[0].ItemID != 202 {
		t.Fatalf("expected only the replacement entry, got %+v", loaded)
	}
}

func TestLoadMissingDocument(t *testing.T) {
	docs, _ := newTestDocuments(t)

	entries, err := docs.Load("nobody")
	if err != nil {
		t.Fatalf("expected no error for a missing document, got %v", err)
	}

	if entries != nil {
		t.Fatalf("expected no entries, got %+v", entries)
	}
}

func TestLoadCorruptDocument(t *testing.T) {
	docs, dir := newTestDocuments(t)

	if err := os.WriteFile(filepath.Join(dir, "alice.xml"), []byte("not xml at all"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := docs.Load("alice"); err == nil {
		t.Fatalf("expected an error for a corrupt document")
	}
}

func TestWriteSkipsEmptyEntrySet(t *testing.T) {
	docs, dir := newTestDocuments(t)

	if err := docs.Write("alice", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "alice.xml")); !os.IsNotExist(err) {
		t.Fatalf("expected no document for an empty entry set")
	}
}
