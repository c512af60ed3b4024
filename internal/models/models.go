package models

import "time"

// RawItem is one ingested post, stored verbatim. The payload is the upstream
// JSON document and is only interpreted at the synthesis boundary.
type RawItem struct {
	ID        int64
	AuthorID  string
	Payload   []byte
	FetchedAt time.Time
	Processed bool
}

// Author is a followed user whose feed document has been written at least once.
type Author struct {
	ID            string
	Username      string
	DisplayName   string
	SynthesizedAt time.Time
}
