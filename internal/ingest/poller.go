// Package ingest polls the upstream timeline and commits new posts to the
// store. The cursor is derived from committed rows, so a crash at any point
// of a cycle is recovered by simply running the next cycle.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"tweetfeed/internal/models"
	"tweetfeed/internal/timeline"
)

// Store is the slice of the item store the poller needs.
type Store interface {
	MaxItemID(ctx context.Context) (int64, error)
	InsertItemIfAbsent(ctx context.Context, item models.RawItem) (bool, error)
}

type Poller struct {
	store       Store
	client      timeline.Client
	baseBackoff time.Duration
	maxBackoff  time.Duration
	log         *slog.Logger

	mu                  sync.Mutex
	consecutiveFailures int
	nextAttempt         time.Time
	stopped             bool

	now func() time.Time
}

func New(
	store Store,
	client timeline.Client,
	baseBackoff time.Duration,
	maxBackoff time.Duration,
	log *slog.Logger,
) *Poller {
	return &Poller{
		store:       store,
		client:      client,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		log:         log,
		now:         time.Now,
	}
}

// Stopped reports whether the poller hit a permanent upstream error. A
// stopped poller never recovers; the synthesizer keeps running regardless.
func (p *Poller) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.stopped
}

// RunOnce executes a single poll cycle: read the cursor, fetch the page
// strictly after it, commit the page's items in ascending id order. The
// cursor is never advanced explicitly; committing a row advances it.
func (p *Poller) RunOnce(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	if p.now().Before(p.nextAttempt) {
		wait := p.nextAttempt.Sub(p.now())
		p.mu.Unlock()
		p.log.InfoContext(ctx, "Skipping poll cycle during backoff",
			"remaining", wait)
		return nil
	}
	p.mu.Unlock()

	cursor, err := p.store.MaxItemID(ctx)
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}

	items, err := p.client.FetchSince(ctx, cursor)
	if err != nil {
		// Upstream failures are handled here, not propagated: transient ones
		// schedule a backoff, permanent ones latch the poller stopped.
		p.handleFetchError(ctx, cursor, err)
		return nil
	}

	// Ascending order keeps the derived cursor behind any uncommitted item
	// if the process dies mid-page.
	slices.SortFunc(items, func(a, b timeline.Item) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})

	var inserted, duplicates int
	fetchedAt := p.now().UTC()
	for _, item := range items {
		ok, insertErr := p.store.InsertItemIfAbsent(ctx, models.RawItem{
			ID:        item.ID,
			AuthorID:  item.AuthorID,
			Payload:   item.Payload,
			FetchedAt: fetchedAt,
		})
		if insertErr != nil {
			// Aborts the cycle; already committed items stay committed and
			// the rest of the page is re-fetched next time.
			return fmt.Errorf("insert item %d: %w", item.ID, insertErr)
		}

		if ok {
			inserted++
		} else {
			duplicates++
		}
	}

	p.resetBackoff()

	p.log.InfoContext(ctx, "Poll cycle is finished",
		"cursor", cursor,
		"fetched", len(items),
		"inserted", inserted,
		"duplicates", duplicates)

	return nil
}

func (p *Poller) handleFetchError(ctx context.Context, cursor int64, err error) {
	var permanent *timeline.PermanentError
	if errors.As(err, &permanent) {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()

		p.log.ErrorContext(ctx, "Poller is stopped on permanent upstream error",
			"error", err,
			"cursor", cursor)

		return
	}

	var delay time.Duration
	var transient *timeline.TransientError
	if errors.As(err, &transient) && transient.RetryAfter > 0 {
		delay = p.applyBackoff(transient.RetryAfter)
	} else {
		delay = p.applyBackoff(0)
	}

	p.log.WarnContext(ctx, "Poll cycle failed on transient upstream error",
		"error", err,
		"cursor", cursor,
		"nextAttemptIn", delay)
}

// applyBackoff doubles the delay per consecutive failure, starting at the
// base and capped at the maximum. An upstream-supplied retry-after wins when
// it is longer.
func (p *Poller) applyBackoff(retryAfter time.Duration) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	delay := p.baseBackoff
	for i := 0; i < p.consecutiveFailures; i++ {
		delay *= 2
		if delay >= p.maxBackoff {
			delay = p.maxBackoff
			break
		}
	}

	if retryAfter > delay {
		delay = retryAfter
	}

	p.consecutiveFailures++
	p.nextAttempt = p.now().Add(delay)

	return delay
}

func (p *Poller) resetBackoff() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.consecutiveFailures = 0
	p.nextAttempt = time.Time{}
}
