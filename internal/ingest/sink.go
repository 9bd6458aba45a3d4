package ingest

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/sentinelops/perfcore/internal/events"
)

// Sink receives flushed batches.
type Sink interface {
	WriteBatch(ctx context.Context, items []interface{}) error
}

// Fanout writes every batch to each sink in order. All sinks are called even
// when one fails; the failures are joined.
type Fanout []Sink

func (f Fanout) WriteBatch(ctx context.Context, items []interface{}) error {
	var errs []error
	for i, s := range f {
		if err := s.WriteBatch(ctx, items); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return stderrors.Join(errs...)
}

// toEvents extracts the events from a batch. Anything that is not an
// events.Event is returned as skipped.
func toEvents(items []interface{}) (evs []events.Event, skipped int) {
	evs = make([]events.Event, 0, len(items))
	for _, item := range items {
		switch ev := item.(type) {
		case events.Event:
			evs = append(evs, ev)
		case *events.Event:
			if ev != nil {
				evs = append(evs, *ev)
				continue
			}
			skipped++
		default:
			skipped++
		}
	}
	return evs, skipped
}
