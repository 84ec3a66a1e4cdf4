// Package pipeline applies an ordered composition of operators to the
// decoded event stream: filter, transform, then count-or-time batching.
// Stages are connected by bounded channels, so a slow sink suspends the
// pipeline instead of growing buffers without bound.
package pipeline

import (
	"context"

	"tickstream/internal/metrics"
	"tickstream/internal/models"
)

// FilterFunc inspects an event and reports whether to drop it, with a
// reason label for the drop counter. Filters must be side-effect free.
type FilterFunc func(ev *models.Event) (drop bool, reason string)

// TransformFunc is a pure per-event transformation. It must not block.
type TransformFunc func(ev models.Event) models.Event

// MarketAllowlist drops events for markets outside the configured set.
func MarketAllowlist(markets []string) FilterFunc {
	allowed := make(map[string]struct{}, len(markets))
	for _, m := range markets {
		allowed[m] = struct{}{}
	}
	return func(ev *models.Event) (bool, string) {
		if _, ok := allowed[ev.Market]; !ok {
			return true, "unknown_market"
		}
		return false, ""
	}
}

// Stage runs the filter and transform operators over an event stream,
// preserving order. It forwards until in closes or ctx is cancelled, then
// closes out.
type Stage struct {
	Exchange   string
	Filters    []FilterFunc
	Transforms []TransformFunc
}

// Run pumps events from in to out. Dropped events are counted, never
// silently discarded.
func (s *Stage) Run(ctx context.Context, in <-chan models.Event, out chan<- models.Event) {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}

			dropped := false
			for _, filter := range s.Filters {
				if drop, reason := filter(&ev); drop {
					metrics.EventsFiltered.WithLabelValues(s.Exchange, reason).Inc()
					dropped = true
					break
				}
			}
			if dropped {
				continue
			}

			for _, transform := range s.Transforms {
				ev = transform(ev)
			}

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}
