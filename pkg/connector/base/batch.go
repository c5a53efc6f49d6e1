package base

import (
	"github.com/nexflow/streambridge/pkg/connector/core"
)

// SplitBatches partitions events into physical batches of at most limit
// events, preserving key affinity: events sharing a partition/ordering key
// stay in key order and are kept together where they fit. Groups larger
// than the physical limit split into consecutive limit-sized batches. No
// event is duplicated or dropped.
func SplitBatches(events []*core.StreamEvent, limit int) [][]*core.StreamEvent {
	if len(events) == 0 {
		return nil
	}
	if limit <= 0 || len(events) <= limit {
		return [][]*core.StreamEvent{events}
	}

	var batches [][]*core.StreamEvent
	current := make([]*core.StreamEvent, 0, limit)

	for _, group := range GroupByKey(events) {
		// Oversized groups flush the open batch and split on their own.
		if len(group) > limit {
			if len(current) > 0 {
				batches = append(batches, current)
				current = make([]*core.StreamEvent, 0, limit)
			}
			batches = append(batches, Chunk(group, limit)...)
			continue
		}

		if len(current)+len(group) > limit {
			batches = append(batches, current)
			current = make([]*core.StreamEvent, 0, limit)
		}
		current = append(current, group...)
	}

	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// GroupByKey gathers events by partition key, preserving the relative
// order of events within each key and the first-appearance order of keys.
// Events with an empty key form one shared group.
func GroupByKey(events []*core.StreamEvent) [][]*core.StreamEvent {
	groups := make(map[string][]*core.StreamEvent)
	order := make([]string, 0)

	for _, ev := range events {
		if _, seen := groups[ev.Key]; !seen {
			order = append(order, ev.Key)
		}
		groups[ev.Key] = append(groups[ev.Key], ev)
	}

	out := make([][]*core.StreamEvent, 0, len(order))
	for _, key := range order {
		out = append(out, groups[key])
	}
	return out
}

// Chunk splits events into consecutive slices of at most limit events.
func Chunk(events []*core.StreamEvent, limit int) [][]*core.StreamEvent {
	if limit <= 0 || len(events) <= limit {
		return [][]*core.StreamEvent{events}
	}

	chunks := make([][]*core.StreamEvent, 0, (len(events)+limit-1)/limit)
	for start := 0; start < len(events); start += limit {
		end := start + limit
		if end > len(events) {
			end = len(events)
		}
		chunks = append(chunks, events[start:end])
	}
	return chunks
}
