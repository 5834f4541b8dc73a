package stream

import "sort"

// Default retention bounds. An iteration of agent output usually holds
// a handful of segments, so 600 segments is roughly a hundred rounds of
// scrollback per session.
const (
	DefaultMaxSegments   = 600
	DefaultMinIterations = 5
)

// RetentionPolicy bounds a session's segment history. Once the list
// exceeds MaxSegments, whole completed iterations are evicted oldest
// first until the list is back under the cap, while always retaining at
// least MinIterations completed iterations and never touching an
// iteration that still has a streaming segment.
type RetentionPolicy struct {
	MaxSegments   int
	MinIterations int
}

// DefaultRetention returns the built-in policy.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{
		MaxSegments:   DefaultMaxSegments,
		MinIterations: DefaultMinIterations,
	}
}

// Evict returns the segment list with over-cap history removed. The
// input slice is never modified; when nothing is evicted the input is
// returned as-is. Eviction is atomic per iteration: a tool call and its
// sibling reasoning/answer segments for the same round are removed
// together or not at all.
func (p RetentionPolicy) Evict(segments []*Segment) []*Segment {
	if p.MaxSegments <= 0 || len(segments) <= p.MaxSegments {
		return segments
	}

	// An iteration is removable only once every segment in it has
	// finished streaming.
	streaming := make(map[int]bool)
	count := make(map[int]int)
	for _, seg := range segments {
		count[seg.Iteration]++
		if seg.Status == SegmentStreaming {
			streaming[seg.Iteration] = true
		}
	}

	removable := make([]int, 0, len(count))
	for iter := range count {
		if !streaming[iter] {
			removable = append(removable, iter)
		}
	}
	sort.Ints(removable)

	// Keep at least MinIterations removable iterations regardless of
	// how far over the cap the list is.
	evictable := len(removable) - p.MinIterations
	if evictable <= 0 {
		return segments
	}

	evict := make(map[int]bool)
	total := len(segments)
	for _, iter := range removable[:evictable] {
		if total <= p.MaxSegments {
			break
		}
		evict[iter] = true
		total -= count[iter]
	}
	if len(evict) == 0 {
		return segments
	}

	kept := make([]*Segment, 0, total)
	for _, seg := range segments {
		if !evict[seg.Iteration] {
			kept = append(kept, seg)
		}
	}
	return kept
}
