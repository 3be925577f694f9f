package tiles

import (
	"slices"
	"time"
)

// Window returns every step-aligned instant in [latest-span, latest],
// ascending and inclusive at both ends. When latest itself is aligned the
// result has span/step+1 entries.
func Window(latest time.Time, span, step time.Duration) []time.Time {
	if step <= 0 || span < 0 {
		return nil
	}

	latest = latest.UTC()
	start := latest.Add(-span)
	if aligned := start.Truncate(step); aligned.Before(start) {
		start = aligned.Add(step)
	} else {
		start = aligned
	}

	var out []time.Time
	for t := start; !t.After(latest); t = t.Add(step) {
		out = append(out, t)
	}
	return out
}

// Slices maps Window onto time slices at the given zoom level.
func Slices(zoom int, latest time.Time, span, step time.Duration) []TimeSlice {
	instants := Window(latest, span, step)
	out := make([]TimeSlice, 0, len(instants))
	for _, t := range instants {
		out = append(out, NewSlice(zoom, t))
	}
	return out
}

// Distinct drops every slice Equal to a later one, keeping the most recent
// occurrence of each identity in ascending order. Two Equal slices in one
// run would write the same ledger keys concurrently.
func Distinct(in []TimeSlice) []TimeSlice {
	seen := make(map[string]struct{}, len(in))
	out := make([]TimeSlice, 0, len(in))
	for i := len(in) - 1; i >= 0; i-- {
		key := in[i].Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, in[i])
	}
	slices.Reverse(out)
	return out
}
