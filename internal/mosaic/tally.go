package mosaic

import "sync/atomic"

// Tally accumulates totals across concurrent slice jobs.
type Tally struct {
	SlicesProcessed atomic.Int64
	SlicesSkipped   atomic.Int64
	FragmentsPasted atomic.Int64
	FragmentsFailed atomic.Int64
	SavesFailed     atomic.Int64
	BytesWritten    atomic.Int64
}

// Totals is a point-in-time copy of a Tally.
type Totals struct {
	SlicesProcessed int64
	SlicesSkipped   int64
	FragmentsPasted int64
	FragmentsFailed int64
	SavesFailed     int64
	BytesWritten    int64
}

// Totals reads every counter.
func (t *Tally) Totals() Totals {
	return Totals{
		SlicesProcessed: t.SlicesProcessed.Load(),
		SlicesSkipped:   t.SlicesSkipped.Load(),
		FragmentsPasted: t.FragmentsPasted.Load(),
		FragmentsFailed: t.FragmentsFailed.Load(),
		SavesFailed:     t.SavesFailed.Load(),
		BytesWritten:    t.BytesWritten.Load(),
	}
}

// Sub returns the change from prev to t.
func (t Totals) Sub(prev Totals) Totals {
	return Totals{
		SlicesProcessed: t.SlicesProcessed - prev.SlicesProcessed,
		SlicesSkipped:   t.SlicesSkipped - prev.SlicesSkipped,
		FragmentsPasted: t.FragmentsPasted - prev.FragmentsPasted,
		FragmentsFailed: t.FragmentsFailed - prev.FragmentsFailed,
		SavesFailed:     t.SavesFailed - prev.SavesFailed,
		BytesWritten:    t.BytesWritten - prev.BytesWritten,
	}
}
