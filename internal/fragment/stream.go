// Package fragment downloads the fragments of a time slice and yields them
// in completion order while keeping the ledger in step.
package fragment

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/withObsrvr/earth-mosaic/internal/ledger"
	"github.com/withObsrvr/earth-mosaic/internal/logging"
	"github.com/withObsrvr/earth-mosaic/internal/metrics"
	"github.com/withObsrvr/earth-mosaic/internal/tiles"
)

// Getter fetches a URL. *fetch.Fetcher satisfies it.
type Getter interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Locator maps a cell to its URL. *provider.Provider satisfies it.
type Locator interface {
	TileURL(s tiles.TimeSlice, c tiles.Cell) string
}

// Config wires a Stream.
type Config struct {
	Ledger   *ledger.Ledger
	Getter   Getter
	Locator  Locator
	Cache    *Cache // optional
	Progress bool   // log progress at info instead of debug
}

// Options adjust a single Open call.
type Options struct {
	// Replay re-yields fragments whose flag is already set, reading them
	// from the cache. Ignored without a cache.
	Replay bool
}

// Stream produces fragments for slices.
type Stream struct {
	cfg Config
	log *slog.Logger
}

// New creates a Stream.
func New(cfg Config) *Stream {
	return &Stream{cfg: cfg, log: logging.Component("fragment")}
}

type result struct {
	cell     tiles.Cell
	data     []byte
	err      error
	replayed bool // served from cache
	marked   bool // flag was already set before this run
}

// Open starts fetching every fragment of s whose flag is false and returns a
// channel of the ones obtained, in completion order. The channel is closed
// after the last fragment; callers must drain it. Failed fragments are logged
// and omitted, leaving their flag false.
//
// The slice flag is set once every fragment flag is set. When nothing is
// missing and nothing is replayed, the flag is set and an already closed
// channel is returned without network traffic.
func (st *Stream) Open(ctx context.Context, s tiles.TimeSlice, opts Options) (<-chan tiles.Fragment, error) {
	missing, err := st.cfg.Ledger.Missing(ctx, s)
	if err != nil {
		return nil, err
	}

	var replay []tiles.Cell
	if opts.Replay && st.cfg.Cache != nil {
		replay = difference(s.Cells(), missing)
	}

	if len(missing) == 0 && len(replay) == 0 {
		if err := st.cfg.Ledger.MarkSlice(ctx, s); err != nil {
			return nil, err
		}
		out := make(chan tiles.Fragment)
		close(out)
		return out, nil
	}

	results := make(chan result, len(missing)+len(replay))
	for _, c := range missing {
		go func() {
			data, err := st.download(ctx, s, c)
			results <- result{cell: c, data: data, err: err}
		}()
	}
	for _, c := range replay {
		go func() {
			results <- st.restore(ctx, s, c)
		}()
	}

	out := make(chan tiles.Fragment)
	go st.drain(ctx, s, len(missing)+len(replay), s.Size()-len(missing)-len(replay), results, out)
	return out, nil
}

// download fetches one cell and writes it to the cache when configured.
func (st *Stream) download(ctx context.Context, s tiles.TimeSlice, c tiles.Cell) ([]byte, error) {
	data, err := st.cfg.Getter.Fetch(ctx, st.cfg.Locator.TileURL(s, c))
	if err != nil {
		return nil, err
	}
	if st.cfg.Cache != nil {
		if err := st.cfg.Cache.Put(ctx, s, c, data); err != nil {
			st.log.Warn("failed to cache fragment", "slice", s.Key(), "cell", c.String(), "error", err)
		}
	}
	return data, nil
}

// restore reads a completed cell back from the cache, falling back to the
// network when the entry is missing or unreadable.
func (st *Stream) restore(ctx context.Context, s tiles.TimeSlice, c tiles.Cell) result {
	data, err := st.cfg.Cache.Get(ctx, s, c)
	if err == nil {
		return result{cell: c, data: data, replayed: true, marked: true}
	}
	st.log.Debug("cache miss, refetching", "slice", s.Key(), "cell", c.String(), "error", err)

	data, err = st.download(ctx, s, c)
	return result{cell: c, data: data, err: err, marked: true}
}

// drain applies ledger updates for each result and forwards successes.
func (st *Stream) drain(ctx context.Context, s tiles.TimeSlice, pending, done int, results <-chan result, out chan<- tiles.Fragment) {
	defer close(out)

	// Ledger writes describe payloads already in hand, so they outlive cancellation.
	lctx := context.WithoutCancel(ctx)
	m := metrics.Get()
	labels := metrics.Labels{Zoom: strconv.Itoa(s.Zoom)}
	log := logging.SliceLogger(ctx, st.log, s.Zoom, s.Key())
	total := s.Size()

	for range pending {
		r := <-results

		if r.err != nil {
			log.Warn("fragment failed", "cell", r.cell.String(), "error", r.err)
			if m != nil {
				m.IncFragmentsFailed(labels)
			}
			if r.marked {
				if err := st.cfg.Ledger.UnmarkFragment(lctx, s, r.cell); err != nil {
					log.Error("failed to clear fragment flag", "cell", r.cell.String(), "error", err)
				}
			}
			continue
		}

		if !r.marked {
			if err := st.cfg.Ledger.MarkFragment(lctx, s, r.cell); err != nil {
				log.Error("failed to record fragment", "cell", r.cell.String(), "error", err)
				if m != nil {
					m.IncLedgerErrors()
				}
				continue
			}
		}

		if m != nil {
			if r.replayed {
				m.IncFragmentsReplayed(labels)
			} else {
				m.ObserveFragment(labels, len(r.data))
			}
		}

		done++
		if done == total {
			if err := st.cfg.Ledger.MarkSlice(lctx, s); err != nil {
				log.Error("failed to record slice", "error", err)
				if m != nil {
					m.IncLedgerErrors()
				}
			}
		}

		level := slog.LevelDebug
		if st.cfg.Progress {
			level = slog.LevelInfo
		}
		log.Log(ctx, level, "fetched", "progress", strconv.Itoa(done)+"/"+strconv.Itoa(total), "cell", r.cell.String(), "replayed", r.replayed)

		out <- tiles.Fragment{Slice: s, Cell: r.cell, Data: r.data, Replayed: r.replayed}
	}
}

// difference returns the cells of all not present in sub.
func difference(all, sub []tiles.Cell) []tiles.Cell {
	skip := make(map[tiles.Cell]struct{}, len(sub))
	for _, c := range sub {
		skip[c] = struct{}{}
	}
	var out []tiles.Cell
	for _, c := range all {
		if _, ok := skip[c]; !ok {
			out = append(out, c)
		}
	}
	return out
}
