// Package orchestrator runs one pass over the rolling time window: it asks
// the provider for the newest image, composites every slice in the window
// concurrently and waits until every mosaic has been written.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/withObsrvr/earth-mosaic/internal/logging"
	"github.com/withObsrvr/earth-mosaic/internal/metrics"
	"github.com/withObsrvr/earth-mosaic/internal/mosaic"
	"github.com/withObsrvr/earth-mosaic/internal/tiles"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// ErrNoReference is returned when the latest timestamp cannot be determined.
// No slice work is started in that case.
var ErrNoReference = errors.New("no reference timestamp")

// Reference reports the newest available timestamp. *provider.Provider satisfies it.
type Reference interface {
	Latest(ctx context.Context) (time.Time, error)
}

// Job composites one slice. *mosaic.Compositor satisfies it.
type Job interface {
	Run(ctx context.Context, s tiles.TimeSlice) error
}

// Waiter joins background saves. *mosaic.Persister satisfies it.
type Waiter interface {
	Wait() error
}

// Config controls the window and post-run reporting.
type Config struct {
	Zoom        int
	Span        time.Duration
	Step        time.Duration
	PushGateway string // push metrics after each run when set
	PushJob     string
}

// Orchestrator drives runs. It is not safe to call Run concurrently.
type Orchestrator struct {
	cfg   Config
	ref   Reference
	job   Job
	saves Waiter
	tally *mosaic.Tally
	log   *slog.Logger
}

// New creates an Orchestrator. tally may be nil.
func New(cfg Config, ref Reference, job Job, saves Waiter, tally *mosaic.Tally) *Orchestrator {
	if tally == nil {
		tally = &mosaic.Tally{}
	}
	return &Orchestrator{
		cfg:   cfg,
		ref:   ref,
		job:   job,
		saves: saves,
		tally: tally,
		log:   logging.Component("orchestrator"),
	}
}

// Run performs one pass. It returns nil only when every slice job succeeded;
// a failing slice never stops its siblings.
func (o *Orchestrator) Run(ctx context.Context) error {
	runID := logging.NewRunID()
	ctx = logging.WithRunID(ctx, runID)
	log := o.log.With("run_id", runID)
	start := time.Now()
	before := o.tally.Totals()

	latest, err := o.ref.Latest(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoReference, err)
	}

	slices := tiles.Slices(o.cfg.Zoom, latest, o.cfg.Span, o.cfg.Step)
	if distinct := tiles.Distinct(slices); len(distinct) < len(slices) {
		log.Warn("window repeats ledger keys, keeping the latest of each",
			"window", len(slices), "kept", len(distinct))
		slices = distinct
	}
	log.Info("run started",
		"latest", latest.Format(time.DateTime),
		"slices", len(slices),
		"zoom", o.cfg.Zoom,
		"version", Version,
	)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range slices {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.job.Run(ctx, s); err != nil {
				log.Error("slice failed", "slice", s.Key(), "error", err)
				if m := metrics.Get(); m != nil {
					m.IncSlicesFailed(metrics.Labels{Zoom: strconv.Itoa(s.Zoom)})
				}
				mu.Lock()
				errs = append(errs, fmt.Errorf("slice %s: %w", s.Key(), err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Failed saves have already reset their slices; the next run redoes them.
	if err := o.saves.Wait(); err != nil {
		log.Warn("some mosaics were not saved", "error", err)
	}

	t := o.tally.Totals().Sub(before)
	log.Info("run finished",
		"slices_processed", t.SlicesProcessed,
		"slices_skipped", t.SlicesSkipped,
		"slices_failed", len(errs),
		"fragments_pasted", humanize.Comma(t.FragmentsPasted),
		"fragments_missing", humanize.Comma(t.FragmentsFailed),
		"saves_failed", t.SavesFailed,
		"written", humanize.Bytes(uint64(t.BytesWritten)),
		"duration", time.Since(start).Round(time.Millisecond),
	)

	if o.cfg.PushGateway != "" {
		if m := metrics.Get(); m != nil {
			if err := m.Push(o.cfg.PushGateway, o.cfg.PushJob); err != nil {
				log.Warn("failed to push metrics", "error", err)
			}
		}
	}

	return errors.Join(errs...)
}
