// Package mosaic assembles time slice fragments into a single image and
// keeps the stored mosaic and the ledger consistent with each other.
package mosaic

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/withObsrvr/earth-mosaic/internal/fragment"
	"github.com/withObsrvr/earth-mosaic/internal/ledger"
	"github.com/withObsrvr/earth-mosaic/internal/logging"
	"github.com/withObsrvr/earth-mosaic/internal/metrics"
	"github.com/withObsrvr/earth-mosaic/internal/storage"
	"github.com/withObsrvr/earth-mosaic/internal/tiles"
)

// Source opens the fragment stream of a slice. *fragment.Stream satisfies it.
type Source interface {
	Open(ctx context.Context, s tiles.TimeSlice, opts fragment.Options) (<-chan tiles.Fragment, error)
}

// Config wires a Compositor.
type Config struct {
	Store     storage.Store
	Ledger    *ledger.Ledger
	Source    Source
	Persister *Persister
	Codec     Codec
	UnitSize  int
	// MaxConcurrent bounds slice jobs running at once.
	MaxConcurrent int64
	// Replay rebuilds lost mosaics from cached fragments instead of
	// resetting their fragment flags. Requires a fragment cache on Source.
	Replay bool
	Tally  *Tally
}

// Compositor builds the mosaic of one slice per Run call.
type Compositor struct {
	cfg  Config
	gate *semaphore.Weighted
	log  *slog.Logger
}

// NewCompositor creates a Compositor.
func NewCompositor(cfg Config) *Compositor {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 2
	}
	if cfg.Tally == nil {
		cfg.Tally = &Tally{}
	}
	return &Compositor{
		cfg:  cfg,
		gate: semaphore.NewWeighted(cfg.MaxConcurrent),
		log:  logging.Component("mosaic"),
	}
}

// Run brings the mosaic of s up to date with every fragment obtainable now.
// A finished slice is left untouched. The encoded image is written by the
// Persister after Run returns.
func (c *Compositor) Run(ctx context.Context, s tiles.TimeSlice) error {
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.gate.Release(1)

	log := logging.SliceLogger(ctx, c.log, s.Zoom, s.Key())
	labels := metrics.Labels{Zoom: strconv.Itoa(s.Zoom)}
	key := s.ObjectKey(c.cfg.Codec.Ext())
	start := time.Now()

	exists, err := c.cfg.Store.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("check mosaic %s: %w", key, err)
	}

	// Without the mosaic, fragment flags describe pixels that no longer exist.
	replay := false
	if !exists {
		if c.cfg.Replay {
			err = c.cfg.Ledger.ClearSlice(ctx, s)
			replay = true
		} else {
			err = c.cfg.Ledger.ResetSlice(ctx, s)
		}
		if err != nil {
			return err
		}
	}

	done, err := c.cfg.Ledger.SliceDone(ctx, s)
	if err != nil {
		return err
	}
	if done {
		log.Debug("slice already complete")
		c.cfg.Tally.SlicesSkipped.Add(1)
		if m := metrics.Get(); m != nil {
			m.IncSlicesSkipped(labels)
		}
		return nil
	}

	var canvas *image.RGBA
	if exists {
		canvas, err = c.load(ctx, s, key)
		switch {
		case errors.Is(err, ErrCorrupt):
			log.Warn("stored mosaic is corrupt, rebuilding", "key", key, "error", err)
			if err := c.cfg.Store.Delete(ctx, key); err != nil {
				return fmt.Errorf("remove corrupt mosaic: %w", err)
			}
			if err := c.cfg.Ledger.ResetSlice(ctx, s); err != nil {
				return err
			}
			exists = false
		case err != nil:
			return err
		}
	}
	if canvas == nil {
		canvas = NewCanvas(s.Zoom, c.cfg.UnitSize)
	}

	frags, err := c.cfg.Source.Open(ctx, s, fragment.Options{Replay: replay})
	if err != nil {
		return err
	}

	pasted := 0
	for f := range frags {
		img, err := Decode(f.Data)
		if err != nil {
			// The flag stays set; the cell remains black until the slice is reset.
			log.Warn("failed to decode fragment", "cell", f.Cell.String(), "bytes", len(f.Data), "error", err)
			continue
		}
		Paste(canvas, img, f.Cell, c.cfg.UnitSize)
		pasted++
	}

	if missing, err := c.cfg.Ledger.Missing(context.WithoutCancel(ctx), s); err == nil {
		c.cfg.Tally.FragmentsFailed.Add(int64(len(missing)))
	}
	c.cfg.Tally.FragmentsPasted.Add(int64(pasted))
	c.cfg.Tally.SlicesProcessed.Add(1)
	if m := metrics.Get(); m != nil {
		m.IncSlicesProcessed(labels)
		m.ObserveComposeDuration(labels, time.Since(start).Seconds())
	}

	if exists && pasted == 0 {
		log.Debug("no new fragments, keeping stored mosaic")
		return nil
	}

	log.Debug("composited", "pasted", pasted, "replay", replay)
	c.cfg.Persister.Submit(ctx, s, canvas)
	return nil
}

// load reads and decodes the stored mosaic.
func (c *Compositor) load(ctx context.Context, s tiles.TimeSlice, key string) (*image.RGBA, error) {
	data, err := c.cfg.Store.Read(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read mosaic %s: %w", key, err)
	}
	return LoadCanvas(data, s.Zoom, c.cfg.UnitSize)
}
