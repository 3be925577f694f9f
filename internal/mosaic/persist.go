package mosaic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/withObsrvr/earth-mosaic/internal/ledger"
	"github.com/withObsrvr/earth-mosaic/internal/logging"
	"github.com/withObsrvr/earth-mosaic/internal/metrics"
	"github.com/withObsrvr/earth-mosaic/internal/storage"
	"github.com/withObsrvr/earth-mosaic/internal/tiles"
)

// Persister encodes and writes finished canvases in the background.
// At most maxPending saves are outstanding; Submit blocks beyond that.
type Persister struct {
	store  storage.Store
	ledger *ledger.Ledger
	codec  Codec
	tally  *Tally
	log    *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	errs    []error
	pending int
}

// NewPersister creates a Persister. tally may be nil.
func NewPersister(store storage.Store, l *ledger.Ledger, codec Codec, maxPending int, tally *Tally) *Persister {
	if maxPending < 1 {
		maxPending = 1
	}
	if tally == nil {
		tally = &Tally{}
	}
	return &Persister{
		store:  store,
		ledger: l,
		codec:  codec,
		tally:  tally,
		log:    logging.Component("persist"),
		sem:    make(chan struct{}, maxPending),
	}
}

// Submit schedules canvas to be saved as the mosaic of s. The canvas must not
// be modified afterwards. The save runs to completion even if ctx is
// cancelled, since the ledger already describes the canvas contents.
func (p *Persister) Submit(ctx context.Context, s tiles.TimeSlice, canvas image.Image) {
	p.sem <- struct{}{}
	p.track(1)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.track(-1)
			<-p.sem
		}()

		if err := p.save(context.WithoutCancel(ctx), s, canvas); err != nil {
			p.mu.Lock()
			p.errs = append(p.errs, err)
			p.mu.Unlock()
		}
	}()
}

func (p *Persister) track(delta int) {
	p.mu.Lock()
	p.pending += delta
	n := p.pending
	p.mu.Unlock()
	if m := metrics.Get(); m != nil {
		m.SetPendingSaves(float64(n))
	}
}

// save writes the encoded canvas. On failure any partial object is removed
// and the slice's ledger entries are reset so the next run rebuilds it.
func (p *Persister) save(ctx context.Context, s tiles.TimeSlice, canvas image.Image) error {
	key := s.ObjectKey(p.codec.Ext())
	log := logging.SliceLogger(ctx, p.log, s.Zoom, s.Key())
	start := time.Now()

	var buf bytes.Buffer
	err := p.codec.Encode(&buf, canvas)
	if err != nil {
		err = fmt.Errorf("encode %s: %w", key, err)
	} else {
		err = p.store.Write(ctx, key, buf.Bytes())
	}

	if err != nil {
		p.tally.SavesFailed.Add(1)
		if m := metrics.Get(); m != nil {
			m.IncStorageErrors(metrics.Labels{Operation: "write"})
		}
		log.Error("failed to save mosaic", "key", key, "error", err)

		if derr := p.store.Delete(ctx, key); derr != nil {
			log.Warn("failed to remove partial mosaic", "key", key, "error", derr)
		}
		if rerr := p.ledger.ResetSlice(ctx, s); rerr != nil {
			return errors.Join(fmt.Errorf("save slice %s: %w", s.Key(), err), rerr)
		}
		return fmt.Errorf("save slice %s: %w", s.Key(), err)
	}

	p.tally.BytesWritten.Add(int64(buf.Len()))
	if m := metrics.Get(); m != nil {
		m.ObserveSave(metrics.Labels{Zoom: strconv.Itoa(s.Zoom), Format: p.codec.Ext()}, time.Since(start).Seconds(), buf.Len())
	}
	log.Info("mosaic saved",
		"uri", p.store.URI(key),
		"size", humanize.Bytes(uint64(buf.Len())),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// Wait blocks until every submitted save has finished and returns the
// failures joined together.
func (p *Persister) Wait() error {
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	err := errors.Join(p.errs...)
	p.errs = nil
	return err
}
