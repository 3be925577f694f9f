// Package ledger records which fragments and slices have been fetched.
//
// The ledger is a durable key/boolean map. Fragment keys and slice keys are
// derived from tiles.TimeSlice; a slice flag may only be set once every
// fragment flag of that slice is set. Every mutation is written through to
// the backing store before the call returns.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/withObsrvr/earth-mosaic/internal/tiles"
)

var (
	// ErrSliceIncomplete is returned by MarkSlice while a fragment flag is still false.
	ErrSliceIncomplete = errors.New("slice has unfetched fragments")

	// ErrUnknownBackend is returned by Open for an unsupported backend name.
	ErrUnknownBackend = errors.New("unknown ledger backend")
)

// Entry is one key/flag pair.
type Entry struct {
	Key  string
	Done bool
}

// Store is the physical key/boolean map behind a Ledger.
type Store interface {
	// Get returns the flag for key. Absent keys read as false.
	Get(ctx context.Context, key string) (bool, error)

	// Set writes all entries durably. Implementations apply a batch
	// atomically where the backend allows it.
	Set(ctx context.Context, entries ...Entry) error

	// Close flushes and releases the store.
	Close() error
}

// Config selects and locates the backing store.
type Config struct {
	Backend string // "sqlite" | "file"
	Path    string
}

// Open opens the configured store and wraps it in a Ledger.
func Open(cfg Config) (*Ledger, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Backend {
	case "", "sqlite":
		store, err = OpenSQLite(cfg.Path)
	case "file":
		store, err = OpenFile(cfg.Path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return New(store), nil
}

// Ledger exposes fragment and slice completion on top of a Store.
// It is safe for concurrent use; distinct slices never share keys.
type Ledger struct {
	store Store
	log   *slog.Logger
}

// New wraps store.
func New(store Store) *Ledger {
	return &Ledger{
		store: store,
		log:   slog.With("component", "ledger"),
	}
}

// FragmentDone reports whether the fragment at c has been fetched.
func (l *Ledger) FragmentDone(ctx context.Context, s tiles.TimeSlice, c tiles.Cell) (bool, error) {
	done, err := l.store.Get(ctx, s.FragmentKey(c))
	if err != nil {
		return false, fmt.Errorf("read fragment %s %s: %w", s.Key(), c, err)
	}
	return done, nil
}

// MarkFragment records the fragment at c as fetched.
func (l *Ledger) MarkFragment(ctx context.Context, s tiles.TimeSlice, c tiles.Cell) error {
	if err := l.store.Set(ctx, Entry{Key: s.FragmentKey(c), Done: true}); err != nil {
		return fmt.Errorf("mark fragment %s %s: %w", s.Key(), c, err)
	}
	return nil
}

// UnmarkFragment records the fragment at c as pending again.
func (l *Ledger) UnmarkFragment(ctx context.Context, s tiles.TimeSlice, c tiles.Cell) error {
	if err := l.store.Set(ctx, Entry{Key: s.FragmentKey(c), Done: false}); err != nil {
		return fmt.Errorf("unmark fragment %s %s: %w", s.Key(), c, err)
	}
	return nil
}

// SliceDone reports whether every fragment of s was confirmed fetched.
func (l *Ledger) SliceDone(ctx context.Context, s tiles.TimeSlice) (bool, error) {
	done, err := l.store.Get(ctx, s.Key())
	if err != nil {
		return false, fmt.Errorf("read slice %s: %w", s.Key(), err)
	}
	return done, nil
}

// Missing lists the cells of s whose fragment flag is false.
func (l *Ledger) Missing(ctx context.Context, s tiles.TimeSlice) ([]tiles.Cell, error) {
	var missing []tiles.Cell
	for _, c := range s.Cells() {
		done, err := l.FragmentDone(ctx, s, c)
		if err != nil {
			return nil, err
		}
		if !done {
			missing = append(missing, c)
		}
	}
	return missing, nil
}

// MarkSlice sets the slice flag. It fails with ErrSliceIncomplete unless
// every fragment flag of s is already set.
func (l *Ledger) MarkSlice(ctx context.Context, s tiles.TimeSlice) error {
	missing, err := l.Missing(ctx, s)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("mark slice %s: %w (%d of %d missing)", s.Key(), ErrSliceIncomplete, len(missing), s.Size())
	}
	if err := l.store.Set(ctx, Entry{Key: s.Key(), Done: true}); err != nil {
		return fmt.Errorf("mark slice %s: %w", s.Key(), err)
	}
	return nil
}

// ClearSlice clears only the slice flag, keeping fragment flags.
func (l *Ledger) ClearSlice(ctx context.Context, s tiles.TimeSlice) error {
	if err := l.store.Set(ctx, Entry{Key: s.Key(), Done: false}); err != nil {
		return fmt.Errorf("clear slice %s: %w", s.Key(), err)
	}
	return nil
}

// ResetSlice clears the slice flag and every fragment flag of s in one batch.
func (l *Ledger) ResetSlice(ctx context.Context, s tiles.TimeSlice) error {
	entries := make([]Entry, 0, s.Size()+1)
	for _, c := range s.Cells() {
		entries = append(entries, Entry{Key: s.FragmentKey(c), Done: false})
	}
	entries = append(entries, Entry{Key: s.Key(), Done: false})

	if err := l.store.Set(ctx, entries...); err != nil {
		return fmt.Errorf("reset slice %s: %w", s.Key(), err)
	}
	l.log.Debug("slice reset", "slice", s.Key(), "fragments", s.Size())
	return nil
}

// Close closes the backing store.
func (l *Ledger) Close() error {
	return l.store.Close()
}
