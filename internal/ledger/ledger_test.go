package ledger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/withObsrvr/earth-mosaic/internal/tiles"
)

var backends = []struct {
	name string
	open func(path string) (Store, error)
	file string
}{
	{"sqlite", func(p string) (Store, error) { return OpenSQLite(p) }, "ledger.db"},
	{"file", func(p string) (Store, error) { return OpenFile(p) }, "ledger.jsonl"},
}

func testSlice() tiles.TimeSlice {
	return tiles.NewSlice(2, time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC))
}

func TestStoreGetSet(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			store, err := b.open(filepath.Join(t.TempDir(), b.file))
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer store.Close()

			done, err := store.Get(ctx, "absent")
			if err != nil || done {
				t.Fatalf("Get(absent) = %v, %v; want false, nil", done, err)
			}

			if err := store.Set(ctx, Entry{Key: "a", Done: true}, Entry{Key: "b", Done: true}); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if err := store.Set(ctx, Entry{Key: "b", Done: false}); err != nil {
				t.Fatalf("Set: %v", err)
			}

			if done, _ := store.Get(ctx, "a"); !done {
				t.Error("a should be done")
			}
			if done, _ := store.Get(ctx, "b"); done {
				t.Error("b should have been overwritten to false")
			}
		})
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), b.file)

			store, err := b.open(path)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if err := store.Set(ctx, Entry{Key: "2_01_0010", Done: true}); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if err := store.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			store, err = b.open(path)
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer store.Close()

			if done, err := store.Get(ctx, "2_01_0010"); err != nil || !done {
				t.Errorf("after reopen Get = %v, %v; want true, nil", done, err)
			}
		})
	}
}

func TestFileStoreIgnoresTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	content := `{"k":"a","v":true}` + "\n" + `{"k":"b","v":tr`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	store, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if done, _ := store.Get(ctx, "a"); !done {
		t.Error("a should survive replay")
	}
	if done, _ := store.Get(ctx, "b"); done {
		t.Error("torn record b must not be applied")
	}
}

func TestFileStoreRejectsMidJournalCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	content := `{"k":"a","v":true}` + "\n" + `garbage` + "\n" + `{"k":"b","v":true}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := OpenFile(path); !errors.Is(err, ErrCorruptJournal) {
		t.Fatalf("OpenFile error = %v, want ErrCorruptJournal", err)
	}

	// The journal is left untouched for inspection.
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != content {
		t.Errorf("journal rewritten after corruption:\n%s", got)
	}
}

func TestLedgerSliceLifecycle(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			store, err := b.open(filepath.Join(t.TempDir(), b.file))
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			l := New(store)
			defer l.Close()

			s := testSlice()

			missing, err := l.Missing(ctx, s)
			if err != nil {
				t.Fatalf("Missing: %v", err)
			}
			if len(missing) != 4 {
				t.Fatalf("Missing = %d cells, want 4", len(missing))
			}

			if err := l.MarkSlice(ctx, s); !errors.Is(err, ErrSliceIncomplete) {
				t.Fatalf("MarkSlice on empty slice = %v, want ErrSliceIncomplete", err)
			}

			for _, c := range s.Cells() {
				if err := l.MarkFragment(ctx, s, c); err != nil {
					t.Fatalf("MarkFragment: %v", err)
				}
			}
			if err := l.MarkSlice(ctx, s); err != nil {
				t.Fatalf("MarkSlice: %v", err)
			}
			if done, _ := l.SliceDone(ctx, s); !done {
				t.Fatal("slice should be done")
			}

			if err := l.ResetSlice(ctx, s); err != nil {
				t.Fatalf("ResetSlice: %v", err)
			}
			if done, _ := l.SliceDone(ctx, s); done {
				t.Error("slice flag should be cleared by reset")
			}
			missing, _ = l.Missing(ctx, s)
			if len(missing) != 4 {
				t.Errorf("after reset Missing = %d cells, want 4", len(missing))
			}
		})
	}
}

func TestLedgerClearSliceKeepsFragments(t *testing.T) {
	ctx := context.Background()
	store, err := OpenFile(filepath.Join(t.TempDir(), "ledger.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	l := New(store)
	defer l.Close()

	s := testSlice()
	for _, c := range s.Cells() {
		l.MarkFragment(ctx, s, c)
	}
	l.MarkSlice(ctx, s)

	if err := l.ClearSlice(ctx, s); err != nil {
		t.Fatalf("ClearSlice: %v", err)
	}
	if done, _ := l.SliceDone(ctx, s); done {
		t.Error("slice flag should be cleared")
	}
	if missing, _ := l.Missing(ctx, s); len(missing) != 0 {
		t.Errorf("fragments should stay done, %d missing", len(missing))
	}
}

func TestLedgerConcurrentSlices(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			store, err := b.open(filepath.Join(t.TempDir(), b.file))
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			l := New(store)
			defer l.Close()

			base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			var slices []tiles.TimeSlice
			for i := range 8 {
				slices = append(slices, tiles.NewSlice(3, base.Add(time.Duration(i)*10*time.Minute)))
			}

			var wg sync.WaitGroup
			for _, s := range slices {
				for _, c := range s.Cells() {
					wg.Add(1)
					go func() {
						defer wg.Done()
						if err := l.MarkFragment(ctx, s, c); err != nil {
							t.Errorf("MarkFragment: %v", err)
						}
					}()
				}
			}
			wg.Wait()

			for _, s := range slices {
				if missing, _ := l.Missing(ctx, s); len(missing) != 0 {
					t.Errorf("slice %s lost %d updates", s.Key(), len(missing))
				}
			}
		})
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(Config{Backend: "redis", Path: filepath.Join(t.TempDir(), "x")})
	if !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("Open = %v, want ErrUnknownBackend", err)
	}
}
