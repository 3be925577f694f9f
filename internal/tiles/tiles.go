// Package tiles defines the identities shared by every stage of the mosaic
// pipeline: time slices, grid cells and fetched fragments, plus the
// deterministic keys and object paths derived from them.
package tiles

import (
	"fmt"
	"time"
)

// TimeSlice identifies one mosaic instant at a given zoom level.
// The timestamp is truncated to the minute.
type TimeSlice struct {
	Zoom int
	Time time.Time
}

// NewSlice returns the slice for t at zoom, discarding seconds.
func NewSlice(zoom int, t time.Time) TimeSlice {
	return TimeSlice{Zoom: zoom, Time: t.UTC().Truncate(time.Minute)}
}

// DateKey formats the day-of-month, hour and minute of the slice ("dd_HHMM").
// Slices whose DateKey agrees share ledger entries.
func (s TimeSlice) DateKey() string {
	return s.Time.Format("02_1504")
}

// Key is the ledger key of the whole slice, e.g. "2_01_0010".
func (s TimeSlice) Key() string {
	return fmt.Sprintf("%d_%s", s.Zoom, s.DateKey())
}

// FragmentKey is the ledger key of one cell of the slice, e.g. "2_01_0010_1_0".
func (s TimeSlice) FragmentKey(c Cell) string {
	return fmt.Sprintf("%s_%d_%d", s.Key(), c.Col, c.Row)
}

// Equal reports whether both slices address the same ledger entries. This is
// slice identity everywhere: the ledger, the object store and Distinct all
// key on it, so slices a whole month apart are Equal.
func (s TimeSlice) Equal(o TimeSlice) bool {
	return s.Key() == o.Key()
}

// Size is the number of fragments in the slice grid.
func (s TimeSlice) Size() int {
	return s.Zoom * s.Zoom
}

// Cells lists every grid cell in column-major order.
func (s TimeSlice) Cells() []Cell {
	cells := make([]Cell, 0, s.Size())
	for col := range s.Zoom {
		for row := range s.Zoom {
			cells = append(cells, Cell{Col: col, Row: row})
		}
	}
	return cells
}

// Dir is the directory holding every mosaic of the slice's month, e.g. "02_202401".
func (s TimeSlice) Dir() string {
	return fmt.Sprintf("%02d_%s", s.Zoom, s.Time.Format("200601"))
}

// ObjectKey is the storage key of the slice mosaic with the given file
// extension, e.g. "02_202401/01_0010.webp".
func (s TimeSlice) ObjectKey(ext string) string {
	return fmt.Sprintf("%s/%s.%s", s.Dir(), s.DateKey(), ext)
}

// CacheKey is the storage key of a raw fragment payload in the fragment cache.
func (s TimeSlice) CacheKey(c Cell) string {
	return fmt.Sprintf("fragments/%s/%s/%d_%d.zst", s.Dir(), s.DateKey(), c.Col, c.Row)
}

func (s TimeSlice) String() string {
	return fmt.Sprintf("z%d@%s", s.Zoom, s.Time.Format("2006-01-02T15:04"))
}

// Cell is one position of the zoom x zoom grid.
type Cell struct {
	Col int
	Row int
}

func (c Cell) String() string {
	return fmt.Sprintf("(%d,%d)", c.Col, c.Row)
}

// Fragment is the payload of one cell obtained during a run.
type Fragment struct {
	Slice TimeSlice
	Cell  Cell
	Data  []byte

	// Replayed is set when Data came from the fragment cache instead of the network.
	Replayed bool
}
