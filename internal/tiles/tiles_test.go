package tiles

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestSliceKeys(t *testing.T) {
	s := NewSlice(2, time.Date(2024, 1, 1, 0, 10, 42, 0, time.UTC))

	if got := s.Key(); got != "2_01_0010" {
		t.Errorf("Key() = %q, want %q", got, "2_01_0010")
	}
	if got := s.FragmentKey(Cell{Col: 1, Row: 0}); got != "2_01_0010_1_0" {
		t.Errorf("FragmentKey() = %q, want %q", got, "2_01_0010_1_0")
	}
	if got := s.ObjectKey("webp"); got != "02_202401/01_0010.webp" {
		t.Errorf("ObjectKey() = %q, want %q", got, "02_202401/01_0010.webp")
	}
	if got := s.CacheKey(Cell{Col: 0, Row: 1}); got != "fragments/02_202401/01_0010/0_1.zst" {
		t.Errorf("CacheKey() = %q", got)
	}
	if s.Time.Second() != 0 {
		t.Errorf("seconds not discarded: %v", s.Time)
	}
}

func TestSliceEqual(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC)

	tests := []struct {
		name string
		a, b TimeSlice
		want bool
	}{
		{"same minute", NewSlice(4, base), NewSlice(4, base.Add(59*time.Second)), true},
		{"next minute", NewSlice(4, base), NewSlice(4, base.Add(time.Minute)), false},
		{"other zoom", NewSlice(4, base), NewSlice(8, base), false},
		{"same day of other month", NewSlice(4, base), NewSlice(4, base.AddDate(0, 1, 0)), true},
	}

	for _, tt := range tests {
		if got := tt.a.Equal(tt.b); got != tt.want {
			t.Errorf("%s: Equal() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSliceCells(t *testing.T) {
	s := NewSlice(2, time.Now())
	want := []Cell{{0, 0}, {0, 1}, {1, 0}, {1, 1}}
	if diff := cmp.Diff(want, s.Cells()); diff != "" {
		t.Errorf("Cells() mismatch (-want +got):\n%s", diff)
	}
	if s.Size() != 4 {
		t.Errorf("Size() = %d, want 4", s.Size())
	}
}

func TestWindowAligned(t *testing.T) {
	latest := time.Date(2024, 1, 2, 0, 10, 0, 0, time.UTC)
	got := Window(latest, 24*time.Hour, 10*time.Minute)

	if len(got) != 145 {
		t.Fatalf("len(Window) = %d, want 145", len(got))
	}
	if !got[0].Equal(latest.Add(-24 * time.Hour)) {
		t.Errorf("first = %v, want %v", got[0], latest.Add(-24*time.Hour))
	}
	if !got[len(got)-1].Equal(latest) {
		t.Errorf("last = %v, want %v", got[len(got)-1], latest)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Sub(got[i-1]) != 10*time.Minute {
			t.Fatalf("gap at %d: %v -> %v", i, got[i-1], got[i])
		}
	}
}

func TestWindowUnaligned(t *testing.T) {
	latest := time.Date(2024, 1, 2, 0, 13, 0, 0, time.UTC)
	got := Window(latest, time.Hour, 10*time.Minute)

	want := []time.Time{
		time.Date(2024, 1, 1, 23, 20, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 23, 30, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 23, 40, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 23, 50, 0, 0, time.UTC),
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 2, 0, 10, 0, 0, time.UTC),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Window mismatch (-want +got):\n%s", diff)
	}
}

func TestWindowInvalidStep(t *testing.T) {
	if got := Window(time.Now(), time.Hour, 0); got != nil {
		t.Errorf("Window with zero step = %v, want nil", got)
	}
}

func TestDistinctKeepsLatestOccurrence(t *testing.T) {
	jan := time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC)
	feb := jan.AddDate(0, 1, 0)

	in := []TimeSlice{NewSlice(2, jan), NewSlice(2, jan.Add(10*time.Minute)), NewSlice(2, feb)}
	got := Distinct(in)

	want := []TimeSlice{NewSlice(2, jan.Add(10*time.Minute)), NewSlice(2, feb)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Distinct() mismatch (-want +got):\n%s", diff)
	}
	if len(got) == 2 && !got[1].Time.Equal(feb) {
		t.Errorf("kept %v, want the February slice", got[1].Time)
	}
	for i := range got {
		for j := i + 1; j < len(got); j++ {
			if got[i].Equal(got[j]) {
				t.Errorf("slices %v and %v share ledger keys", got[i], got[j])
			}
		}
	}
}

func TestSlicesWithinMonthAreDistinct(t *testing.T) {
	latest := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	all := Slices(2, latest, 28*24*time.Hour-time.Minute, 10*time.Minute)
	if n := len(Distinct(all)); n != len(all) {
		t.Errorf("Distinct dropped %d of %d slices inside a sub-month window", len(all)-n, len(all))
	}
}
