package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/withObsrvr/earth-mosaic/internal/tiles"
)

type stubGetter struct {
	body []byte
	err  error
	urls []string
}

func (g *stubGetter) Fetch(_ context.Context, url string) ([]byte, error) {
	g.urls = append(g.urls, url)
	return g.body, g.err
}

func TestTileURL(t *testing.T) {
	slice := tiles.NewSlice(2, time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC))
	cell := tiles.Cell{Col: 1, Row: 0}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "positional",
			cfg:  Config{Host: "https://meta", TileHost: "https://tiles", Template: "/img/{}d/550/{}_{}_{}.png"},
			want: "https://tiles/img/2d/550/2024/01/01/001000_1_0.png",
		},
		{
			name: "named",
			cfg:  Config{Host: "https://meta", Template: "/{zoom}/{time}/{col}-{row}.png"},
			want: "https://meta/2/2024/01/01/001000/1-0.png",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := New(tt.cfg, nil).TileURL(slice, cell)
			if got != tt.want {
				t.Errorf("TileURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLatest(t *testing.T) {
	g := &stubGetter{body: []byte(`{"date": "2024-01-01 00:10:00", "file": "x"}`)}
	p := New(Config{Host: "https://meta", MetadataPath: "/latest.json"}, g)

	got, err := p.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	want := time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC)
	if !got.Equal(want) || got.Location() != time.UTC {
		t.Errorf("Latest = %v, want %v", got, want)
	}
	if len(g.urls) != 1 || g.urls[0] != "https://meta/latest.json" {
		t.Errorf("fetched %v", g.urls)
	}
}

func TestLatestInvalid(t *testing.T) {
	for _, body := range []string{`not json`, `{}`, `{"date": "yesterday"}`} {
		p := New(Config{}, &stubGetter{body: []byte(body)})
		if _, err := p.Latest(context.Background()); !errors.Is(err, ErrInvalidMetadata) {
			t.Errorf("body %q: error = %v, want ErrInvalidMetadata", body, err)
		}
	}
}

func TestLatestFetchError(t *testing.T) {
	boom := errors.New("boom")
	p := New(Config{}, &stubGetter{err: boom})
	_, err := p.Latest(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapped boom", err)
	}
}
