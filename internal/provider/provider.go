// Package provider knows the imagery service's URL layout and its
// "latest available image" metadata endpoint.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/withObsrvr/earth-mosaic/internal/tiles"
)

// ErrInvalidMetadata is returned when the metadata document is missing the
// date or carries one that cannot be parsed.
var ErrInvalidMetadata = errors.New("invalid provider metadata")

const (
	metadataLayout = "2006-01-02 15:04:05"
	tileTimeLayout = "2006/01/02/150405"
)

// Getter fetches a URL. *fetch.Fetcher satisfies it.
type Getter interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Config describes the service endpoints.
type Config struct {
	Host         string // metadata host, also used for tiles when TileHost is empty
	TileHost     string
	Template     string // tile path template, positional {} or named {zoom} {time} {col} {row}
	MetadataPath string
}

// Provider builds tile URLs and queries the latest timestamp.
type Provider struct {
	cfg    Config
	getter Getter
}

// New creates a Provider.
func New(cfg Config, getter Getter) *Provider {
	return &Provider{cfg: cfg, getter: getter}
}

// TileURL returns the URL of one cell of slice s.
func (p *Provider) TileURL(s tiles.TimeSlice, c tiles.Cell) string {
	host := p.cfg.TileHost
	if host == "" {
		host = p.cfg.Host
	}
	return host + expand(p.cfg.Template,
		strconv.Itoa(s.Zoom),
		s.Time.UTC().Format(tileTimeLayout),
		strconv.Itoa(c.Col),
		strconv.Itoa(c.Row),
	)
}

// expand fills a template. Positional {} placeholders take zoom, time, col
// and row in that order.
func expand(tmpl, zoom, ts, col, row string) string {
	named := strings.NewReplacer(
		"{zoom}", zoom,
		"{time}", ts,
		"{col}", col,
		"{row}", row,
	)
	tmpl = named.Replace(tmpl)

	args := []string{zoom, ts, col, row}
	var b strings.Builder
	next := 0
	for {
		i := strings.Index(tmpl, "{}")
		if i < 0 || next >= len(args) {
			b.WriteString(tmpl)
			return b.String()
		}
		b.WriteString(tmpl[:i])
		b.WriteString(args[next])
		next++
		tmpl = tmpl[i+2:]
	}
}

type metadata struct {
	Date string `json:"date"`
}

// Latest returns the newest timestamp the service reports, in UTC.
func (p *Provider) Latest(ctx context.Context) (time.Time, error) {
	url := p.cfg.Host + p.cfg.MetadataPath
	body, err := p.getter.Fetch(ctx, url)
	if err != nil {
		return time.Time{}, fmt.Errorf("query latest: %w", err)
	}

	var md metadata
	if err := json.Unmarshal(body, &md); err != nil {
		return time.Time{}, fmt.Errorf("%w: decode %s: %v", ErrInvalidMetadata, url, err)
	}
	if md.Date == "" {
		return time.Time{}, fmt.Errorf("%w: no date in %s", ErrInvalidMetadata, url)
	}

	t, err := time.ParseInLocation(metadataLayout, md.Date, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q: %v", ErrInvalidMetadata, md.Date, err)
	}
	return t, nil
}
