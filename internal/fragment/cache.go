package fragment

import (
	"context"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/withObsrvr/earth-mosaic/internal/storage"
	"github.com/withObsrvr/earth-mosaic/internal/tiles"
)

// Cache keeps raw fragment payloads, zstd-framed, next to the mosaics so a
// lost mosaic can be rebuilt without refetching fragments the ledger already
// counts as done.
type Cache struct {
	store storage.Store
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// NewCache wraps store.
func NewCache(store storage.Store) (*Cache, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Cache{store: store, enc: enc, dec: dec}, nil
}

// Put stores the payload of cell c.
func (c *Cache) Put(ctx context.Context, s tiles.TimeSlice, cell tiles.Cell, data []byte) error {
	return c.store.Write(ctx, s.CacheKey(cell), c.enc.EncodeAll(data, nil))
}

// Get returns the payload of cell c. A missing entry yields storage.ErrNotFound.
func (c *Cache) Get(ctx context.Context, s tiles.TimeSlice, cell tiles.Cell) ([]byte, error) {
	key := s.CacheKey(cell)
	raw, err := c.store.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := c.dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("decode cached fragment %s: %w", key, err)
	}
	return data, nil
}

// Close releases the codec state. The underlying store is left open.
func (c *Cache) Close() error {
	c.dec.Close()
	return c.enc.Close()
}
