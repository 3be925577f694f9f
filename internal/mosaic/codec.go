package mosaic

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg" // tile decoder
	"image/png"
	"io"

	"github.com/HugoSmits86/nativewebp"
	_ "golang.org/x/image/webp" // tile and mosaic decoder

	"github.com/withObsrvr/earth-mosaic/internal/tiles"
)

// ErrCorrupt marks a stored mosaic that cannot be decoded or has the wrong size.
var ErrCorrupt = errors.New("corrupt mosaic")

// Codec encodes finished mosaics.
type Codec interface {
	// Ext is the file extension used in object keys.
	Ext() string
	Encode(w io.Writer, img image.Image) error
}

// CodecFor returns the codec for a configured format name.
func CodecFor(format string) (Codec, error) {
	switch format {
	case "", "webp":
		return webpCodec{}, nil
	case "png":
		return pngCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown mosaic format: %s", format)
	}
}

// webpCodec writes lossless WebP.
type webpCodec struct{}

func (webpCodec) Ext() string { return "webp" }

func (webpCodec) Encode(w io.Writer, img image.Image) error {
	return nativewebp.Encode(w, img, &nativewebp.Options{})
}

type pngCodec struct{}

func (pngCodec) Ext() string { return "png" }

func (pngCodec) Encode(w io.Writer, img image.Image) error {
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	return enc.Encode(w, img)
}

// NewCanvas returns an opaque black canvas for a zoom x zoom grid of
// unit-sized fragments.
func NewCanvas(zoom, unit int) *image.RGBA {
	side := zoom * unit
	canvas := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	return canvas
}

// Decode decodes a PNG, JPEG or WebP payload.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

// LoadCanvas decodes a stored mosaic into a mutable canvas. Undecodable data
// or unexpected dimensions yield ErrCorrupt.
func LoadCanvas(data []byte, zoom, unit int) (*image.RGBA, error) {
	img, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	side := zoom * unit
	if b := img.Bounds(); b.Dx() != side || b.Dy() != side {
		return nil, fmt.Errorf("%w: size %dx%d, want %dx%d", ErrCorrupt, b.Dx(), b.Dy(), side, side)
	}

	canvas := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.Draw(canvas, canvas.Bounds(), img, img.Bounds().Min, draw.Src)
	return canvas, nil
}

// Paste draws tile with its top-left corner at the cell's origin.
func Paste(canvas draw.Image, tile image.Image, c tiles.Cell, unit int) {
	origin := image.Pt(c.Col*unit, c.Row*unit)
	r := image.Rectangle{Min: origin, Max: origin.Add(tile.Bounds().Size())}
	draw.Draw(canvas, r, tile, tile.Bounds().Min, draw.Src)
}
