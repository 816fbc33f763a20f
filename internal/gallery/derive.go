// Package gallery derives resized renditions of uploaded images and
// prewarms them in the background.
package gallery

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/wpic/wpic/internal/metrics"
)

// MaxDimension bounds either side of a requested rendition.
const MaxDimension = 4096

// DefaultQuality applies when Options.Quality is out of range.
const DefaultQuality = 85

// DerivationError reports that no rendition could be produced. Callers
// treat it as "no derivative available".
type DerivationError struct {
	Op  string
	Err error
}

func (e *DerivationError) Error() string {
	return fmt.Sprintf("derive image: %s: %v", e.Op, e.Err)
}

func (e *DerivationError) Unwrap() error { return e.Err }

// Options describes a rendition.
type Options struct {
	Width      int
	Height     int
	KeepAspect bool   // fit inside Width x Height without upscaling
	Format     string // jpeg, png or gif
	Quality    int    // 1-100, jpeg only
}

var outputFormats = map[string]imaging.Format{
	"jpeg": imaging.JPEG,
	"jpg":  imaging.JPEG,
	"png":  imaging.PNG,
	"gif":  imaging.GIF,
}

// NormalizeFormat maps a requested format name to its canonical form.
func NormalizeFormat(format string) (string, bool) {
	f := strings.ToLower(strings.TrimSpace(format))
	if f == "" || f == "jpg" {
		f = "jpeg"
	}
	_, ok := outputFormats[f]
	return f, ok
}

// Normalize validates o and fills defaults.
func (o Options) Normalize() (Options, error) {
	if o.Width <= 0 || o.Height <= 0 || o.Width > MaxDimension || o.Height > MaxDimension {
		return o, &DerivationError{Op: "options", Err: fmt.Errorf("size %dx%d out of range", o.Width, o.Height)}
	}
	f, ok := NormalizeFormat(o.Format)
	if !ok {
		return o, &DerivationError{Op: "options", Err: fmt.Errorf("unsupported output format %q", o.Format)}
	}
	o.Format = f
	if o.Quality < 1 || o.Quality > 100 {
		o.Quality = DefaultQuality
	}
	return o, nil
}

// Resize decodes data, applies its EXIF orientation, scales it and
// encodes it in the requested format. Identical input and options produce
// identical bytes.
func Resize(data []byte, opts Options) ([]byte, error) {
	start := time.Now()
	out, err := resize(data, opts)
	metrics.RecordDerivation("resize", err == nil, time.Since(start))
	return out, err
}

func resize(data []byte, opts Options) ([]byte, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	if _, _, err := decodeConfig("decode", data); err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DerivationError{Op: "decode", Err: err}
	}
	img = applyOrientation(img, Orientation(data))

	var scaled *image.NRGBA
	if opts.KeepAspect {
		scaled = imaging.Fit(img, opts.Width, opts.Height, imaging.Lanczos)
	} else {
		scaled = imaging.Resize(img, opts.Width, opts.Height, imaging.Lanczos)
	}

	format := outputFormats[opts.Format]
	if format == imaging.JPEG && !scaled.Opaque() {
		scaled = flatten(scaled)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, scaled, format, imaging.JPEGQuality(opts.Quality)); err != nil {
		return nil, &DerivationError{Op: "encode", Err: err}
	}
	return buf.Bytes(), nil
}

// flatten composites img onto an opaque white background.
func flatten(img *image.NRGBA) *image.NRGBA {
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

// applyOrientation transforms an image according to EXIF orientation value.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}
