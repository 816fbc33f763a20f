package gallery

import (
	"bytes"
	"fmt"
	"image"

	"github.com/rwcarlsen/goexif/exif"
)

// MaxPixels bounds width*height of any image this package will accept or
// decode. A small file can declare dimensions whose decoded buffer would
// exhaust memory. Set it before serving.
var MaxPixels int64 = 50_000_000

// ImageInfo describes an uploaded image as it will be displayed.
type ImageInfo struct {
	Width       int
	Height      int
	Format      string
	Orientation int
}

// decodeConfig reads the image header and enforces MaxPixels.
func decodeConfig(op string, data []byte) (image.Config, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return cfg, "", &DerivationError{Op: op, Err: err}
	}
	if px := int64(cfg.Width) * int64(cfg.Height); px > MaxPixels {
		return cfg, "", &DerivationError{Op: op, Err: fmt.Errorf("%dx%d exceeds %d pixels", cfg.Width, cfg.Height, MaxPixels)}
	}
	return cfg, format, nil
}

// Orientation returns the EXIF orientation of data, or 1 when there is no
// usable EXIF block.
func Orientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	return orientationOf(x)
}

func orientationOf(x *exif.Exif) int {
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

// Inspect reads dimensions and EXIF orientation without decoding pixels.
// Width and height are reported after orientation is applied. Images
// larger than MaxPixels are rejected.
func Inspect(data []byte) (*ImageInfo, error) {
	cfg, format, err := decodeConfig("inspect", data)
	if err != nil {
		return nil, err
	}
	info := &ImageInfo{Width: cfg.Width, Height: cfg.Height, Format: format, Orientation: Orientation(data)}
	if info.Orientation >= 5 {
		info.Width, info.Height = info.Height, info.Width
	}
	return info, nil
}
