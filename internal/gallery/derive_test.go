package gallery

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func solid(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("jpeg encode: %v", err)
	}
	return buf.Bytes()
}

// withOrientation splices a minimal EXIF APP1 segment carrying the given
// orientation into a JPEG.
func withOrientation(jpg []byte, orientation byte) []byte {
	tiffData := []byte{
		'I', 'I', 0x2A, 0x00, 0x08, 0x00, 0x00, 0x00,
		0x01, 0x00,
		0x12, 0x01, 0x03, 0x00, 0x01, 0x00, 0x00, 0x00, orientation, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}
	payload := append([]byte("Exif\x00\x00"), tiffData...)
	n := len(payload) + 2
	out := []byte{0xFF, 0xD8, 0xFF, 0xE1, byte(n >> 8), byte(n)}
	out = append(out, payload...)
	return append(out, jpg[2:]...)
}

func decodeSize(t *testing.T, data []byte) (int, int) {
	t.Helper()
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	return cfg.Width, cfg.Height
}

func TestResizeDimensions(t *testing.T) {
	wide := encodePNG(t, solid(400, 200, color.NRGBA{R: 200, A: 255}))
	small := encodePNG(t, solid(50, 40, color.NRGBA{G: 200, A: 255}))

	tests := []struct {
		name         string
		src          []byte
		opts         Options
		wantW, wantH int
	}{
		{"fits bounding box", wide, Options{Width: 200, Height: 200, KeepAspect: true, Format: "png"}, 200, 100},
		{"height bound", wide, Options{Width: 400, Height: 50, KeepAspect: true, Format: "jpeg"}, 100, 50},
		{"never upscales", small, Options{Width: 200, Height: 200, KeepAspect: true, Format: "png"}, 50, 40},
		{"exact size without aspect", wide, Options{Width: 120, Height: 80, Format: "gif"}, 120, 80},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Resize(tt.src, tt.opts)
			if err != nil {
				t.Fatalf("Resize: %v", err)
			}
			w, h := decodeSize(t, out)
			if w != tt.wantW || h != tt.wantH {
				t.Errorf("got %dx%d, want %dx%d", w, h, tt.wantW, tt.wantH)
			}
		})
	}
}

func TestResizeIsDeterministic(t *testing.T) {
	src := encodePNG(t, solid(300, 180, color.NRGBA{R: 10, G: 120, B: 240, A: 255}))
	opts := Options{Width: 200, Height: 200, KeepAspect: true, Format: "jpeg", Quality: 75}
	a, err := Resize(src, opts)
	if err != nil {
		t.Fatalf("Resize: %v", err)
	}
	b, err := Resize(src, opts)
	if err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("identical input and options produced different bytes")
	}
}

func TestTransparentToJPEGUsesWhiteBackground(t *testing.T) {
	src := encodePNG(t, solid(20, 20, color.NRGBA{}))
	out, err := Resize(src, Options{Width: 10, Height: 10, KeepAspect: true, Format: "jpeg"})
	if err != nil {
		t.Fatalf("Resize: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	r, g, b, _ := img.At(5, 5).RGBA()
	if r>>8 < 245 || g>>8 < 245 || b>>8 < 245 {
		t.Errorf("pixel = (%d,%d,%d), want white", r>>8, g>>8, b>>8)
	}
}

func TestResizeAppliesOrientation(t *testing.T) {
	src := withOrientation(encodeJPEG(t, solid(40, 20, color.NRGBA{B: 255, A: 255})), 6)

	if got := Orientation(src); got != 6 {
		t.Fatalf("Orientation = %d, want 6", got)
	}
	out, err := Resize(src, Options{Width: 100, Height: 100, KeepAspect: true, Format: "png"})
	if err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if w, h := decodeSize(t, out); w != 20 || h != 40 {
		t.Errorf("got %dx%d, want 20x40", w, h)
	}

	info, err := Inspect(src)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.Width != 20 || info.Height != 40 || info.Format != "jpeg" || info.Orientation != 6 {
		t.Errorf("Inspect = %+v", info)
	}
}

func TestResizeErrors(t *testing.T) {
	src := encodePNG(t, solid(10, 10, color.White))
	tests := []struct {
		name string
		data []byte
		opts Options
	}{
		{"corrupt input", []byte("definitely not an image"), Options{Width: 10, Height: 10, Format: "jpeg"}},
		{"truncated input", src[:len(src)/2], Options{Width: 10, Height: 10, Format: "jpeg"}},
		{"unsupported output", src, Options{Width: 10, Height: 10, Format: "webp"}},
		{"zero size", src, Options{Width: 0, Height: 10}},
		{"oversized", src, Options{Width: MaxDimension + 1, Height: 10}},
		{"declared dimensions too large", hugePNG(t, 60000, 60000), Options{Width: 10, Height: 10, Format: "jpeg"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resize(tt.data, tt.opts)
			var de *DerivationError
			if !errors.As(err, &de) {
				t.Fatalf("got %v, want DerivationError", err)
			}
		})
	}
}

func TestInspectWithoutExif(t *testing.T) {
	info, err := Inspect(encodePNG(t, solid(30, 10, color.White)))
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.Width != 30 || info.Height != 10 || info.Format != "png" || info.Orientation != 1 {
		t.Errorf("Inspect = %+v", info)
	}
	if _, err := Inspect([]byte("nope")); err == nil {
		t.Error("expected error for non-image")
	}
}

// hugePNG returns a tiny PNG whose header claims w x h pixels.
func hugePNG(t *testing.T, w, h uint32) []byte {
	t.Helper()
	data := encodePNG(t, solid(1, 1, color.White))
	// 8-byte signature, then the IHDR chunk: length, type, width, height.
	binary.BigEndian.PutUint32(data[16:], w)
	binary.BigEndian.PutUint32(data[20:], h)
	binary.BigEndian.PutUint32(data[29:], crc32.ChecksumIEEE(data[12:29]))
	return data
}

func TestInspectRejectsTooManyPixels(t *testing.T) {
	data := hugePNG(t, 60000, 60000)
	if len(data) > 100 {
		t.Fatalf("fixture is %d bytes, want a tiny file", len(data))
	}
	_, err := Inspect(data)
	var de *DerivationError
	if !errors.As(err, &de) {
		t.Fatalf("got %v, want DerivationError", err)
	}

	old := MaxPixels
	MaxPixels = 60000 * 60000
	defer func() { MaxPixels = old }()
	info, err := Inspect(data)
	if err != nil {
		t.Fatalf("header within the limit: %v", err)
	}
	if info.Width != 60000 || info.Height != 60000 {
		t.Errorf("Inspect = %+v", info)
	}
}
