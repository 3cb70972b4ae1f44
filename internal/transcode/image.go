package transcode

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"os"
	"strings"

	"github.com/nfnt/resize"
)

// formatName canonicalises format names to PNG/JPEG.
func formatName(f string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(f)) {
	case "", "PNG":
		return "PNG", nil
	case "JPEG", "JPG":
		return "JPEG", nil
	}
	return "", fmt.Errorf("unsupported image format: %q", f)
}

// decodeFile reads and decodes a source image.
func decodeFile(path string) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	img, format, err := image.Decode(f)
	if err != nil {
		return nil, "", fmt.Errorf("decode %s: %w", path, err)
	}
	name, err := formatName(format)
	if err != nil {
		// Decoded via some other registered codec; treat as PNG source.
		name = "PNG"
	}
	return img, name, nil
}

// encode renders img at the given dimensions in the given format and
// returns the encoded bytes. Dimensions equal to the source skip the
// resize. JPEG flattens transparency onto black.
func encode(img image.Image, width, height int, format string, quality int) ([]byte, error) {
	b := img.Bounds()
	if width <= 0 {
		width = b.Dx()
	}
	if height <= 0 {
		height = b.Dy()
	}
	out := img
	if width != b.Dx() || height != b.Dy() {
		out = resize.Resize(uint(width), uint(height), img, resize.Lanczos3)
	}

	var buf bytes.Buffer
	switch format {
	case "PNG":
		if err := png.Encode(&buf, out); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case "JPEG":
		flat := flatten(out)
		if quality <= 0 || quality > 100 {
			quality = 90
		}
		if err := jpeg.Encode(&buf, flat, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported image format: %q", format)
	}
	return buf.Bytes(), nil
}

// flatten composes an image over a black background, dropping alpha.
func flatten(img image.Image) image.Image {
	if opaque, ok := img.(interface{ Opaque() bool }); ok && opaque.Opaque() {
		return img
	}
	b := img.Bounds()
	flat := image.NewRGBA(b)
	draw.Draw(flat, b, image.NewUniform(color.Black), image.Point{}, draw.Src)
	draw.Draw(flat, b, img, b.Min, draw.Over)
	return flat
}
