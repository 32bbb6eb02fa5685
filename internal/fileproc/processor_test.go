package fileproc

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"receiptwise/internal/receipt"
)

func TestDetectByMagicBytes(t *testing.T) {
	cases := []struct {
		name    string
		content []byte
		want    Kind
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00}, KindJPEG},
		{"png", []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n', 0x00}, KindPNG},
		{"gif87a", []byte("GIF87a trailing"), KindGIF},
		{"gif89a", []byte("GIF89a trailing"), KindGIF},
		{"bmp", []byte("BM\x00\x00\x00\x00"), KindBMP},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), KindWebP},
		{"pdf", []byte("%PDF-1.7\n"), KindPDF},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Detect(tc.content)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDetectUnknownFormat(t *testing.T) {
	_, err := Detect([]byte("MZ executable header"))
	assert.ErrorIs(t, err, receipt.ErrUnsupportedFormat)
}

func TestDetectIgnoresExtensionSpoofing(t *testing.T) {
	// Content rules regardless of what the filename claimed upstream.
	got, err := Detect([]byte("%PDF-1.4 pretending to be photo.jpg"))
	require.NoError(t, err)
	assert.Equal(t, KindPDF, got)
}

func TestProcessRejectsTooSmall(t *testing.T) {
	_, err := Process([]byte{0xFF, 0xD8, 0xFF})
	assert.ErrorIs(t, err, receipt.ErrInvalidSize)
}

func TestProcessRejectsTooLarge(t *testing.T) {
	big := make([]byte, MaxBytes+1)
	copy(big, []byte{0xFF, 0xD8, 0xFF})
	_, err := Process(big)
	assert.ErrorIs(t, err, receipt.ErrInvalidSize)
}

func TestProcessRejectsTruncatedImage(t *testing.T) {
	// Valid PNG signature, garbage body, and enough padding to pass the size
	// floor.
	content := append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}, make([]byte, 200)...)
	_, err := Process(content)
	assert.ErrorIs(t, err, receipt.ErrCorruptedFile)
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 7 {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestProcessPassThroughSmallImage(t *testing.T) {
	content := encodePNG(t, 400, 300)
	img, err := Process(content)
	require.NoError(t, err)
	assert.Equal(t, 400, img.Width)
	assert.Equal(t, 300, img.Height)
	assert.Equal(t, string(KindPNG), img.SourceKind)
	assert.Equal(t, "image/png", img.MIMEType)
	// No downscale needed, so the original bytes pass through untouched.
	assert.True(t, bytes.Equal(content, img.Bytes))
}

func TestProcessDownscalesOversizedImage(t *testing.T) {
	content := encodePNG(t, MaxDimension+1000, 200)
	img, err := Process(content)
	require.NoError(t, err)
	assert.LessOrEqual(t, img.Width, MaxDimension)
	assert.LessOrEqual(t, img.Height, MaxDimension)
	// Aspect ratio survives within a pixel of rounding.
	wantH := 200 * img.Width / (MaxDimension + 1000)
	assert.InDelta(t, wantH, img.Height, 1)
}

func TestProcessCorruptPDF(t *testing.T) {
	content := append([]byte("%PDF-1.7\n"), make([]byte, 200)...)
	_, err := Process(content)
	require.Error(t, err)
	assert.True(t, errors.Is(err, receipt.ErrCorruptedFile))
}
