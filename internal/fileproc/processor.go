// Package fileproc normalizes receipt artifacts into a canonical raster
// image. Type detection is by magic bytes, never by filename; PDFs are
// rasterized first-page-only at 300 DPI; oversized images are downscaled.
package fileproc

import (
	"bytes"
	"fmt"
	"image"

	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/go-fitz"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"receiptwise/internal/receipt"
)

// Size policy. The CLI may screen with a tighter user-facing limit; the core
// recomputes against these bounds regardless.
const (
	MinBytes = 100
	MaxBytes = 50 << 20 // 50 MiB
)

// MaxDimension is the largest side length passed to the vision model.
// Images exceeding it are downscaled preserving aspect ratio.
const MaxDimension = 2048

const pdfRasterDPI = 300

// Kind identifies the detected artifact type.
type Kind string

const (
	KindJPEG Kind = "jpeg"
	KindPNG  Kind = "png"
	KindGIF  Kind = "gif"
	KindBMP  Kind = "bmp"
	KindWebP Kind = "webp"
	KindPDF  Kind = "pdf"
)

// Detect identifies the content type from magic bytes. Unknown signatures
// return ErrUnsupportedFormat.
func Detect(content []byte) (Kind, error) {
	switch {
	case len(content) >= 3 && bytes.Equal(content[:3], []byte{0xFF, 0xD8, 0xFF}):
		return KindJPEG, nil
	case len(content) >= 8 && bytes.Equal(content[:8], []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}):
		return KindPNG, nil
	case len(content) >= 6 && (bytes.Equal(content[:6], []byte("GIF87a")) || bytes.Equal(content[:6], []byte("GIF89a"))):
		return KindGIF, nil
	case len(content) >= 2 && bytes.Equal(content[:2], []byte("BM")):
		return KindBMP, nil
	case len(content) >= 12 && bytes.Equal(content[:4], []byte("RIFF")) && bytes.Equal(content[8:12], []byte("WEBP")):
		return KindWebP, nil
	case len(content) >= 5 && bytes.Equal(content[:5], []byte("%PDF-")):
		return KindPDF, nil
	default:
		return "", fmt.Errorf("unrecognized magic bytes: %w", receipt.ErrUnsupportedFormat)
	}
}

// Process validates and normalizes an artifact. The returned CanonicalImage
// is always a decodable raster suitable as vision-model input.
func Process(content []byte) (*receipt.CanonicalImage, error) {
	if len(content) < MinBytes {
		return nil, fmt.Errorf("%d bytes is below the %d byte minimum: %w", len(content), MinBytes, receipt.ErrInvalidSize)
	}
	if len(content) > MaxBytes {
		return nil, fmt.Errorf("%d bytes exceeds the %d byte maximum: %w", len(content), MaxBytes, receipt.ErrInvalidSize)
	}

	kind, err := Detect(content)
	if err != nil {
		return nil, err
	}

	if kind == KindPDF {
		return rasterizePDF(content)
	}
	return normalizeImage(content, kind)
}

// rasterizePDF renders the first page to PNG at 300 DPI. Multi-page documents
// are first-page-only by contract.
func rasterizePDF(content []byte) (*receipt.CanonicalImage, error) {
	doc, err := fitz.NewFromMemory(content)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %v: %w", err, receipt.ErrCorruptedFile)
	}
	defer doc.Close()

	if doc.NumPage() == 0 {
		return nil, fmt.Errorf("pdf has zero pages: %w", receipt.ErrCorruptedFile)
	}

	img, err := doc.ImageDPI(0, pdfRasterDPI)
	if err != nil {
		return nil, fmt.Errorf("rasterize pdf page 1: %v: %w", err, receipt.ErrCorruptedFile)
	}

	scaled := downscale(img)

	var buf bytes.Buffer
	if err := png.Encode(&buf, scaled); err != nil {
		return nil, fmt.Errorf("encode rasterized page: %w", err)
	}
	b := scaled.Bounds()
	return &receipt.CanonicalImage{
		Bytes:      buf.Bytes(),
		Width:      b.Dx(),
		Height:     b.Dy(),
		SourceKind: string(KindPDF),
		MIMEType:   "image/png",
	}, nil
}

// normalizeImage decodes, downscales when a dimension exceeds MaxDimension,
// and re-encodes only if it downscaled. EXIF is preserved on the pass-through
// path; stripping it is a future enhancement.
func normalizeImage(content []byte, kind Kind) (*receipt.CanonicalImage, error) {
	img, _, err := image.Decode(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %v: %w", kind, err, receipt.ErrCorruptedFile)
	}

	b := img.Bounds()
	if b.Dx() <= MaxDimension && b.Dy() <= MaxDimension {
		return &receipt.CanonicalImage{
			Bytes:      content,
			Width:      b.Dx(),
			Height:     b.Dy(),
			SourceKind: string(kind),
			MIMEType:   mimeFor(kind),
		}, nil
	}

	img = downscale(img)

	format, mime := imaging.PNG, "image/png"
	if kind == KindJPEG {
		format, mime = imaging.JPEG, "image/jpeg"
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format); err != nil {
		return nil, fmt.Errorf("re-encode downscaled image: %w", err)
	}
	nb := img.Bounds()
	return &receipt.CanonicalImage{
		Bytes:      buf.Bytes(),
		Width:      nb.Dx(),
		Height:     nb.Dy(),
		SourceKind: string(kind),
		MIMEType:   mime,
	}, nil
}

func mimeFor(kind Kind) string {
	switch kind {
	case KindJPEG:
		return "image/jpeg"
	case KindPNG:
		return "image/png"
	case KindGIF:
		return "image/gif"
	case KindBMP:
		return "image/bmp"
	case KindWebP:
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// downscale fits the image inside MaxDimension x MaxDimension preserving
// aspect ratio with Lanczos resampling. Smaller images pass through.
func downscale(img image.Image) image.Image {
	b := img.Bounds()
	if b.Dx() <= MaxDimension && b.Dy() <= MaxDimension {
		return img
	}
	return imaging.Fit(img, MaxDimension, MaxDimension, imaging.Lanczos)
}
