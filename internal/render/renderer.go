// Package render rasterizes PDF pages into page images. The Renderer
// interface isolates the go-fitz binding so the host pipeline can be tested
// with a fake; the production implementation opens the document per call so
// a cancelled or superseded task never pins a MuPDF handle.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/gen2brain/go-fitz"
	xdraw "golang.org/x/image/draw"

	"github.com/scan2doc/scan2doc/internal/domain"
)

// Options controls rasterization output.
type Options struct {
	// Scale multiplies the PDF's native 72 DPI.
	Scale          float64
	Format         string // jpeg or png
	JPEGQuality    int
	ThumbnailWidth int
}

// Rendered is one rasterized page image.
type Rendered struct {
	Data   []byte
	Width  int
	Height int
	MIME   string
}

// Renderer rasterizes pages of a PDF held in memory.
type Renderer interface {
	// PageCount reports how many pages the PDF contains.
	PageCount(data []byte) (int, error)

	// RenderPage rasterizes the 1-based page pageNum.
	RenderPage(data []byte, pageNum int, opts Options) (*Rendered, error)
}

// FitzRenderer renders through MuPDF via go-fitz.
type FitzRenderer struct{}

// PageCount opens the document just long enough to count pages.
func (FitzRenderer) PageCount(data []byte) (int, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return 0, domain.ConversionError("Failed to open PDF", err)
	}
	defer doc.Close()

	n := doc.NumPage()
	if n == 0 {
		return 0, domain.ValidationError("PDF has no pages", nil)
	}
	return n, nil
}

// RenderPage opens the document, rasterizes one page and closes it again.
// Opening per page costs a little parsing time but keeps memory flat and
// makes every render task independent of its siblings.
func (FitzRenderer) RenderPage(data []byte, pageNum int, opts Options) (*Rendered, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, domain.ConversionError("Failed to open PDF", err)
	}
	defer doc.Close()

	if pageNum < 1 || pageNum > doc.NumPage() {
		return nil, domain.ValidationError(fmt.Sprintf("page %d out of range", pageNum), nil)
	}

	img, err := doc.ImageDPI(pageNum-1, 72*opts.Scale)
	if err != nil {
		return nil, domain.ConversionError(fmt.Sprintf("Failed to render page %d", pageNum), err)
	}

	encoded, mime, err := encodeImage(img, opts.Format, opts.JPEGQuality)
	if err != nil {
		return nil, domain.ConversionError(fmt.Sprintf("Failed to encode page %d", pageNum), err)
	}

	bounds := img.Bounds()
	return &Rendered{
		Data:   encoded,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		MIME:   mime,
	}, nil
}

func encodeImage(img image.Image, format string, quality int) ([]byte, string, error) {
	var buf bytes.Buffer
	switch format {
	case "png":
		if err := png.Encode(&buf, img); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "image/png", nil
	default:
		if quality <= 0 || quality > 100 {
			quality = 85
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "image/jpeg", nil
	}
}

// Thumbnail downscales an encoded page image to the given pixel width,
// preserving aspect ratio. The result is always JPEG.
func Thumbnail(data []byte, width int) ([]byte, error) {
	if width <= 0 {
		width = 256
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, domain.ConversionError("Failed to decode page image", err)
	}

	b := src.Bounds()
	if b.Dx() <= width {
		// Already small enough; re-encode as JPEG and keep it.
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: 80}); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	height := b.Dy() * width / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, xdraw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 80}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
