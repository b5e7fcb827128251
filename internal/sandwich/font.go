// Package sandwich builds single-page searchable PDFs: the original scan as
// a background raster with an invisible, size-fitted text layer positioned
// over it from the page's OCR geometry.
package sandwich

import (
	"fmt"
	"os"
	"strings"
	"sync"

	xfont "golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/sfnt"
	"golang.org/x/image/math/fixed"

	"github.com/scan2doc/scan2doc/internal/domain"
)

// Font wraps a parsed TrueType font with the metrics the text layer needs:
// per-rune advances for wrapping and the raw bytes for FontFile2 embedding.
// Safe for concurrent use; sfnt buffers are guarded.
type Font struct {
	sfnt       *sfnt.Font
	data       []byte
	name       string
	unitsPerEm float64

	ascent  float64 // 1000-unit text space
	descent float64
	bbox    [4]float64

	mu       sync.Mutex
	buf      sfnt.Buffer
	glyphs   map[rune]sfnt.GlyphIndex
	advances map[rune]float64 // 1000-unit text space
}

// LoadFont reads and parses a TrueType/OpenType file.
func LoadFont(path string) (*Font, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.IOError(fmt.Sprintf("Failed to read font %s", path), err)
	}
	return parseFont(path, data)
}

// DefaultFont parses the bundled Go Regular face, used whenever no configured
// font loads.
func DefaultFont() (*Font, error) {
	return parseFont("GoRegular", goregular.TTF)
}

func parseFont(name string, data []byte) (*Font, error) {
	f, err := sfnt.Parse(data)
	if err != nil {
		return nil, domain.ValidationError("Failed to parse font", err)
	}
	upem := f.UnitsPerEm()
	if upem == 0 {
		return nil, domain.ValidationError("font has invalid unitsPerEm", nil)
	}

	font := &Font{
		sfnt:       f,
		data:       data,
		name:       name,
		unitsPerEm: float64(upem),
		glyphs:     make(map[rune]sfnt.GlyphIndex),
		advances:   make(map[rune]float64),
	}

	// Metrics at the font's own em size give values in font units directly.
	ppem := fixed.Int26_6(upem << 6)
	if ps, _ := f.Name(&font.buf, sfnt.NameIDPostScript); ps != "" {
		font.name = strings.ReplaceAll(ps, " ", "")
	}
	metrics, err := f.Metrics(&font.buf, ppem, xfont.HintingNone)
	if err != nil {
		return nil, domain.ValidationError("Failed to read font metrics", err)
	}
	font.ascent = font.scaleFixed(metrics.Ascent)
	font.descent = -font.scaleFixed(metrics.Descent)
	bounds, err := f.Bounds(&font.buf, ppem, xfont.HintingNone)
	if err == nil {
		font.bbox = [4]float64{
			font.scaleFixed(bounds.Min.X),
			-font.scaleFixed(bounds.Max.Y),
			font.scaleFixed(bounds.Max.X),
			-font.scaleFixed(bounds.Min.Y),
		}
	}
	return font, nil
}

// scaleFixed converts a 26.6 value in font units to 1000-unit text space.
func (f *Font) scaleFixed(v fixed.Int26_6) float64 {
	return float64(v) * 1000.0 / (64.0 * f.unitsPerEm)
}

// Name returns the PostScript name used as the PDF BaseFont.
func (f *Font) Name() string { return f.name }

// Data returns the raw font bytes for FontFile2 embedding.
func (f *Font) Data() []byte { return f.data }

// GlyphIndex maps a rune to its glyph id; unmapped runes fall back to the
// .notdef glyph.
func (f *Font) GlyphIndex(r rune) uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint16(f.glyphIndexLocked(r))
}

func (f *Font) glyphIndexLocked(r rune) sfnt.GlyphIndex {
	if gi, ok := f.glyphs[r]; ok {
		return gi
	}
	gi, err := f.sfnt.GlyphIndex(&f.buf, r)
	if err != nil {
		gi = 0
	}
	f.glyphs[r] = gi
	return gi
}

// advance returns the rune's advance width in 1000-unit text space.
func (f *Font) advance(r rune) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.advances[r]; ok {
		return w
	}
	gi := f.glyphIndexLocked(r)
	ppem := fixed.Int26_6(int32(f.unitsPerEm) << 6)
	adv, err := f.sfnt.GlyphAdvance(&f.buf, gi, ppem, xfont.HintingNone)
	w := 500.0
	if err == nil {
		w = f.scaleFixed(adv)
	}
	f.advances[r] = w
	return w
}

// GlyphAdvance returns a glyph's advance width in 1000-unit text space, for
// the font's W array.
func (f *Font) GlyphAdvance(gi uint16) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ppem := fixed.Int26_6(int32(f.unitsPerEm) << 6)
	adv, err := f.sfnt.GlyphAdvance(&f.buf, sfnt.GlyphIndex(gi), ppem, xfont.HintingNone)
	if err != nil {
		return 500
	}
	return f.scaleFixed(adv)
}

// MeasureString returns the rendered width of s at the given point size.
func (f *Font) MeasureString(s string, size float64) float64 {
	total := 0.0
	for _, r := range s {
		total += f.advance(r)
	}
	return total * size / 1000.0
}
