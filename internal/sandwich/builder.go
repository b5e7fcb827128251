package sandwich

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"image/color"
	"image/jpeg"
	"image/png"
	"sort"
	"strings"

	"github.com/scan2doc/scan2doc/internal/domain"
	"github.com/scan2doc/scan2doc/internal/layout"
	"github.com/scan2doc/scan2doc/internal/observability"
)

// Options configures the sandwich builder.
type Options struct {
	// ScanDPI ties the image's pixel dimensions to a physical page size.
	ScanDPI float64
	// FontPath names a TrueType file able to render the OCR script (e.g. a
	// CJK face). Empty or unloadable paths fall back to the built-in font.
	FontPath string
	// Debug draws the text layer visibly for inspection. Production builds
	// keep it in invisible render mode.
	Debug bool
}

// Builder produces single-page sandwich PDFs: the scan as a full-page raster
// with a positioned, size-fitted text layer over it.
type Builder struct {
	font *Font
	opts Options
	log  *observability.Logger
}

// NewBuilder loads the text-layer font once; one builder serves all pages.
func NewBuilder(opts Options, log *observability.Logger) (*Builder, error) {
	if opts.ScanDPI <= 0 {
		opts.ScanDPI = 150
	}
	log = log.WithComponent("sandwich")

	var font *Font
	if opts.FontPath != "" {
		f, err := LoadFont(opts.FontPath)
		if err != nil {
			log.Warn().Err(err).Str("path", opts.FontPath).Msg("configured font failed to load, using built-in")
		} else {
			font = f
		}
	}
	if font == nil {
		f, err := DefaultFont()
		if err != nil {
			return nil, err
		}
		font = f
	}

	return &Builder{font: font, opts: opts, log: log}, nil
}

// Build assembles the PDF for one page: image background plus the OCR text
// layer. An image with no recognizable text still embeds correctly, just
// with zero text draws.
func (b *Builder) Build(imageData []byte, res *domain.OCRResult) ([]byte, error) {
	raster, err := decodeRaster(imageData)
	if err != nil {
		return nil, err
	}

	pageW := float64(raster.width) / b.opts.ScanDPI * 72.0
	pageH := float64(raster.height) / b.opts.ScanDPI * 72.0

	dims := res.ImageDims
	if dims.W == 0 || dims.H == 0 {
		dims = domain.ImageDims{W: raster.width, H: raster.height}
	}

	blocks := layout.RepairTables(layout.Parse(res.RawText, res.Boxes, dims))
	scale := pageW / float64(dims.W)

	content, used := b.contentStream(blocks, pageW, pageH, scale)
	return b.serialize(raster, content, used, pageW, pageH)
}

// rasterInfo is an image ready for XObject embedding: JPEG passes through as
// a DCTDecode stream, PNG re-encodes to flate-compressed raw RGB.
type rasterInfo struct {
	stream     []byte
	filter     string
	colorSpace string
	width      int
	height     int
}

func decodeRaster(data []byte) (*rasterInfo, error) {
	if cfg, err := jpeg.DecodeConfig(bytes.NewReader(data)); err == nil {
		cs := "DeviceRGB"
		if cfg.ColorModel == color.GrayModel {
			cs = "DeviceGray"
		}
		return &rasterInfo{
			stream:     data,
			filter:     "DCTDecode",
			colorSpace: cs,
			width:      cfg.Width,
			height:     cfg.Height,
		}, nil
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, domain.ValidationError("unsupported image format: only JPEG and PNG are supported", err)
	}

	bounds := img.Bounds()
	raw := make([]byte, 0, bounds.Dx()*bounds.Dy()*3)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			raw = append(raw, byte(r>>8), byte(g>>8), byte(bl>>8))
		}
	}

	var zbuf bytes.Buffer
	zw := zlib.NewWriter(&zbuf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	return &rasterInfo{
		stream:     zbuf.Bytes(),
		filter:     "FlateDecode",
		colorSpace: "DeviceRGB",
		width:      bounds.Dx(),
		height:     bounds.Dy(),
	}, nil
}

// contentStream draws the full-page image, then one invisible text run per
// wrapped line of each text-bearing block. Returns the stream and the glyph
// ids it used, keyed to their runes for the ToUnicode CMap.
func (b *Builder) contentStream(blocks []layout.Block, pageW, pageH, scale float64) ([]byte, map[uint16]rune) {
	var sb bytes.Buffer
	fmt.Fprintf(&sb, "q\n%.2f 0 0 %.2f 0 0 cm\n/Im0 Do\nQ\n", pageW, pageH)

	used := map[uint16]rune{}
	mode := 3 // invisible
	if b.opts.Debug {
		mode = 0
	}

	for _, blk := range blocks {
		if blk.IsImage {
			continue
		}
		text := layout.PlainText(blk.Content)
		if strings.TrimSpace(text) == "" {
			continue
		}

		boxW := (blk.Box[2] - blk.Box[0]) * scale
		boxH := (blk.Box[3] - blk.Box[1]) * scale
		if boxW <= 0 || boxH <= 0 {
			// Degenerate box, nothing to position against.
			continue
		}

		size, lines := fitTextToBox(b.font, text, boxW, boxH)
		x := blk.Box[0] * scale
		top := pageH - blk.Box[1]*scale
		bottom := pageH - blk.Box[3]*scale

		for i, line := range lines {
			baseline := top - float64(i+1)*size*lineHeightFactor
			if baseline < bottom {
				// Stop before crossing the bottom edge.
				break
			}
			sb.WriteString("BT\n")
			fmt.Fprintf(&sb, "/F1 %.2f Tf\n%d Tr\n0 g\n", size, mode)
			fmt.Fprintf(&sb, "%.2f %.2f Td\n<", x, baseline)
			for _, r := range line {
				gi := b.font.GlyphIndex(r)
				used[gi] = r
				fmt.Fprintf(&sb, "%04X", gi)
			}
			sb.WriteString("> Tj\nET\n")
		}
	}
	return sb.Bytes(), used
}

func (b *Builder) serialize(raster *rasterInfo, content []byte, used map[uint16]rune, pageW, pageH float64) ([]byte, error) {
	var p pdfFile
	catalog := p.reserve()
	pages := p.reserve()
	page := p.reserve()

	contentObj := p.addStream("", content)
	imgObj := p.addStream(fmt.Sprintf(
		"/Type /XObject /Subtype /Image /Width %d /Height %d /ColorSpace /%s /BitsPerComponent 8 /Filter /%s",
		raster.width, raster.height, raster.colorSpace, raster.filter), raster.stream)
	fontObj := b.embedFont(&p, used)

	p.set(catalog, fmt.Sprintf("<< /Type /Catalog /Pages %d 0 R >>", pages))
	p.set(pages, fmt.Sprintf("<< /Type /Pages /Kids [%d 0 R] /Count 1 >>", page))
	p.set(page, fmt.Sprintf(
		"<< /Type /Page /Parent %d 0 R /MediaBox [0 0 %.2f %.2f] /Contents %d 0 R"+
			" /Resources << /XObject << /Im0 %d 0 R >> /Font << /F1 %d 0 R >> >> >>",
		pages, pageW, pageH, contentObj, imgObj, fontObj))

	return p.bytes(catalog), nil
}

// embedFont writes the full Type0/Identity-H font graph: descriptor with the
// embedded FontFile2, CIDFontType2 descendant with per-used-glyph widths, and
// the ToUnicode CMap.
func (b *Builder) embedFont(p *pdfFile, used map[uint16]rune) int {
	name := b.font.Name()

	fontFile := p.addStream(fmt.Sprintf("/Length1 %d", len(b.font.Data())), b.font.Data())
	descriptor := p.add(fmt.Sprintf(
		"<< /Type /FontDescriptor /FontName /%s /Flags 4 /ItalicAngle 0"+
			" /Ascent %.0f /Descent %.0f /CapHeight %.0f /StemV 80"+
			" /FontBBox [%.0f %.0f %.0f %.0f] /FontFile2 %d 0 R >>",
		name, b.font.ascent, b.font.descent, b.font.ascent,
		b.font.bbox[0], b.font.bbox[1], b.font.bbox[2], b.font.bbox[3], fontFile))

	descendant := p.add(fmt.Sprintf(
		"<< /Type /Font /Subtype /CIDFontType2 /BaseFont /%s"+
			" /CIDSystemInfo << /Registry (Adobe) /Ordering (Identity) /Supplement 0 >>"+
			" /FontDescriptor %d 0 R /DW 1000 /W [%s] /CIDToGIDMap /Identity >>",
		name, descriptor, b.widthArray(used)))

	toUnicode := p.addStream("", buildToUnicode(used))

	return p.add(fmt.Sprintf(
		"<< /Type /Font /Subtype /Type0 /BaseFont /%s /Encoding /Identity-H"+
			" /DescendantFonts [%d 0 R] /ToUnicode %d 0 R >>",
		name, descendant, toUnicode))
}

func (b *Builder) widthArray(used map[uint16]rune) string {
	cids := make([]int, 0, len(used))
	for cid := range used {
		cids = append(cids, int(cid))
	}
	sort.Ints(cids)

	parts := make([]string, 0, len(cids))
	for _, cid := range cids {
		parts = append(parts, fmt.Sprintf("%d [%.0f]", cid, b.font.GlyphAdvance(uint16(cid))))
	}
	return strings.Join(parts, " ")
}
