// Package assemble turns a page's persisted OCR result into documents: a
// layout-aware Markdown rendition, and from that Markdown a DOCX. Extracted
// sub-images are cropped out of the page raster and stored under their own
// ids, addressed through the scan2doc-img reference scheme.
package assemble

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/scan2doc/scan2doc/internal/domain"
	"github.com/scan2doc/scan2doc/internal/layout"
	"github.com/scan2doc/scan2doc/internal/observability"
	"github.com/scan2doc/scan2doc/internal/store"
)

// Assembler builds Markdown documents from OCR results.
type Assembler struct {
	store *store.Store
	log   *observability.Logger
}

// NewAssembler wires a Markdown assembler against the page store.
func NewAssembler(st *store.Store, log *observability.Logger) *Assembler {
	return &Assembler{store: st, log: log.WithComponent("assemble")}
}

// GenerateMarkdown builds the layout-aware Markdown for a page. Image and
// figure regions are cropped from the page raster, persisted as extracted
// sub-images and referenced through the scan2doc-img scheme; any extracted
// image that no tagged block claimed lands in a trailing Figures section so
// nothing is silently dropped.
func (a *Assembler) GenerateMarkdown(ctx context.Context, pageID string) (string, error) {
	res, err := a.store.GetOCRResult(ctx, pageID)
	if err != nil {
		return "", domain.AssemblyError("OCR result missing", err)
	}
	if strings.TrimSpace(res.RawText) == "" {
		return "", domain.AssemblyError("OCR result missing raw_text", nil)
	}

	imgData, err := a.store.GetArtifact(ctx, pageID, domain.ArtifactImage)
	if err != nil {
		return "", domain.AssemblyError("Failed to load page image", err)
	}
	pageImg, _, err := image.Decode(bytes.NewReader(imgData))
	if err != nil {
		return "", domain.AssemblyError("Failed to decode page image", err)
	}

	dims := res.ImageDims
	if dims.W == 0 || dims.H == 0 {
		b := pageImg.Bounds()
		dims = domain.ImageDims{W: b.Dx(), H: b.Dy()}
	}

	blocks := layout.RepairTables(layout.Parse(res.RawText, res.Boxes, dims))

	ex, err := a.extractImages(ctx, pageID, pageImg, res.Boxes, blocks)
	if err != nil {
		return "", err
	}

	md := renderMarkdown(blocks, ex, dims)
	return md, nil
}

// extraction holds the per-document extracted-image bookkeeping: which box
// index resolved to which stored sub-image, and which ids a block claimed.
type extraction struct {
	byBoxIndex map[int]string
	order      []string
	used       map[string]bool
}

// extractImages crops every image-labelled region out of the page raster and
// persists it, replacing whatever an earlier generation run left behind.
// Blocks get their ImageID resolved in place.
func (a *Assembler) extractImages(ctx context.Context, pageID string, pageImg image.Image, boxes []domain.BoundingBox, blocks []layout.Block) (*extraction, error) {
	if err := a.store.DeleteExtracted(ctx, pageID); err != nil {
		return nil, domain.StorageError("Failed to clear extracted images", err)
	}

	ex := &extraction{byBoxIndex: map[int]string{}, used: map[string]bool{}}
	seq := 0

	for i, bx := range boxes {
		if !isImageLabel(bx.Label) || len(bx.Box) < 4 {
			continue
		}
		var quad [4]float64
		copy(quad[:], bx.Box[:4])
		data, err := cropJPEG(pageImg, quad)
		if err != nil {
			a.log.Warn().Err(err).Str("page_id", pageID).Int("box", i).Msg("skipping uncroppable image box")
			continue
		}
		id := uuid.NewString()
		if err := a.store.PutExtracted(ctx, pageID, id, seq, data); err != nil {
			return nil, domain.StorageError("Failed to persist extracted image", err)
		}
		ex.byBoxIndex[i] = id
		ex.order = append(ex.order, id)
		seq++
	}

	// Image-typed blocks that did not match any box entry still get a crop
	// from their own resolved coordinates.
	for i := range blocks {
		b := &blocks[i]
		if id, ok := ex.byBoxIndex[b.BoxIndex]; b.BoxIndex >= 0 && ok {
			b.ImageID = id
			ex.used[id] = true
			continue
		}
		if !b.IsImage {
			continue
		}
		data, err := cropJPEG(pageImg, b.Box)
		if err != nil {
			a.log.Warn().Err(err).Str("page_id", pageID).Msg("skipping uncroppable image block")
			continue
		}
		id := uuid.NewString()
		if err := a.store.PutExtracted(ctx, pageID, id, seq, data); err != nil {
			return nil, domain.StorageError("Failed to persist extracted image", err)
		}
		seq++
		b.ImageID = id
		ex.used[id] = true
	}

	return ex, nil
}

func isImageLabel(label string) bool {
	return label == "image" || label == "figure"
}

// renderMarkdown walks the row-grouped blocks top to bottom. Multi-block rows
// become an HTML table whose column widths mirror the blocks' share of the
// page width; single blocks render as plain paragraphs. Figure captions are
// numbered sequentially across the whole document.
func renderMarkdown(blocks []layout.Block, ex *extraction, dims domain.ImageDims) string {
	var parts []string
	figure := 0

	for _, row := range layout.GroupRows(blocks) {
		if len(row.Blocks) == 1 {
			if s := renderBlock(row.Blocks[0], &figure); s != "" {
				parts = append(parts, s)
			}
			continue
		}
		parts = append(parts, renderRowTable(row, dims, &figure))
	}

	// Unclaimed extracted images, in extraction order.
	var figures []string
	for _, id := range ex.order {
		if ex.used[id] {
			continue
		}
		figure++
		figures = append(figures, fmt.Sprintf("![Figure %d](%s%s)", figure, domain.ImageRefScheme, id))
	}
	if len(figures) > 0 {
		parts = append(parts, "## Figures\n\n"+strings.Join(figures, "\n\n"))
	}

	return strings.Join(parts, "\n\n")
}

func renderBlock(b layout.Block, figure *int) string {
	if b.ImageID != "" {
		*figure++
		return fmt.Sprintf("![Figure %d](%s%s)", *figure, domain.ImageRefScheme, b.ImageID)
	}
	if b.IsImage {
		// Image block without a stored crop: nothing to reference.
		return ""
	}
	return strings.TrimSpace(b.Content)
}

func renderRowTable(row layout.Row, dims domain.ImageDims, figure *int) string {
	widths := make([]float64, len(row.Blocks))
	sum := 0.0
	for i, b := range row.Blocks {
		w := 0.0
		if dims.W > 0 {
			w = (b.Box[2] - b.Box[0]) / float64(dims.W) * 100
		}
		if w < 0 {
			w = 0
		}
		widths[i] = w
		sum += w
	}
	if sum > 100 {
		for i := range widths {
			widths[i] = widths[i] * 100 / sum
		}
	}

	// Rounding half-point widths can push the integer sum back over 100
	// (50.5 + 49.5 rounds to 51 + 50); shave the excess off the widest
	// cells so the rendered percentages never exceed a full row.
	cells := make([]int, len(widths))
	total := 0
	for i, w := range widths {
		cells[i] = int(math.Round(w))
		total += cells[i]
	}
	for total > 100 {
		widest := 0
		for i, c := range cells {
			if c > cells[widest] {
				widest = i
			}
		}
		cells[widest]--
		total--
	}

	var sb strings.Builder
	sb.WriteString("<table><tr>")
	for i, b := range row.Blocks {
		fmt.Fprintf(&sb, `<td width="%d%%">`, cells[i])
		sb.WriteString(renderBlock(b, figure))
		sb.WriteString("</td>")
	}
	sb.WriteString("</tr></table>")
	return sb.String()
}

// cropJPEG cuts the pixel box out of the page raster and encodes it as JPEG.
func cropJPEG(src image.Image, box [4]float64) ([]byte, error) {
	r := image.Rect(int(box[0]), int(box[1]), int(box[2]), int(box[3])).Intersect(src.Bounds())
	if r.Empty() {
		return nil, domain.AssemblyError("crop box outside image bounds", nil)
	}

	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), src, r.Min, draw.Src)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
