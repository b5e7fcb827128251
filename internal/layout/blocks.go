// Package layout parses OCR raw tagged text into typed, coordinate-resolved
// blocks and groups them into horizontal rows for rendering. The raw text is
// the source of truth for geometry; the OCR result's independent bounding-box
// list is consulted as the authoritative pixel-space coordinates when a
// tagged box matches one of its entries.
package layout

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/scan2doc/scan2doc/internal/domain"
)

// Block is a parsed unit from raw OCR text. Ephemeral: blocks are derived on
// demand and never persisted.
type Block struct {
	// Type is the model's label: title, text, table, image, figure, ...
	Type    string
	Content string
	// Box is the absolute pixel bounding box [x1,y1,x2,y2].
	Box [4]float64
	// BoxIndex is the index of the matching entry in the OCR result's
	// bounding-box list, or -1 when no entry matched.
	BoxIndex int
	// ImageID links the block to an extracted sub-image, when resolved.
	ImageID string
	// IsImage marks image/figure blocks rendered as image references.
	IsImage bool
	// Untagged marks gap text captured outside any ref/det/content triplet;
	// its geometry is a best-effort page strip, not model output.
	Untagged bool
}

var tripletRe = regexp.MustCompile(`<\|ref\|>(.*?)<\|/ref\|><\|det\|>(.*?)<\|/det\|>`)

// untagged gap blocks get a thin strip at the assumed top or bottom of the
// page since their geometry is unknown.
const gapStripFraction = 0.04

// Parse tokenizes raw tagged OCR text into blocks, resolving each tagged
// block's absolute pixel box against the result's bounding-box list. Gap
// text before the first triplet is pinned to a strip at the top of the
// page; text between or after triplets folds into the preceding triplet's
// content.
func Parse(raw string, boxes []domain.BoundingBox, dims domain.ImageDims) []Block {
	var blocks []Block

	matches := tripletRe.FindAllStringSubmatchIndex(raw, -1)
	prevEnd := 0
	for i, m := range matches {
		// Gap text between the previous triplet's content and this tag is
		// part of the previous content, so only the stretch before the first
		// triplet is a true gap here.
		if i == 0 && m[0] > prevEnd {
			if gap := strings.TrimSpace(raw[prevEnd:m[0]]); gap != "" {
				blocks = append(blocks, gapBlock(gap, dims))
			}
		}

		label := strings.TrimSpace(raw[m[2]:m[3]])
		det := raw[m[4]:m[5]]

		contentEnd := len(raw)
		if i+1 < len(matches) {
			contentEnd = matches[i+1][0]
		}
		content := strings.TrimSpace(raw[m[1]:contentEnd])

		b := Block{
			Type:     label,
			Content:  content,
			BoxIndex: -1,
			IsImage:  label == "image" || label == "figure",
		}

		coords, ok := parseDetCoords(det)
		if ok {
			b.BoxIndex = FindMatchingBoxIndex(coords, boxes, dims)
			if b.BoxIndex >= 0 && len(boxes[b.BoxIndex].Box) >= 4 {
				// Authoritative pixel-space coordinates.
				for j := 0; j < 4; j++ {
					b.Box[j] = boxes[b.BoxIndex].Box[j]
				}
			} else {
				b.Box = NormalizeBox(coords, dims)
			}
		}

		blocks = append(blocks, b)
		prevEnd = contentEnd
	}

	if len(matches) == 0 {
		if gap := strings.TrimSpace(raw); gap != "" {
			blocks = append(blocks, gapBlock(gap, dims))
		}
	}

	return blocks
}

func gapBlock(content string, dims domain.ImageDims) Block {
	w := float64(dims.W)
	strip := float64(dims.H) * gapStripFraction
	return Block{
		Type:     "text",
		Content:  content,
		Box:      [4]float64{0, 0, w, strip},
		BoxIndex: -1,
		Untagged: true,
	}
}

// parseDetCoords extracts the first coordinate quad from a det payload like
// [[100,50,300,80]]. Quads with fewer than 4 values are degenerate and
// rejected.
func parseDetCoords(det string) ([4]float64, bool) {
	var quads [][]float64
	if err := json.Unmarshal([]byte(strings.TrimSpace(det)), &quads); err != nil {
		// Some outputs carry a bare quad instead of a list of quads.
		var quad []float64
		if err := json.Unmarshal([]byte(strings.TrimSpace(det)), &quad); err != nil {
			return [4]float64{}, false
		}
		quads = [][]float64{quad}
	}
	if len(quads) == 0 || len(quads[0]) < 4 {
		return [4]float64{}, false
	}
	var out [4]float64
	copy(out[:], quads[0][:4])
	return out, true
}

// RepairTables fixes a known model quirk: an empty table-typed block
// immediately followed by a block whose content carries literal <table> HTML.
// The table HTML moves into the table block and is stripped from the
// follower, preventing duplicate table rendering.
func RepairTables(blocks []Block) []Block {
	for i := 0; i+1 < len(blocks); i++ {
		if blocks[i].Type != "table" || strings.TrimSpace(blocks[i].Content) != "" {
			continue
		}
		next := blocks[i+1].Content
		start := strings.Index(next, "<table")
		if start < 0 {
			continue
		}
		end := strings.Index(next, "</table>")
		var table, rest string
		if end >= 0 {
			end += len("</table>")
			table = next[start:end]
			rest = next[:start] + next[end:]
		} else {
			table = next[start:]
			rest = next[:start]
		}
		blocks[i].Content = strings.TrimSpace(table)
		blocks[i+1].Content = strings.TrimSpace(rest)
	}
	return blocks
}
