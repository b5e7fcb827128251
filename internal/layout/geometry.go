package layout

import (
	"math"
	"sort"

	"github.com/scan2doc/scan2doc/internal/domain"
)

// MatchTolerance is the per-edge pixel tolerance when matching tagged
// coordinates against the authoritative bounding-box list.
const MatchTolerance = 20.0

// looksNormalized applies the inherited 1000-scale heuristic: coordinates are
// treated as normalized iff none exceeds 1000 while the image itself is
// larger than 1000 pixels on at least one side. The heuristic can misread a
// genuinely small image's pixel coordinates; it is preserved as-is.
func looksNormalized(coords [4]float64, dims domain.ImageDims) bool {
	maxCoord := 0.0
	for _, c := range coords {
		if c > maxCoord {
			maxCoord = c
		}
	}
	return maxCoord <= 1000 && (dims.W > 1000 || dims.H > 1000)
}

// NormalizeBox converts tagged coordinates to absolute pixels, scaling
// 1000-normalized values by the image dimensions when the heuristic fires.
func NormalizeBox(coords [4]float64, dims domain.ImageDims) [4]float64 {
	if !looksNormalized(coords, dims) {
		return coords
	}
	sx := float64(dims.W) / 1000.0
	sy := float64(dims.H) / 1000.0
	return [4]float64{coords[0] * sx, coords[1] * sy, coords[2] * sx, coords[3] * sy}
}

// FindMatchingBoxIndex returns the index of the first entry in boxes within
// MatchTolerance of the tagged coordinates, trying both the raw values and
// their 1000-scale-corrected form, or -1 when nothing matches.
func FindMatchingBoxIndex(coords [4]float64, boxes []domain.BoundingBox, dims domain.ImageDims) int {
	candidates := [][4]float64{coords}
	if scaled := NormalizeBox(coords, dims); scaled != coords {
		candidates = append(candidates, scaled)
	}

	for _, cand := range candidates {
		for i, b := range boxes {
			if len(b.Box) < 4 {
				continue
			}
			if boxWithinTolerance(cand, b.Box) {
				return i
			}
		}
	}
	return -1
}

func boxWithinTolerance(a [4]float64, b []float64) bool {
	for i := 0; i < 4; i++ {
		if math.Abs(a[i]-b[i]) > MatchTolerance {
			return false
		}
	}
	return true
}

// Row is a set of blocks judged to share a horizontal band of the page,
// rendered together (multi-block rows become a table). Rows are derived for
// rendering only and never persisted.
type Row struct {
	Blocks []Block
	y1, y2 float64
}

// GroupRows sorts blocks by top edge and merges a block into the current row
// when its vertical span overlaps the row's span by more than half of the
// smaller span's height.
func GroupRows(blocks []Block) []Row {
	if len(blocks) == 0 {
		return nil
	}

	sorted := make([]Block, len(blocks))
	copy(sorted, blocks)
	sortBlocksByTop(sorted)

	rows := []Row{{Blocks: []Block{sorted[0]}, y1: sorted[0].Box[1], y2: sorted[0].Box[3]}}
	for _, b := range sorted[1:] {
		cur := &rows[len(rows)-1]
		if verticalOverlapExceedsHalf(cur.y1, cur.y2, b.Box[1], b.Box[3]) {
			cur.Blocks = append(cur.Blocks, b)
			cur.y1 = math.Min(cur.y1, b.Box[1])
			cur.y2 = math.Max(cur.y2, b.Box[3])
		} else {
			rows = append(rows, Row{Blocks: []Block{b}, y1: b.Box[1], y2: b.Box[3]})
		}
	}

	// Left-to-right within a row.
	for i := range rows {
		sortBlocksByLeft(rows[i].Blocks)
	}
	return rows
}

func verticalOverlapExceedsHalf(aTop, aBottom, bTop, bBottom float64) bool {
	overlap := math.Min(aBottom, bBottom) - math.Max(aTop, bTop)
	if overlap <= 0 {
		return false
	}
	smaller := math.Min(aBottom-aTop, bBottom-bTop)
	if smaller <= 0 {
		return false
	}
	return overlap > smaller*0.5
}

func sortBlocksByTop(blocks []Block) {
	sort.SliceStable(blocks, func(i, j int) bool {
		return blocks[i].Box[1] < blocks[j].Box[1]
	})
}

func sortBlocksByLeft(blocks []Block) {
	sort.SliceStable(blocks, func(i, j int) bool {
		return blocks[i].Box[0] < blocks[j].Box[0]
	})
}
