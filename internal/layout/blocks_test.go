package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scan2doc/scan2doc/internal/domain"
)

func TestParse_SingleTitleBlock(t *testing.T) {
	raw := "<|ref|>title<|/ref|><|det|>[[100,50,300,80]]<|/det|>\n# Hello"
	dims := domain.ImageDims{W: 1000, H: 1000}

	blocks := Parse(raw, nil, dims)

	require.Len(t, blocks, 1)
	assert.Equal(t, "title", blocks[0].Type)
	assert.Equal(t, "# Hello", blocks[0].Content)
	assert.Equal(t, [4]float64{100, 50, 300, 80}, blocks[0].Box)
	assert.False(t, blocks[0].IsImage)
	assert.False(t, blocks[0].Untagged)
}

func TestParse_MultipleBlocksWithImage(t *testing.T) {
	raw := "<|ref|>text<|/ref|><|det|>[[0,0,500,100]]<|/det|>First paragraph." +
		"<|ref|>image<|/ref|><|det|>[[0,200,500,600]]<|/det|>" +
		"<|ref|>text<|/ref|><|det|>[[0,700,500,800]]<|/det|>Last paragraph."
	dims := domain.ImageDims{W: 500, H: 800}

	blocks := Parse(raw, nil, dims)

	require.Len(t, blocks, 3)
	assert.Equal(t, "First paragraph.", blocks[0].Content)
	assert.True(t, blocks[1].IsImage)
	assert.Empty(t, blocks[1].Content)
	assert.Equal(t, "Last paragraph.", blocks[2].Content)
}

func TestParse_LeadingGapTextBecomesUntaggedTopBlock(t *testing.T) {
	raw := "Stray header text\n<|ref|>text<|/ref|><|det|>[[0,100,500,200]]<|/det|>Body"
	dims := domain.ImageDims{W: 500, H: 1000}

	blocks := Parse(raw, nil, dims)

	require.Len(t, blocks, 2)
	assert.True(t, blocks[0].Untagged)
	assert.Equal(t, "Stray header text", blocks[0].Content)
	assert.Equal(t, 0.0, blocks[0].Box[1], "gap text pins to page top")
	assert.Equal(t, "Body", blocks[1].Content)
}

func TestParse_TrailingTextFoldsIntoLastBlock(t *testing.T) {
	raw := "<|ref|>text<|/ref|><|det|>[[0,0,500,100]]<|/det|>Body.\nTrailing remark."
	dims := domain.ImageDims{W: 500, H: 800}

	blocks := Parse(raw, nil, dims)

	require.Len(t, blocks, 1, "trailing text must not become its own block")
	assert.Equal(t, "Body.\nTrailing remark.", blocks[0].Content)
	assert.False(t, blocks[0].Untagged)
}

func TestParse_NoTripletsYieldsSingleUntaggedBlock(t *testing.T) {
	blocks := Parse("just plain text", nil, domain.ImageDims{W: 100, H: 100})
	require.Len(t, blocks, 1)
	assert.True(t, blocks[0].Untagged)
	assert.Equal(t, "just plain text", blocks[0].Content)
}

func TestParse_DegenerateDetSkipsBox(t *testing.T) {
	raw := "<|ref|>text<|/ref|><|det|>[[1,2,3]]<|/det|>content"
	blocks := Parse(raw, nil, domain.ImageDims{W: 100, H: 100})
	require.Len(t, blocks, 1)
	assert.Equal(t, [4]float64{}, blocks[0].Box)
	assert.Equal(t, -1, blocks[0].BoxIndex)
}

func TestParse_AuthoritativeBoxWins(t *testing.T) {
	// Tagged coords are 1000-normalized; the boxes list holds the real
	// pixel-space geometry within tolerance of the scaled candidate.
	raw := "<|ref|>text<|/ref|><|det|>[[100,100,500,200]]<|/det|>hello"
	dims := domain.ImageDims{W: 2000, H: 3000}
	boxes := []domain.BoundingBox{
		{Label: "title", Box: []float64{0, 0, 50, 50}},
		{Label: "text", Box: []float64{205, 310, 995, 590}},
	}

	blocks := Parse(raw, boxes, dims)

	require.Len(t, blocks, 1)
	assert.Equal(t, 1, blocks[0].BoxIndex)
	assert.Equal(t, [4]float64{205, 310, 995, 590}, blocks[0].Box,
		"matched box coordinates are authoritative")
}

func TestFindMatchingBoxIndex(t *testing.T) {
	dims := domain.ImageDims{W: 2000, H: 2000}
	boxes := []domain.BoundingBox{
		{Label: "a", Box: []float64{1100, 1100, 1500, 1200}},
		{Label: "b", Box: []float64{210, 210, 1010, 410}},
	}

	// Raw pixel coordinates match entry 0 within tolerance.
	assert.Equal(t, 0, FindMatchingBoxIndex([4]float64{1110, 1092, 1508, 1215}, boxes, dims))

	// 1000-scale-corrected coordinates match entry 1 (x2 because W=H=2000).
	assert.Equal(t, 1, FindMatchingBoxIndex([4]float64{100, 100, 500, 200}, boxes, dims))

	// Out of tolerance on one edge against every entry.
	assert.Equal(t, -1, FindMatchingBoxIndex([4]float64{100, 100, 500, 250}, boxes, dims))
}

func TestNormalizeBox_Heuristic(t *testing.T) {
	// Image larger than 1000: coords <= 1000 are treated as normalized.
	scaled := NormalizeBox([4]float64{100, 50, 300, 80}, domain.ImageDims{W: 2000, H: 1000})
	assert.Equal(t, [4]float64{200, 50, 600, 80}, scaled)

	// Small image: coordinates pass through untouched even though <= 1000.
	same := NormalizeBox([4]float64{100, 50, 300, 80}, domain.ImageDims{W: 800, H: 600})
	assert.Equal(t, [4]float64{100, 50, 300, 80}, same)

	// Coordinates above 1000 are already pixels.
	same = NormalizeBox([4]float64{1100, 50, 1300, 80}, domain.ImageDims{W: 2000, H: 1000})
	assert.Equal(t, [4]float64{1100, 50, 1300, 80}, same)
}

func TestRepairTables(t *testing.T) {
	blocks := []Block{
		{Type: "table", Content: ""},
		{Type: "text", Content: "Table 3: results <table><tr><td>x</td></tr></table> trailing"},
	}

	repaired := RepairTables(blocks)

	assert.Equal(t, "<table><tr><td>x</td></tr></table>", repaired[0].Content)
	assert.Equal(t, "Table 3: results  trailing", repaired[1].Content)
}

func TestRepairTables_NoOpWhenTableHasContent(t *testing.T) {
	blocks := []Block{
		{Type: "table", Content: "<table></table>"},
		{Type: "text", Content: "caption <table></table>"},
	}
	repaired := RepairTables(blocks)
	assert.Equal(t, "<table></table>", repaired[0].Content)
	assert.Equal(t, "caption <table></table>", repaired[1].Content)
}

func TestGroupRows(t *testing.T) {
	blocks := []Block{
		{Content: "right column", Box: [4]float64{500, 100, 900, 200}},
		{Content: "heading", Box: [4]float64{0, 0, 900, 50}},
		{Content: "left column", Box: [4]float64{0, 105, 450, 195}},
		{Content: "footer", Box: [4]float64{0, 400, 900, 450}},
	}

	rows := GroupRows(blocks)

	require.Len(t, rows, 3)
	assert.Equal(t, "heading", rows[0].Blocks[0].Content)
	require.Len(t, rows[1].Blocks, 2)
	assert.Equal(t, "left column", rows[1].Blocks[0].Content, "row members sorted left to right")
	assert.Equal(t, "right column", rows[1].Blocks[1].Content)
	assert.Equal(t, "footer", rows[2].Blocks[0].Content)
}

func TestGroupRows_MarginalOverlapStartsNewRow(t *testing.T) {
	// Overlap of exactly half the smaller span must NOT merge.
	blocks := []Block{
		{Content: "a", Box: [4]float64{0, 0, 100, 100}},
		{Content: "b", Box: [4]float64{200, 50, 300, 150}},
	}
	rows := GroupRows(blocks)
	assert.Len(t, rows, 2)
}

func TestPlainText_Table(t *testing.T) {
	html := "<table><tr><th>A</th><th>B</th></tr><tr><td>1</td><td>2</td></tr></table>"
	got := PlainText(html)
	assert.Equal(t, "A\tB\n1\t2", got)
}

func TestPlainText_Markdown(t *testing.T) {
	md := "## Heading with **bold**, *italic*, [link](http://x) and ![img](scan2doc-img:abc)"
	got := PlainText(md)
	assert.Equal(t, "Heading with bold, italic, link and img", got)
}
