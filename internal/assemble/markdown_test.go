package assemble

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scan2doc/scan2doc/internal/domain"
	"github.com/scan2doc/scan2doc/internal/observability"
	"github.com/scan2doc/scan2doc/internal/store"
)

const (
	pageW = 1000
	pageH = 800
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func pageJPEG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, pageW, pageH))
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func seedPage(t *testing.T, st *store.Store, rawText string, boxes []domain.BoundingBox) string {
	t.Helper()
	ctx := context.Background()
	pg := &domain.Page{ID: "p1", Index: 0, Origin: domain.OriginUpload, Status: domain.StatusOCRSuccess}
	require.NoError(t, st.CreatePage(ctx, pg))
	require.NoError(t, st.PutArtifact(ctx, "p1", domain.ArtifactImage, pageJPEG(t)))
	require.NoError(t, st.SaveOCRResult(ctx, "p1", &domain.OCRResult{
		Success:   true,
		RawText:   rawText,
		Boxes:     boxes,
		ImageDims: domain.ImageDims{W: pageW, H: pageH},
	}))
	return "p1"
}

func triplet(label string, x1, y1, x2, y2 int, content string) string {
	return fmt.Sprintf("<|ref|>%s<|/ref|><|det|>[[%d,%d,%d,%d]]<|/det|>%s",
		label, x1, y1, x2, y2, content)
}

func TestGenerateMarkdown_MissingRawText(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	pg := &domain.Page{ID: "p1", Index: 0, Origin: domain.OriginUpload, Status: domain.StatusOCRSuccess}
	require.NoError(t, st.CreatePage(ctx, pg))
	require.NoError(t, st.PutArtifact(ctx, "p1", domain.ArtifactImage, pageJPEG(t)))
	require.NoError(t, st.SaveOCRResult(ctx, "p1", &domain.OCRResult{Success: true, Text: "hi"}))

	a := NewAssembler(st, observability.Nop())
	_, err := a.GenerateMarkdown(ctx, "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing raw_text")
}

func TestGenerateMarkdown_MissingPageImageFailsFast(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	pg := &domain.Page{ID: "p1", Index: 0, Origin: domain.OriginUpload, Status: domain.StatusOCRSuccess}
	require.NoError(t, st.CreatePage(ctx, pg))
	require.NoError(t, st.SaveOCRResult(ctx, "p1", &domain.OCRResult{
		Success: true,
		RawText: triplet("text", 0, 0, 100, 40, "hello"),
	}))

	a := NewAssembler(st, observability.Nop())
	_, err := a.GenerateMarkdown(ctx, "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page image")
}

func TestGenerateMarkdown_SingleBlocksBecomeParagraphs(t *testing.T) {
	st := newTestStore(t)
	raw := triplet("title", 100, 50, 300, 80, "# Hello") +
		triplet("text", 100, 120, 900, 180, "Body paragraph.")
	pageID := seedPage(t, st, raw, nil)

	a := NewAssembler(st, observability.Nop())
	md, err := a.GenerateMarkdown(context.Background(), pageID)
	require.NoError(t, err)

	assert.Equal(t, "# Hello\n\nBody paragraph.", md)
}

// Two blocks sharing a horizontal band become an HTML table whose width
// percentages never sum over 100.
func TestGenerateMarkdown_TwoColumnRowRendersTable(t *testing.T) {
	st := newTestStore(t)
	raw := triplet("text", 0, 100, 600, 200, "Left column") +
		triplet("text", 450, 105, 1000, 205, "Right column")
	pageID := seedPage(t, st, raw, nil)

	a := NewAssembler(st, observability.Nop())
	md, err := a.GenerateMarkdown(context.Background(), pageID)
	require.NoError(t, err)

	assert.Contains(t, md, "<table><tr>")
	assert.Contains(t, md, "Left column")
	assert.Contains(t, md, "Right column")

	// Raw widths are 60% and 55%; they must be scaled to sum <= 100.
	var w1, w2 int
	_, err = fmt.Sscanf(md, `<table><tr><td width="%d%%">Left column</td><td width="%d%%">`, &w1, &w2)
	require.NoError(t, err)
	assert.LessOrEqual(t, w1+w2, 100)
	assert.Greater(t, w1, w2, "wider block keeps the larger share")
}

func TestGenerateMarkdown_HalfPointWidthsStillSumWithinRow(t *testing.T) {
	st := newTestStore(t)
	// Scaled widths land on 50.5 and 49.5; naive rounding of both would
	// render 51% + 50%.
	raw := triplet("text", 0, 0, 606, 100, "Left column") +
		triplet("text", 300, 0, 894, 100, "Right column")
	pageID := seedPage(t, st, raw, nil)

	a := NewAssembler(st, observability.Nop())
	md, err := a.GenerateMarkdown(context.Background(), pageID)
	require.NoError(t, err)

	var w1, w2 int
	_, err = fmt.Sscanf(md, `<table><tr><td width="%d%%">Left column</td><td width="%d%%">`, &w1, &w2)
	require.NoError(t, err)
	assert.LessOrEqual(t, w1+w2, 100)
}

func TestGenerateMarkdown_TableRepairPrePass(t *testing.T) {
	st := newTestStore(t)
	tableHTML := "<table><tr><td>A</td><td>B</td></tr></table>"
	raw := triplet("table", 0, 300, 1000, 500, "") +
		triplet("text", 0, 520, 1000, 560, tableHTML+"Table 1 caption")
	pageID := seedPage(t, st, raw, nil)

	a := NewAssembler(st, observability.Nop())
	md, err := a.GenerateMarkdown(context.Background(), pageID)
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(md, "<td>A</td>"), "table must render exactly once")
	assert.Contains(t, md, "Table 1 caption")
	assert.Less(t, strings.Index(md, "<td>A</td>"), strings.Index(md, "Table 1 caption"),
		"repaired table renders before its caption")
}

func TestGenerateMarkdown_ImageBlockBecomesFigureReference(t *testing.T) {
	st := newTestStore(t)
	boxes := []domain.BoundingBox{{Label: "image", Box: []float64{60, 60, 200, 200}}}
	raw := triplet("image", 60, 60, 200, 200, "")
	pageID := seedPage(t, st, raw, boxes)

	a := NewAssembler(st, observability.Nop())
	md, err := a.GenerateMarkdown(context.Background(), pageID)
	require.NoError(t, err)

	extracted, err := st.ListExtracted(context.Background(), pageID)
	require.NoError(t, err)
	require.Len(t, extracted, 1)

	assert.Equal(t, fmt.Sprintf("![Figure 1](%s%s)", domain.ImageRefScheme, extracted[0].ID), md)
	assert.NotContains(t, md, "## Figures", "claimed image must not repeat in the figures section")
}

// An image box with no corresponding tagged block must surface in the
// trailing Figures section rather than vanish.
func TestGenerateMarkdown_UnmatchedExtractedImageAppendsFigures(t *testing.T) {
	st := newTestStore(t)
	boxes := []domain.BoundingBox{{Label: "image", Box: []float64{700, 600, 950, 780}}}
	raw := triplet("text", 0, 0, 400, 40, "Text only")
	pageID := seedPage(t, st, raw, boxes)

	a := NewAssembler(st, observability.Nop())
	md, err := a.GenerateMarkdown(context.Background(), pageID)
	require.NoError(t, err)

	assert.Contains(t, md, "Text only")
	assert.Contains(t, md, "## Figures")
	assert.Contains(t, md, domain.ImageRefScheme)
}

// Regeneration replaces the previous run's extracted images instead of
// accumulating duplicates.
func TestGenerateMarkdown_RegenerationReplacesExtracted(t *testing.T) {
	st := newTestStore(t)
	boxes := []domain.BoundingBox{{Label: "image", Box: []float64{60, 60, 200, 200}}}
	raw := triplet("image", 60, 60, 200, 200, "")
	pageID := seedPage(t, st, raw, boxes)

	a := NewAssembler(st, observability.Nop())
	_, err := a.GenerateMarkdown(context.Background(), pageID)
	require.NoError(t, err)
	_, err = a.GenerateMarkdown(context.Background(), pageID)
	require.NoError(t, err)

	extracted, err := st.ListExtracted(context.Background(), pageID)
	require.NoError(t, err)
	assert.Len(t, extracted, 1)
}
