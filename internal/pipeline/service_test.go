package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scan2doc/scan2doc/internal/assemble"
	"github.com/scan2doc/scan2doc/internal/domain"
	"github.com/scan2doc/scan2doc/internal/events"
	"github.com/scan2doc/scan2doc/internal/observability"
	"github.com/scan2doc/scan2doc/internal/ocr"
	"github.com/scan2doc/scan2doc/internal/queue"
	"github.com/scan2doc/scan2doc/internal/render"
	"github.com/scan2doc/scan2doc/internal/sandwich"
	"github.com/scan2doc/scan2doc/internal/store"
)

// stubRenderer satisfies render.Renderer without MuPDF.
type stubRenderer struct {
	pages int
}

func (r *stubRenderer) PageCount(data []byte) (int, error) {
	return r.pages, nil
}

func (r *stubRenderer) RenderPage(data []byte, pageNum int, opts render.Options) (*render.Rendered, error) {
	img := testJPEG(600, 800)
	return &render.Rendered{Data: img, Width: 600, Height: 800, MIME: "image/jpeg"}, nil
}

func testJPEG(w, h int) []byte {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h)), nil); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func ocrRawText() string {
	return "<|ref|>title<|/ref|><|det|>[[50,20,550,80]]<|/det|># Scanned Title" +
		"<|ref|>text<|/ref|><|det|>[[50,120,550,300]]<|/det|>Body text recognized from the scan."
}

func ocrResponse() *domain.OCRResult {
	return &domain.OCRResult{
		Success:    true,
		Text:       "Scanned Title\nBody text recognized from the scan.",
		RawText:    ocrRawText(),
		ImageDims:  domain.ImageDims{W: 600, H: 800},
		PromptMode: domain.ModeDocument,
	}
}

type serviceFixture struct {
	svc   *Service
	store *store.Store
	queue *queue.Manager
	bus   *events.Bus
}

func newServiceFixture(t *testing.T, handler http.Handler) *serviceFixture {
	t.Helper()

	if handler == nil {
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(ocrResponse())
		})
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	st, err := store.Open(store.Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q := queue.NewManager(queue.Config{OCRConcurrency: 1, GenerationConcurrency: 1}, observability.Nop())
	t.Cleanup(q.Close)

	bus := events.NewBus()
	client := ocr.NewClient(ocr.ClientConfig{Endpoint: srv.URL, Timeout: 5 * time.Second, MaxRetries: 1}, observability.Nop())
	orch := ocr.NewOrchestrator(q, st, bus, client, observability.Nop())

	rp := render.NewPipeline(q, st, bus, &stubRenderer{pages: 2}, observability.Nop(),
		render.Options{Scale: 2.0, Format: "jpeg", JPEGQuality: 85, ThumbnailWidth: 64})

	sw, err := sandwich.NewBuilder(sandwich.Options{ScanDPI: 150}, observability.Nop())
	require.NoError(t, err)

	svc := NewService(Deps{
		Store:     st,
		Queue:     q,
		Bus:       bus,
		OCR:       orch,
		Render:    rp,
		Assembler: assemble.NewAssembler(st, observability.Nop()),
		Docx:      assemble.NewDocxGenerator(st, observability.Nop()),
		Sandwich:  sw,
		Log:       observability.Nop(),
	})

	return &serviceFixture{svc: svc, store: st, queue: q, bus: bus}
}

func waitForStatus(t *testing.T, st *store.Store, pageID string, want domain.PageStatus) *domain.Page {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		pg, err := st.GetPage(context.Background(), pageID)
		require.NoError(t, err)
		if pg.Status == want {
			return pg
		}
		if pg.Status == domain.StatusError {
			t.Fatalf("page %s hit error state: %v", pageID, pg.Logs)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("page %s never reached %s", pageID, want)
	return nil
}

func TestFullChain_ImageToCompletedDocuments(t *testing.T) {
	fx := newServiceFixture(t, nil)
	ctx := context.Background()

	pg, err := fx.svc.IngestImage(ctx, "scan.jpg", testJPEG(600, 800))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, pg.Status)

	require.NoError(t, fx.svc.QueueOCR(ctx, pg.ID, domain.OCROptions{Mode: domain.ModeDocument}))
	waitForStatus(t, fx.store, pg.ID, domain.StatusCompleted)
	fx.queue.Wait()

	for _, kind := range []domain.ArtifactKind{
		domain.ArtifactMarkdown, domain.ArtifactDOCX, domain.ArtifactPDF,
	} {
		has, err := fx.store.HasArtifact(ctx, pg.ID, kind)
		require.NoError(t, err)
		assert.True(t, has, "missing %s artifact", kind)
	}

	md, err := fx.store.GetArtifact(ctx, pg.ID, domain.ArtifactMarkdown)
	require.NoError(t, err)
	assert.Contains(t, string(md), "# Scanned Title")

	pdf, err := fx.store.GetArtifact(ctx, pg.ID, domain.ArtifactPDF)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(pdf, []byte("%PDF-")))
}

func TestIngest_RoutesPDFAndImages(t *testing.T) {
	fx := newServiceFixture(t, nil)
	ctx := context.Background()

	pages, err := fx.svc.Ingest(ctx, []File{
		{Name: "doc.pdf", Data: []byte("%PDF-1.4 fake")},
		{Name: "photo.jpg", Data: testJPEG(100, 100)},
	})
	require.NoError(t, err)
	assert.Len(t, pages, 3, "two PDF pages plus one image")

	fx.queue.Wait()

	all, err := fx.svc.Pages(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for _, pg := range all {
		assert.Equal(t, domain.StatusReady, pg.Status)
	}
}

func TestGeneration_FailsFastWithoutRawText(t *testing.T) {
	fx := newServiceFixture(t, nil)
	ctx := context.Background()

	pg, err := fx.svc.IngestImage(ctx, "scan.jpg", testJPEG(100, 100))
	require.NoError(t, err)
	require.NoError(t, fx.store.SaveOCRResult(ctx, pg.ID, &domain.OCRResult{Success: true, Text: "no geometry"}))
	fx.svc.resetStatus(pg, domain.StatusOCRSuccess, "seeded")

	evts, unsub := fx.bus.Subscribe(32)
	defer unsub()

	fx.svc.QueueGeneration(pg.ID)
	fx.queue.Wait()

	got, err := fx.store.GetPage(ctx, pg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, got.Status)

	has, err := fx.store.HasArtifact(ctx, pg.ID, domain.ArtifactMarkdown)
	require.NoError(t, err)
	assert.False(t, has)

	var sawErr bool
	for len(evts) > 0 {
		if evt := <-evts; evt.Name == events.GenErr {
			sawErr = true
		}
	}
	assert.True(t, sawErr)
}

func TestDeletePage_RemovesArtifactsAndCollectsSource(t *testing.T) {
	fx := newServiceFixture(t, nil)
	ctx := context.Background()

	pages, err := fx.svc.Ingest(ctx, []File{{Name: "doc.pdf", Data: []byte("%PDF-1.4 fake")}})
	require.NoError(t, err)
	require.Len(t, pages, 2)
	fx.queue.Wait()

	sourceID := pages[0].SourceID
	require.NotEmpty(t, sourceID)

	require.NoError(t, fx.svc.DeletePage(ctx, pages[0].ID))
	_, err = fx.store.GetSource(ctx, sourceID)
	assert.NoError(t, err, "source survives while a page still references it")

	require.NoError(t, fx.svc.DeletePage(ctx, pages[1].ID))
	_, err = fx.store.GetSource(ctx, sourceID)
	assert.ErrorIs(t, err, store.ErrNotFound, "source collected with its last page")

	_, err = fx.store.GetPage(ctx, pages[0].ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResume_RequeuesInterruptedGeneration(t *testing.T) {
	fx := newServiceFixture(t, nil)
	ctx := context.Background()

	pg, err := fx.svc.IngestImage(ctx, "scan.jpg", testJPEG(600, 800))
	require.NoError(t, err)
	require.NoError(t, fx.store.SaveOCRResult(ctx, pg.ID, ocrResponse()))

	// Simulate a crash mid-generation.
	fx.svc.resetStatus(pg, domain.StatusGeneratingMarkdown, "simulated crash")

	require.NoError(t, fx.svc.Resume(ctx))
	waitForStatus(t, fx.store, pg.ID, domain.StatusCompleted)
}

func TestResume_ResetsInterruptedRecognition(t *testing.T) {
	fx := newServiceFixture(t, nil)
	ctx := context.Background()

	pg, err := fx.svc.IngestImage(ctx, "scan.jpg", testJPEG(100, 100))
	require.NoError(t, err)
	fx.svc.resetStatus(pg, domain.StatusRecognizing, "simulated crash")

	require.NoError(t, fx.svc.Resume(ctx))

	got, err := fx.store.GetPage(ctx, pg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, got.Status)
}

func TestReorderPages(t *testing.T) {
	fx := newServiceFixture(t, nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		pg, err := fx.svc.IngestImage(ctx, fmt.Sprintf("p%d.jpg", i), testJPEG(50, 50))
		require.NoError(t, err)
		ids = append(ids, pg.ID)
	}

	require.NoError(t, fx.svc.ReorderPages(ctx, []string{ids[2], ids[0], ids[1]}))

	pages, err := fx.svc.Pages(ctx)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	assert.Equal(t, ids[2], pages[0].ID)
	assert.Equal(t, ids[0], pages[1].ID)
	assert.Equal(t, ids[1], pages[2].ID)
}

func TestQueueBatchOCR_CountsEligiblePages(t *testing.T) {
	fx := newServiceFixture(t, nil)
	ctx := context.Background()

	var pages []*domain.Page
	for i := 0; i < 2; i++ {
		pg, err := fx.svc.IngestImage(ctx, fmt.Sprintf("p%d.jpg", i), testJPEG(600, 800))
		require.NoError(t, err)
		pages = append(pages, pg)
	}

	res, err := fx.svc.QueueBatchOCR(ctx, domain.OCROptions{Mode: domain.ModeDocument})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Queued)
	assert.Zero(t, res.Skipped)
	assert.Zero(t, res.Failed)

	for _, pg := range pages {
		waitForStatus(t, fx.store, pg.ID, domain.StatusCompleted)
	}
}
