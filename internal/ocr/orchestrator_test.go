package ocr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scan2doc/scan2doc/internal/domain"
	"github.com/scan2doc/scan2doc/internal/events"
	"github.com/scan2doc/scan2doc/internal/observability"
	"github.com/scan2doc/scan2doc/internal/queue"
	"github.com/scan2doc/scan2doc/internal/store"
)

type orchestratorFixture struct {
	orch  *Orchestrator
	queue *queue.Manager
	store *store.Store
	bus   *events.Bus
}

func newFixture(t *testing.T, handler http.Handler) *orchestratorFixture {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	st, err := store.Open(store.Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q := queue.NewManager(queue.Config{OCRConcurrency: 1, GenerationConcurrency: 1}, observability.Nop())
	t.Cleanup(q.Close)

	bus := events.NewBus()
	client := newTestClient(srv.URL)

	return &orchestratorFixture{
		orch:  NewOrchestrator(q, st, bus, client, observability.Nop()),
		queue: q,
		store: st,
		bus:   bus,
	}
}

func createReadyPage(t *testing.T, st *store.Store, id string, idx int) *domain.Page {
	t.Helper()
	p := &domain.Page{ID: id, Index: idx, Origin: domain.OriginUpload, Status: domain.StatusReady}
	require.NoError(t, st.CreatePage(context.Background(), p))
	require.NoError(t, st.PutArtifact(context.Background(), id, domain.ArtifactImage, []byte("img-"+id)))
	return p
}

func TestQueueOCR_PersistsResultAndTransitions(t *testing.T) {
	fx := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(testResult())
	}))
	createReadyPage(t, fx.store, "p1", 0)

	var chained []string
	var mu sync.Mutex
	fx.orch.OnSuccess(func(pageID string) {
		mu.Lock()
		chained = append(chained, pageID)
		mu.Unlock()
	})

	fx.orch.QueueOCR("p1", []byte("img"), domain.OCROptions{Mode: domain.ModeDocument})
	fx.queue.Wait()

	page, err := fx.store.GetPage(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOCRSuccess, page.Status)

	res, err := fx.store.GetOCRResult(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", res.Text)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"p1"}, chained)
}

func TestQueueOCR_FailureTransitionsToError(t *testing.T) {
	fx := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	createReadyPage(t, fx.store, "p1", 0)

	ch, unsub := fx.bus.Subscribe(16)
	defer unsub()

	fx.orch.QueueOCR("p1", []byte("img"), domain.OCROptions{})
	fx.queue.Wait()

	page, err := fx.store.GetPage(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, page.Status)
	assert.NotEmpty(t, page.Logs)

	var sawError bool
	for {
		select {
		case evt := <-ch:
			if evt.Name == events.OCRErr {
				sawError = true
			}
		case <-time.After(100 * time.Millisecond):
			assert.True(t, sawError, "ocr:error must be emitted")
			return
		}
	}
}

func TestQueueOCR_DoubleSubmissionKeepsSecondResult(t *testing.T) {
	// The first request blocks at the server until the second submission
	// cancels it; only the second call's result may be persisted.
	release := make(chan struct{})
	var calls sync.Map
	var n int
	var mu sync.Mutex

	fx := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		n++
		call := n
		mu.Unlock()
		calls.Store(call, true)
		if call == 1 {
			<-release
		}
		res := testResult()
		res.Text = map[int]string{1: "first", 2: "second"}[call]
		json.NewEncoder(w).Encode(res)
	}))
	createReadyPage(t, fx.store, "p1", 0)

	fx.orch.QueueOCR("p1", []byte("img"), domain.OCROptions{})

	// Wait until the first request is actually in flight.
	require.Eventually(t, func() bool {
		_, ok := calls.Load(1)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	fx.orch.QueueOCR("p1", []byte("img"), domain.OCROptions{})
	close(release)
	fx.queue.Wait()

	res, err := fx.store.GetOCRResult(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "second", res.Text, "exactly the second call's result persists")
}

func TestQueueBatchOCR_Triple(t *testing.T) {
	fx := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(testResult())
	}))
	ctx := context.Background()

	ready := createReadyPage(t, fx.store, "ready", 0)

	errored := &domain.Page{ID: "errored", Index: 1, Origin: domain.OriginUpload, Status: domain.StatusError}
	require.NoError(t, fx.store.CreatePage(ctx, errored))
	require.NoError(t, fx.store.PutArtifact(ctx, "errored", domain.ArtifactImage, []byte("img")))

	midFlight := &domain.Page{ID: "mid", Index: 2, Origin: domain.OriginUpload, Status: domain.StatusRecognizing}
	require.NoError(t, fx.store.CreatePage(ctx, midFlight))

	done := &domain.Page{ID: "done", Index: 3, Origin: domain.OriginUpload, Status: domain.StatusCompleted}
	require.NoError(t, fx.store.CreatePage(ctx, done))

	// Ready page whose image is missing from the store.
	noImage := &domain.Page{ID: "noimg", Index: 4, Origin: domain.OriginUpload, Status: domain.StatusReady}
	require.NoError(t, fx.store.CreatePage(ctx, noImage))

	res := fx.orch.QueueBatchOCR(ctx, []*domain.Page{ready, errored, midFlight, done, noImage}, domain.OCROptions{})

	assert.Equal(t, 2, res.Queued, "ready queued, error retried")
	assert.Equal(t, 2, res.Skipped, "mid-flight and completed skipped")
	assert.Equal(t, 1, res.Failed, "missing image counts as failed")

	fx.queue.Wait()
}

func TestQueueBatchOCR_IdempotentUnderRepeat(t *testing.T) {
	// Block the OCR endpoint so queued pages stay mid-flight for the second
	// call.
	release := make(chan struct{})
	fx := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		json.NewEncoder(w).Encode(testResult())
	}))
	defer close(release)
	ctx := context.Background()

	createReadyPage(t, fx.store, "a", 0)
	createReadyPage(t, fx.store, "b", 1)
	done := &domain.Page{ID: "c", Index: 2, Origin: domain.OriginUpload, Status: domain.StatusCompleted}
	require.NoError(t, fx.store.CreatePage(ctx, done))

	first, err := fx.store.ListPages(ctx)
	require.NoError(t, err)
	res1 := fx.orch.QueueBatchOCR(ctx, first, domain.OCROptions{})
	assert.Equal(t, 2, res1.Queued)
	assert.Equal(t, 1, res1.Skipped)

	second, err := fx.store.ListPages(ctx)
	require.NoError(t, err)
	res2 := fx.orch.QueueBatchOCR(ctx, second, domain.OCROptions{})
	assert.Equal(t, 0, res2.Queued, "repeat call queues nothing")
	assert.Equal(t, res1.Queued+res1.Skipped, res2.Skipped)
	assert.Equal(t, 0, res2.Failed)
}
