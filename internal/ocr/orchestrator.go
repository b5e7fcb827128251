package ocr

import (
	"context"

	"github.com/scan2doc/scan2doc/internal/domain"
	"github.com/scan2doc/scan2doc/internal/events"
	"github.com/scan2doc/scan2doc/internal/observability"
	"github.com/scan2doc/scan2doc/internal/queue"
	"github.com/scan2doc/scan2doc/internal/store"
)

// Orchestrator wraps the queue manager's OCR lane: it submits page images to
// the OCR endpoint and persists results. Cancelling a page's in-flight OCR is
// queue.Cancel(pageID); a later QueueOCR on the same page id supersedes any
// still-running call for that key.
type Orchestrator struct {
	queue  *queue.Manager
	store  *store.Store
	bus    *events.Bus
	client *Client
	log    *observability.Logger

	// onSuccess, when set, chains the next pipeline stage after a result is
	// persisted (document generation enqueue).
	onSuccess func(pageID string)
}

// NewOrchestrator creates an OCR orchestrator.
func NewOrchestrator(q *queue.Manager, st *store.Store, bus *events.Bus, client *Client, log *observability.Logger) *Orchestrator {
	return &Orchestrator{
		queue:  q,
		store:  st,
		bus:    bus,
		client: client,
		log:    log.WithComponent("ocr"),
	}
}

// OnSuccess registers the stage-chaining callback invoked after an OCR
// result is persisted.
func (o *Orchestrator) OnSuccess(fn func(pageID string)) {
	o.onSuccess = fn
}

// QueueOCR registers an OCR task for the page in the OCR lane. Returns once
// the task is scheduled. Double submission under the same page id cancels
// the earlier task (last submission wins).
func (o *Orchestrator) QueueOCR(pageID string, image []byte, opts domain.OCROptions) {
	o.bus.Publish(events.OCRQueued, pageID, nil)
	o.setStatus(pageID, domain.StatusPendingOCR, "queued for recognition")

	o.queue.AddOCRTask(pageID, func(ctx context.Context) error {
		return o.runOCR(ctx, pageID, image, opts)
	})
}

// runOCR is the task body. Every awaited step is followed by a cancellation
// checkpoint; an aborted task neither emits an error nor persists.
func (o *Orchestrator) runOCR(ctx context.Context, pageID string, image []byte, opts domain.OCROptions) error {
	o.bus.Publish(events.OCRStart, pageID, nil)
	o.setStatus(pageID, domain.StatusRecognizing, "recognition started")

	if err := queue.Checkpoint(ctx); err != nil {
		return err
	}

	result, err := o.client.Recognize(ctx, image, opts)
	if err != nil {
		if queue.IsCancelled(err) || ctx.Err() != nil {
			return queue.ErrCancelled
		}
		o.setStatus(pageID, domain.StatusError, "recognition failed: "+err.Error())
		o.bus.Publish(events.OCRErr, pageID, err.Error())
		return err
	}

	if err := queue.Checkpoint(ctx); err != nil {
		return err
	}

	if err := o.store.SaveOCRResult(ctx, pageID, result); err != nil {
		o.setStatus(pageID, domain.StatusError, "failed to persist recognition result: "+err.Error())
		o.bus.Publish(events.OCRErr, pageID, err.Error())
		return err
	}

	o.setStatus(pageID, domain.StatusOCRSuccess, "recognition complete")
	o.bus.Publish(events.OCRSuccess, pageID, result)

	if o.onSuccess != nil {
		o.onSuccess(pageID)
	}
	return nil
}

// BatchResult reports the outcome triple of a batch submission. The counts
// are exact; UI messaging depends on them.
type BatchResult struct {
	Queued  int `json:"queued"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// QueueBatchOCR submits OCR for every eligible page in the list. Pages
// already processed or mid-flight are skipped; pages in error are retried;
// pages in ready are queued. A page whose stored image cannot be retrieved
// counts as failed rather than aborting the batch.
func (o *Orchestrator) QueueBatchOCR(ctx context.Context, pages []*domain.Page, opts domain.OCROptions) BatchResult {
	var res BatchResult

	for _, p := range pages {
		switch p.Status {
		case domain.StatusReady, domain.StatusError:
		default:
			res.Skipped++
			continue
		}

		image, err := o.store.GetArtifact(ctx, p.ID, domain.ArtifactImage)
		if err != nil {
			o.log.Warn().Str("page_id", p.ID).Err(err).Msg("batch OCR: image fetch failed")
			res.Failed++
			continue
		}

		o.QueueOCR(p.ID, image, opts)
		res.Queued++
	}

	o.log.Info().Int("queued", res.Queued).Int("skipped", res.Skipped).
		Int("failed", res.Failed).Msg("batch OCR submitted")
	return res
}

// Cancel cancels the page's OCR task, if any.
func (o *Orchestrator) Cancel(pageID string) {
	o.queue.Cancel(pageID)
}

// setStatus applies a status transition and appends a page log entry. An
// illegal transition is logged and dropped rather than corrupting the
// page's state.
func (o *Orchestrator) setStatus(pageID string, status domain.PageStatus, msg string) {
	ctx := context.Background()
	page, err := o.store.GetPage(ctx, pageID)
	if err != nil {
		o.log.Warn().Str("page_id", pageID).Err(err).Msg("status update: page not found")
		return
	}
	if page.Status != status && !domain.CanTransition(page.Status, status) {
		o.log.Warn().Str("page_id", pageID).
			Str("from", string(page.Status)).Str("to", string(status)).
			Msg("illegal status transition dropped")
		return
	}
	page.Status = status
	page.AppendLog(msg)
	if err := o.store.UpdatePage(ctx, page); err != nil {
		o.log.Warn().Str("page_id", pageID).Err(err).Msg("status update failed")
	}
}
