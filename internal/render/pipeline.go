package render

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/scan2doc/scan2doc/internal/domain"
	"github.com/scan2doc/scan2doc/internal/events"
	"github.com/scan2doc/scan2doc/internal/observability"
	"github.com/scan2doc/scan2doc/internal/queue"
	"github.com/scan2doc/scan2doc/internal/store"
)

// Pipeline splits ingested PDFs into page records and drives each page
// through its render task. Rendering shares the generation lane of the queue
// manager, so a large PDF cannot starve OCR traffic.
type Pipeline struct {
	queue    *queue.Manager
	store    *store.Store
	bus      *events.Bus
	renderer Renderer
	log      *observability.Logger
	opts     Options
}

// NewPipeline wires the render pipeline.
func NewPipeline(q *queue.Manager, st *store.Store, bus *events.Bus, r Renderer, log *observability.Logger, opts Options) *Pipeline {
	if opts.Scale <= 0 {
		opts.Scale = 2.0
	}
	return &Pipeline{
		queue:    q,
		store:    st,
		bus:      bus,
		renderer: r,
		log:      log.WithComponent("render"),
		opts:     opts,
	}
}

// IngestPDF persists the source PDF, creates one pending page per PDF page
// and enqueues their render tasks. Page records are visible immediately;
// images fill in as the queue drains.
func (p *Pipeline) IngestPDF(ctx context.Context, fileName string, data []byte) ([]*domain.Page, error) {
	count, err := p.renderer.PageCount(data)
	if err != nil {
		return nil, err
	}

	sourceID := uuid.NewString()
	if err := p.store.PutSource(ctx, sourceID, data); err != nil {
		return nil, domain.StorageError("Failed to persist source PDF", err)
	}

	startIdx, err := p.nextIndex(ctx)
	if err != nil {
		return nil, err
	}

	p.bus.Publish(events.PDFProcessingStart, "", map[string]interface{}{
		"file_name": fileName,
		"pages":     count,
	})

	pages := make([]*domain.Page, 0, count)
	for i := 1; i <= count; i++ {
		pg := &domain.Page{
			ID:       uuid.NewString(),
			Index:    startIdx + i - 1,
			Origin:   domain.OriginPDFGenerated,
			FileName: fmt.Sprintf("%s (page %d)", fileName, i),
			PDFPage:  i,
			SourceID: sourceID,
			Status:   domain.StatusPendingRender,
		}
		pg.AppendLog("queued for rendering")
		if err := p.store.CreatePage(ctx, pg); err != nil {
			return nil, domain.StorageError(fmt.Sprintf("Failed to create page %d", i), err)
		}
		pages = append(pages, pg)
	}

	for _, pg := range pages {
		p.enqueueRender(pg.ID)
	}

	p.log.Info().Str("file", fileName).Int("pages", count).Msg("PDF ingested")
	return pages, nil
}

// Resume re-enqueues renders interrupted by a restart. A page whose image
// already landed in the store is advanced to ready without re-rendering;
// pages still missing their image go back through the queue. Returns the
// number of pages re-enqueued.
func (p *Pipeline) Resume(ctx context.Context) (int, error) {
	pages, err := p.store.ListPages(ctx)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, pg := range pages {
		if pg.Status != domain.StatusPendingRender && pg.Status != domain.StatusRendering {
			continue
		}
		has, err := p.store.HasArtifact(ctx, pg.ID, domain.ArtifactImage)
		if err != nil {
			return requeued, err
		}
		if has {
			p.setStatus(pg, domain.StatusReady, "render already persisted, skipping")
			continue
		}
		if pg.Status == domain.StatusRendering {
			p.setStatus(pg, domain.StatusPendingRender, "render interrupted, re-queued")
		}
		p.enqueueRender(pg.ID)
		requeued++
	}

	if requeued > 0 {
		p.log.Info().Int("pages", requeued).Msg("resumed interrupted renders")
	}
	return requeued, nil
}

func (p *Pipeline) enqueueRender(pageID string) {
	p.bus.Publish(events.PDFPageQueued, pageID, nil)
	p.queue.AddGenerationTask(pageID, func(ctx context.Context) error {
		return p.renderOne(ctx, pageID)
	})
}

func (p *Pipeline) renderOne(ctx context.Context, pageID string) error {
	pg, err := p.store.GetPage(ctx, pageID)
	if errors.Is(err, store.ErrNotFound) {
		// Page deleted while queued.
		return nil
	}
	if err != nil {
		return err
	}

	if err := queue.Checkpoint(ctx); err != nil {
		return err
	}

	src, err := p.store.GetSource(ctx, pg.SourceID)
	if err != nil {
		return p.fail(pg, domain.StorageError("Failed to load source PDF", err))
	}

	p.bus.Publish(events.PDFPageRendering, pageID, nil)
	p.setStatus(pg, domain.StatusRendering, "rendering started")

	rendered, renderErr := p.renderer.RenderPage(src, pg.PDFPage, p.opts)

	// A superseding or cancelled task must not persist a stale result.
	if err := queue.Checkpoint(ctx); err != nil {
		return err
	}
	if renderErr != nil {
		return p.fail(pg, renderErr)
	}

	thumb, err := Thumbnail(rendered.Data, p.opts.ThumbnailWidth)
	if err != nil {
		return p.fail(pg, err)
	}

	if err := p.store.PutArtifact(ctx, pageID, domain.ArtifactImage, rendered.Data); err != nil {
		return p.fail(pg, domain.StorageError("Failed to persist page image", err))
	}
	if err := p.store.PutArtifact(ctx, pageID, domain.ArtifactThumbnail, thumb); err != nil {
		return p.fail(pg, domain.StorageError("Failed to persist thumbnail", err))
	}

	pg.Width = rendered.Width
	pg.Height = rendered.Height
	pg.FileSize = int64(len(rendered.Data))
	pg.MIMEType = rendered.MIME
	p.setStatus(pg, domain.StatusReady, "render complete")

	p.bus.Publish(events.PDFPageDone, pageID, map[string]int{
		"width":  rendered.Width,
		"height": rendered.Height,
	})
	p.publishProgress(ctx, pg.SourceID)
	return nil
}

func (p *Pipeline) fail(pg *domain.Page, err error) error {
	p.log.Error().Err(err).Str("page_id", pg.ID).Msg("render failed")
	p.setStatus(pg, domain.StatusError, err.Error())
	p.bus.Publish(events.PDFPageErr, pg.ID, err.Error())
	return err
}

func (p *Pipeline) setStatus(pg *domain.Page, to domain.PageStatus, msg string) {
	if !domain.CanTransition(pg.Status, to) {
		p.log.Warn().
			Str("page_id", pg.ID).
			Str("from", string(pg.Status)).
			Str("to", string(to)).
			Msg("illegal status transition dropped")
		return
	}
	pg.Status = to
	pg.AppendLog(msg)
	if err := p.store.UpdatePage(context.Background(), pg); err != nil {
		p.log.Error().Err(err).Str("page_id", pg.ID).Msg("failed to persist status")
	}
}

// publishProgress reports how far a source PDF has drained, and fires the
// completion event once nothing of it is left pending.
func (p *Pipeline) publishProgress(ctx context.Context, sourceID string) {
	pages, err := p.store.ListPages(ctx)
	if err != nil {
		return
	}

	total, pending := 0, 0
	for _, pg := range pages {
		if pg.SourceID != sourceID {
			continue
		}
		total++
		if pg.Status == domain.StatusPendingRender || pg.Status == domain.StatusRendering {
			pending++
		}
	}
	if total == 0 {
		return
	}

	p.bus.Publish(events.PDFProgress, "", map[string]interface{}{
		"source_id": sourceID,
		"completed": total - pending,
		"total":     total,
	})
	if pending == 0 {
		p.bus.Publish(events.PDFProcessingComplete, "", map[string]interface{}{
			"source_id": sourceID,
			"total":     total,
		})
	}
}

func (p *Pipeline) nextIndex(ctx context.Context) (int, error) {
	pages, err := p.store.ListPages(ctx)
	if err != nil {
		return 0, err
	}
	next := 0
	for _, pg := range pages {
		if pg.Index >= next {
			next = pg.Index + 1
		}
	}
	return next, nil
}
