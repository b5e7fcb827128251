// Package pipeline is the application service: it owns the end-to-end flow
// from ingest through OCR to document generation, wiring the queue manager,
// store, event bus and the stage components together. Handlers and the CLI
// talk to this package only.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

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

// Service orchestrates the scan-to-document pipeline.
type Service struct {
	store     *store.Store
	queue     *queue.Manager
	bus       *events.Bus
	orch      *ocr.Orchestrator
	render    *render.Pipeline
	assembler *assemble.Assembler
	docx      *assemble.DocxGenerator
	sandwich  *sandwich.Builder
	log       *observability.Logger
}

// Deps carries the constructed collaborators; the bootstrap owns their
// lifecycles.
type Deps struct {
	Store     *store.Store
	Queue     *queue.Manager
	Bus       *events.Bus
	OCR       *ocr.Orchestrator
	Render    *render.Pipeline
	Assembler *assemble.Assembler
	Docx      *assemble.DocxGenerator
	Sandwich  *sandwich.Builder
	Log       *observability.Logger
}

// NewService wires the application service and installs the OCR-to-generation
// chain: every successful recognition queues document generation.
func NewService(d Deps) *Service {
	s := &Service{
		store:     d.Store,
		queue:     d.Queue,
		bus:       d.Bus,
		orch:      d.OCR,
		render:    d.Render,
		assembler: d.Assembler,
		docx:      d.Docx,
		sandwich:  d.Sandwich,
		log:       d.Log.WithComponent("pipeline"),
	}
	s.orch.OnSuccess(s.QueueGeneration)
	return s
}

// File is one uploaded input, PDF or image.
type File struct {
	Name string
	Data []byte
}

// Ingest routes each file to the PDF or image path, processing the batch
// concurrently. The first failure cancels the rest.
func (s *Service) Ingest(ctx context.Context, files []File) ([]*domain.Page, error) {
	results := make([][]*domain.Page, len(files))
	g, ctx := errgroup.WithContext(ctx)

	for i, f := range files {
		g.Go(func() error {
			if isPDF(f) {
				pages, err := s.render.IngestPDF(ctx, f.Name, f.Data)
				if err != nil {
					return err
				}
				results[i] = pages
				return nil
			}
			page, err := s.IngestImage(ctx, f.Name, f.Data)
			if err != nil {
				return err
			}
			results[i] = []*domain.Page{page}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var pages []*domain.Page
	for _, r := range results {
		pages = append(pages, r...)
	}
	return pages, nil
}

func isPDF(f File) bool {
	return bytes.HasPrefix(f.Data, []byte("%PDF")) ||
		strings.HasSuffix(strings.ToLower(f.Name), ".pdf")
}

// IngestImage stores a directly uploaded image as an immediately ready page.
func (s *Service) IngestImage(ctx context.Context, fileName string, data []byte) (*domain.Page, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, domain.ValidationError(fmt.Sprintf("unsupported image file %s", fileName), err)
	}

	idx, err := s.nextIndex(ctx)
	if err != nil {
		return nil, err
	}

	pg := &domain.Page{
		ID:       uuid.NewString(),
		Index:    idx,
		Origin:   domain.OriginUpload,
		FileName: fileName,
		FileSize: int64(len(data)),
		MIMEType: "image/" + format,
		Status:   domain.StatusReady,
		Width:    cfg.Width,
		Height:   cfg.Height,
	}
	pg.AppendLog("image uploaded")

	if err := s.store.CreatePage(ctx, pg); err != nil {
		return nil, domain.StorageError("Failed to create page", err)
	}
	if err := s.store.PutArtifact(ctx, pg.ID, domain.ArtifactImage, data); err != nil {
		return nil, domain.StorageError("Failed to persist image", err)
	}
	if thumb, err := render.Thumbnail(data, 256); err == nil {
		_ = s.store.PutArtifact(ctx, pg.ID, domain.ArtifactThumbnail, thumb)
	}

	s.log.Info().Str("file", fileName).Str("page_id", pg.ID).Msg("image ingested")
	return pg, nil
}

// QueueOCR fetches the page image and submits recognition.
func (s *Service) QueueOCR(ctx context.Context, pageID string, opts domain.OCROptions) error {
	img, err := s.store.GetArtifact(ctx, pageID, domain.ArtifactImage)
	if err != nil {
		return domain.StorageError("Failed to load page image", err)
	}
	s.orch.QueueOCR(pageID, img, opts)
	return nil
}

// QueueBatchOCR submits recognition for every eligible page.
func (s *Service) QueueBatchOCR(ctx context.Context, opts domain.OCROptions) (ocr.BatchResult, error) {
	pages, err := s.store.ListPages(ctx)
	if err != nil {
		return ocr.BatchResult{}, err
	}
	return s.orch.QueueBatchOCR(ctx, pages, opts), nil
}

// CancelOCR aborts a page's in-flight or queued recognition.
func (s *Service) CancelOCR(pageID string) {
	s.orch.Cancel(pageID)
}

// QueueGeneration schedules document generation (Markdown, DOCX, searchable
// PDF) for a page whose OCR result is persisted.
func (s *Service) QueueGeneration(pageID string) {
	s.bus.Publish(events.GenQueued, pageID, nil)
	s.setStatus(pageID, domain.StatusPendingGen, "queued for document generation")
	s.queue.AddGenerationTask(pageID, func(ctx context.Context) error {
		return s.runGeneration(ctx, pageID)
	})
}

// runGeneration drives the generation chain. Markdown success is independent
// of the later stages: a DOCX or PDF failure leaves the persisted Markdown in
// place and surfaces the error.
func (s *Service) runGeneration(ctx context.Context, pageID string) error {
	s.bus.Publish(events.GenStart, pageID, nil)
	if err := queue.Checkpoint(ctx); err != nil {
		return err
	}

	s.setStatus(pageID, domain.StatusGeneratingMarkdown, "markdown generation started")
	md, err := s.assembler.GenerateMarkdown(ctx, pageID)
	if err != nil {
		return s.failGeneration(pageID, err)
	}
	if err := queue.Checkpoint(ctx); err != nil {
		return err
	}
	if err := s.store.PutArtifact(ctx, pageID, domain.ArtifactMarkdown, []byte(md)); err != nil {
		return s.failGeneration(pageID, domain.StorageError("Failed to persist markdown", err))
	}
	s.setStatus(pageID, domain.StatusMarkdownSuccess, "markdown generated")

	s.setStatus(pageID, domain.StatusGeneratingDOCX, "docx generation started")
	docx, err := s.docx.Generate(ctx, []byte(md))
	if err != nil {
		s.log.Error().Err(err).Str("page_id", pageID).Msg("docx generation failed, markdown retained")
		return s.failGeneration(pageID, err)
	}
	if err := queue.Checkpoint(ctx); err != nil {
		return err
	}
	if err := s.store.PutArtifact(ctx, pageID, domain.ArtifactDOCX, docx); err != nil {
		return s.failGeneration(pageID, domain.StorageError("Failed to persist docx", err))
	}
	s.setStatus(pageID, domain.StatusDOCXSuccess, "docx generated")

	s.setStatus(pageID, domain.StatusGeneratingPDF, "searchable pdf generation started")
	img, err := s.store.GetArtifact(ctx, pageID, domain.ArtifactImage)
	if err != nil {
		return s.failGeneration(pageID, domain.StorageError("Failed to load page image", err))
	}
	res, err := s.store.GetOCRResult(ctx, pageID)
	if err != nil {
		return s.failGeneration(pageID, domain.StorageError("Failed to load OCR result", err))
	}
	pdf, err := s.sandwich.Build(img, res)
	if err != nil {
		return s.failGeneration(pageID, err)
	}
	if err := queue.Checkpoint(ctx); err != nil {
		return err
	}
	if err := s.store.PutArtifact(ctx, pageID, domain.ArtifactPDF, pdf); err != nil {
		return s.failGeneration(pageID, domain.StorageError("Failed to persist pdf", err))
	}
	s.setStatus(pageID, domain.StatusPDFSuccess, "searchable pdf generated")

	s.setStatus(pageID, domain.StatusCompleted, "document generation complete")
	s.bus.Publish(events.GenSuccess, pageID, nil)
	return nil
}

func (s *Service) failGeneration(pageID string, err error) error {
	s.setStatus(pageID, domain.StatusError, err.Error())
	s.bus.Publish(events.GenErr, pageID, err.Error())
	return err
}

// DeletePage cancels any queued work for the page and removes it with all
// dependent artifacts. The source PDF blob is garbage-collected once its
// last page is gone.
func (s *Service) DeletePage(ctx context.Context, pageID string) error {
	s.queue.Cancel(pageID)

	pg, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return err
	}
	if err := s.store.DeletePage(ctx, pageID); err != nil {
		return err
	}

	if pg.SourceID != "" {
		n, err := s.store.CountPagesBySource(ctx, pg.SourceID)
		if err == nil && n == 0 {
			if err := s.store.DeleteSource(ctx, pg.SourceID); err != nil {
				s.log.Warn().Err(err).Str("source_id", pg.SourceID).Msg("source pdf cleanup failed")
			}
		}
	}

	s.log.Info().Str("page_id", pageID).Msg("page deleted")
	return nil
}

// ReorderPages assigns order indexes following the given id order. Ids not
// listed keep their position relative to each other after the listed ones.
func (s *Service) ReorderPages(ctx context.Context, ids []string) error {
	for i, id := range ids {
		pg, err := s.store.GetPage(ctx, id)
		if err != nil {
			return err
		}
		if pg.Index == i {
			continue
		}
		pg.Index = i
		if err := s.store.UpdatePage(ctx, pg); err != nil {
			return err
		}
	}
	return nil
}

// Resume recovers from a restart: interrupted renders are re-enqueued (see
// render.Pipeline.Resume), interrupted recognitions are re-baselined to ready
// for manual re-submission, and interrupted generation chains are re-queued
// whole (generation is idempotent).
func (s *Service) Resume(ctx context.Context) error {
	if _, err := s.render.Resume(ctx); err != nil {
		return err
	}

	pages, err := s.store.ListPages(ctx)
	if err != nil {
		return err
	}
	for _, pg := range pages {
		switch pg.Status {
		case domain.StatusRecognizing, domain.StatusPendingOCR:
			s.resetStatus(pg, domain.StatusReady, "recognition interrupted by restart")
		case domain.StatusPendingGen, domain.StatusGeneratingMarkdown,
			domain.StatusGeneratingDOCX, domain.StatusGeneratingPDF:
			s.resetStatus(pg, domain.StatusOCRSuccess, "generation interrupted, re-queued")
			s.QueueGeneration(pg.ID)
		}
	}
	return nil
}

// Pages lists all pages in display order.
func (s *Service) Pages(ctx context.Context) ([]*domain.Page, error) {
	return s.store.ListPages(ctx)
}

// Stats reports queue occupancy.
func (s *Service) Stats() queue.Stats {
	return s.queue.Stats()
}

func (s *Service) setStatus(pageID string, to domain.PageStatus, msg string) {
	ctx := context.Background()
	pg, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		s.log.Warn().Err(err).Str("page_id", pageID).Msg("status update on missing page")
		return
	}
	if !domain.CanTransition(pg.Status, to) {
		s.log.Warn().
			Str("page_id", pageID).
			Str("from", string(pg.Status)).
			Str("to", string(to)).
			Msg("illegal status transition dropped")
		return
	}
	pg.Status = to
	pg.AppendLog(msg)
	if err := s.store.UpdatePage(ctx, pg); err != nil {
		s.log.Error().Err(err).Str("page_id", pageID).Msg("failed to persist status")
	}
}

// resetStatus re-baselines a page during crash recovery, outside the normal
// transition graph.
func (s *Service) resetStatus(pg *domain.Page, to domain.PageStatus, msg string) {
	pg.Status = to
	pg.AppendLog(msg)
	if err := s.store.UpdatePage(context.Background(), pg); err != nil {
		s.log.Error().Err(err).Str("page_id", pg.ID).Msg("failed to persist status reset")
	}
}

func (s *Service) nextIndex(ctx context.Context) (int, error) {
	pages, err := s.store.ListPages(ctx)
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
