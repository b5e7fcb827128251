package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/scan2doc/scan2doc/internal/domain"
	"github.com/scan2doc/scan2doc/internal/pipeline"
)

var (
	processOutputDir string
	processMode      string
	processTimeout   time.Duration
)

var processCmd = &cobra.Command{
	Use:   "process [files...]",
	Short: "Process PDFs and images into Markdown, DOCX and searchable PDF",
	Long: `Ingests the given PDF and image files, runs OCR on every page, and writes
the generated Markdown, DOCX and sandwich PDF artifacts to the output
directory.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runProcess,
}

func init() {
	processCmd.Flags().StringVarP(&processOutputDir, "output", "o", ".", "output directory")
	processCmd.Flags().StringVarP(&processMode, "mode", "m", "document", "OCR prompt mode")
	processCmd.Flags().DurationVar(&processTimeout, "timeout", 30*time.Minute, "overall processing timeout")
	rootCmd.AddCommand(processCmd)
}

func runProcess(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
	defer cancel()

	var files []pipeline.File
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		files = append(files, pipeline.File{Name: filepath.Base(path), Data: data})
	}

	pages, err := a.svc.Ingest(ctx, files)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	a.log.Info().Int("pages", len(pages)).Msg("files ingested")

	// Rendering runs on the generation lane; wait for every page image
	// before submitting the batch.
	a.queue.Wait()

	res, err := a.svc.QueueBatchOCR(ctx, domain.OCROptions{Mode: domain.PromptMode(processMode)})
	if err != nil {
		return fmt.Errorf("batch OCR: %w", err)
	}
	a.log.Info().Int("queued", res.Queued).Int("skipped", res.Skipped).
		Int("failed", res.Failed).Msg("batch submitted")

	if err := waitForPages(ctx, a, pages); err != nil {
		return err
	}
	return exportArtifacts(ctx, a, pages)
}

// waitForPages polls until every page is completed or errored. OCR success
// chains document generation asynchronously, so a single queue drain is not
// enough to know the batch is done.
func waitForPages(ctx context.Context, a *app, pages []*domain.Page) error {
	for {
		done := 0
		for _, pg := range pages {
			got, err := a.store.GetPage(ctx, pg.ID)
			if err != nil {
				return fmt.Errorf("poll page %s: %w", pg.ID, err)
			}
			switch got.Status {
			case domain.StatusCompleted, domain.StatusError:
				done++
			}
		}
		if done == len(pages) {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("processing timed out: %w", ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// exportArtifacts writes each completed page's generated documents to the
// output directory, named by page index.
func exportArtifacts(ctx context.Context, a *app, pages []*domain.Page) error {
	if err := os.MkdirAll(processOutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	exts := map[domain.ArtifactKind]string{
		domain.ArtifactMarkdown: "md",
		domain.ArtifactDOCX:     "docx",
		domain.ArtifactPDF:      "pdf",
	}

	var failed int
	for _, pg := range pages {
		got, err := a.store.GetPage(ctx, pg.ID)
		if err != nil {
			return err
		}
		if got.Status != domain.StatusCompleted {
			a.log.Warn().Str("page_id", pg.ID).Str("status", string(got.Status)).
				Msg("page did not complete, skipping export")
			failed++
			continue
		}

		for kind, ext := range exts {
			data, err := a.store.GetArtifact(ctx, pg.ID, kind)
			if err != nil {
				return fmt.Errorf("load %s for page %s: %w", kind, pg.ID, err)
			}
			name := fmt.Sprintf("page-%03d.%s", got.Index, ext)
			if err := os.WriteFile(filepath.Join(processOutputDir, name), data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", name, err)
			}
		}
	}

	a.log.Info().Int("exported", len(pages)-failed).Int("failed", failed).
		Str("dir", processOutputDir).Msg("export complete")
	if failed > 0 {
		return fmt.Errorf("%d of %d pages failed", failed, len(pages))
	}
	return nil
}
