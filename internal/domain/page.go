package domain

import "time"

// PageOrigin records how a page entered the system.
type PageOrigin string

const (
	OriginUpload       PageOrigin = "upload"
	OriginPDFGenerated PageOrigin = "pdf_generated"
)

// PageStatus is the explicit lifecycle state of a page. Status is never
// inferred; transitions happen only when a pipeline stage completes.
type PageStatus string

const (
	StatusPendingRender      PageStatus = "pending_render"
	StatusRendering          PageStatus = "rendering"
	StatusReady              PageStatus = "ready"
	StatusPendingOCR         PageStatus = "pending_ocr"
	StatusRecognizing        PageStatus = "recognizing"
	StatusOCRSuccess         PageStatus = "ocr_success"
	StatusPendingGen         PageStatus = "pending_gen"
	StatusGeneratingMarkdown PageStatus = "generating_markdown"
	StatusMarkdownSuccess    PageStatus = "markdown_success"
	StatusGeneratingDOCX     PageStatus = "generating_docx"
	StatusDOCXSuccess        PageStatus = "docx_success"
	StatusGeneratingPDF      PageStatus = "generating_pdf"
	StatusPDFSuccess         PageStatus = "pdf_success"
	StatusCompleted          PageStatus = "completed"
	StatusError              PageStatus = "error"
)

// transitions maps each status to the statuses reachable from it along the
// pipeline. StatusError is additionally reachable from every non-terminal
// state; see CanTransition.
var transitions = map[PageStatus][]PageStatus{
	StatusPendingRender:      {StatusRendering, StatusReady},
	StatusRendering:          {StatusReady, StatusPendingRender},
	StatusReady:              {StatusPendingOCR},
	StatusPendingOCR:         {StatusRecognizing},
	StatusRecognizing:        {StatusOCRSuccess, StatusPendingOCR},
	StatusOCRSuccess:         {StatusPendingGen, StatusPendingOCR},
	StatusPendingGen:         {StatusGeneratingMarkdown},
	StatusGeneratingMarkdown: {StatusMarkdownSuccess},
	StatusMarkdownSuccess:    {StatusGeneratingDOCX, StatusPendingGen},
	StatusGeneratingDOCX:     {StatusDOCXSuccess},
	StatusDOCXSuccess:        {StatusGeneratingPDF, StatusCompleted, StatusPendingGen},
	StatusGeneratingPDF:      {StatusPDFSuccess},
	StatusPDFSuccess:         {StatusCompleted, StatusPendingGen},
	StatusCompleted:          {StatusPendingOCR, StatusPendingGen},
	StatusError:              {StatusPendingRender, StatusPendingOCR, StatusPendingGen},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to PageStatus) bool {
	if to == StatusError {
		return from != StatusError
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsInFlight reports whether a page is mid-stage: a page left in one of
// these states after a crash needs to be reset on resume.
func (s PageStatus) IsInFlight() bool {
	switch s {
	case StatusRendering, StatusRecognizing, StatusGeneratingMarkdown,
		StatusGeneratingDOCX, StatusGeneratingPDF:
		return true
	}
	return false
}

// LogEntry is a single timestamped status message on a page.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Page is the central entity: one per scanned image or PDF page. The image
// and generated artifacts live in the store, addressed by the page id.
type Page struct {
	ID     string     `json:"id"`
	Index  int        `json:"index"`
	Origin PageOrigin `json:"origin"`

	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
	MIMEType string `json:"mime_type"`

	// PDFPage is the 1-based page number within the source PDF.
	// Zero for directly uploaded images.
	PDFPage int `json:"pdf_page,omitempty"`

	// SourceID identifies the persisted source PDF this page was split
	// from, so interrupted renders can be resumed after a restart. Empty
	// for directly uploaded images.
	SourceID string `json:"source_id,omitempty"`

	Status PageStatus `json:"status"`

	// Image dimensions in pixels, populated once a render completes or an
	// uploaded image is decoded.
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`

	Logs []LogEntry `json:"logs,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppendLog records a timestamped status message. Logs are append-only and
// mutated only by pipeline stages reporting progress.
func (p *Page) AppendLog(msg string) {
	p.Logs = append(p.Logs, LogEntry{Time: time.Now(), Message: msg})
}
