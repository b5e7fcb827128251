package domain

// PromptMode selects the OCR model behavior for a request.
type PromptMode string

const (
	ModeDocument PromptMode = "document"
	ModeOCR      PromptMode = "ocr"
	ModeFree     PromptMode = "free"
	ModeFigure   PromptMode = "figure"
	ModeDescribe PromptMode = "describe"
	ModeFind     PromptMode = "find"
	ModeFreeform PromptMode = "freeform"
)

// DefaultGrounding reports whether the mode requests bounding boxes by
// default. Only the layout-bearing modes do.
func (m PromptMode) DefaultGrounding() bool {
	switch m {
	case ModeDocument, ModeOCR, ModeFind:
		return true
	}
	return false
}

// OCROptions carries the per-request knobs forwarded to the OCR endpoint.
type OCROptions struct {
	Mode         PromptMode `json:"prompt_type"`
	CustomPrompt string     `json:"custom_prompt,omitempty"`
	FindTerm     string     `json:"find_term,omitempty"`
	// Grounding overrides the mode default when non-nil.
	Grounding *bool `json:"grounding,omitempty"`
}

// GroundingEnabled resolves the effective grounding flag.
func (o OCROptions) GroundingEnabled() bool {
	if o.Grounding != nil {
		return *o.Grounding
	}
	return o.Mode.DefaultGrounding()
}

// BoundingBox is one labelled box returned by the OCR endpoint. Coordinates
// are [x1,y1,x2,y2] in source-image pixel space or a 0-1000 normalized space.
type BoundingBox struct {
	Label string    `json:"label"`
	Box   []float64 `json:"box"`
}

// ImageDims are the pixel dimensions of the image the OCR ran on.
type ImageDims struct {
	W int `json:"w"`
	H int `json:"h"`
}

// OCRResult is the structured output of one OCR call. Immutable once
// produced: a retry replaces the whole result, never patches it.
type OCRResult struct {
	Success    bool          `json:"success"`
	Text       string        `json:"text"`
	RawText    string        `json:"raw_text"`
	Boxes      []BoundingBox `json:"boxes"`
	ImageDims  ImageDims     `json:"image_dims"`
	PromptMode PromptMode    `json:"prompt_type"`
}
