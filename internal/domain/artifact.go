package domain

// ArtifactKind addresses one stored binary belonging to a page.
type ArtifactKind string

const (
	ArtifactImage     ArtifactKind = "image"
	ArtifactThumbnail ArtifactKind = "thumbnail"
	ArtifactOCR       ArtifactKind = "ocr"
	ArtifactMarkdown  ArtifactKind = "markdown"
	ArtifactDOCX      ArtifactKind = "docx"
	ArtifactPDF       ArtifactKind = "pdf"
	ArtifactExtracted ArtifactKind = "extracted"

	// ArtifactSource holds an ingested source PDF, keyed by source id
	// rather than page id. Pages split from the PDF reference it through
	// Page.SourceID so interrupted renders survive a restart.
	ArtifactSource ArtifactKind = "source"
)

// AllArtifactKinds lists every kind a page can own; deletion cascades over
// this set.
var AllArtifactKinds = []ArtifactKind{
	ArtifactImage, ArtifactThumbnail, ArtifactOCR,
	ArtifactMarkdown, ArtifactDOCX, ArtifactPDF, ArtifactExtracted,
}

// ImageRefScheme is the pseudo-protocol used in assembled Markdown to address
// extracted sub-images: ![caption](scan2doc-img:<id>). It is a private
// convention consumed only by this system's viewers and exporters.
const ImageRefScheme = "scan2doc-img:"
