package assemble

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"

	"github.com/scan2doc/scan2doc/internal/domain"
	"github.com/scan2doc/scan2doc/internal/layout"
	"github.com/scan2doc/scan2doc/internal/observability"
	"github.com/scan2doc/scan2doc/internal/store"
)

// Images embed at a fixed placeholder size; aspect ratio is not preserved.
const (
	imagePlaceholderCx = 3657600 // 4.0in in EMU
	imagePlaceholderCy = 2743200 // 3.0in in EMU
)

// DocxGenerator converts assembled Markdown into a DOCX document. It consumes
// the Markdown, not the OCR result: visual layout decisions were already made
// by the assembler.
type DocxGenerator struct {
	store *store.Store
	log   *observability.Logger
}

// NewDocxGenerator wires a DOCX generator against the page store, which it
// queries to resolve scan2doc-img references to image bytes.
func NewDocxGenerator(st *store.Store, log *observability.Logger) *DocxGenerator {
	return &DocxGenerator{store: st, log: log.WithComponent("docx")}
}

// Generate parses the Markdown and emits a DOCX archive. Headings map to the
// document's Heading1-6 styles, bold/italic/line-break runs carry over, and
// scan2doc-img references are resolved to embedded pictures.
func (g *DocxGenerator) Generate(ctx context.Context, markdown []byte) ([]byte, error) {
	md := goldmark.New()
	doc := md.Parser().Parse(gmtext.NewReader(markdown))

	b := newDocxBuilder()
	g.walkBlocks(ctx, b, doc, markdown)
	out, err := b.archive()
	if err != nil {
		return nil, domain.AssemblyError("Failed to assemble DOCX archive", err)
	}
	return out, nil
}

func (g *DocxGenerator) walkBlocks(ctx context.Context, b *docxBuilder, parent ast.Node, src []byte) {
	for child := parent.FirstChild(); child != nil; child = child.NextSibling() {
		switch n := child.(type) {
		case *ast.Heading:
			level := n.Level
			if level > 6 {
				level = 6
			}
			b.startParagraph(fmt.Sprintf("Heading%d", level))
			g.walkInlines(ctx, b, n, src, false, false)
			b.endParagraph()

		case *ast.Paragraph, *ast.TextBlock:
			b.startParagraph("")
			g.walkInlines(ctx, b, child, src, false, false)
			b.endParagraph()

		case *ast.HTMLBlock:
			g.renderHTMLBlock(b, n, src)

		case *ast.List:
			g.walkBlocks(ctx, b, n, src)

		case *ast.ListItem:
			b.startParagraph("")
			b.textRun("• ", false, false)
			g.walkInlinesOfItem(ctx, b, n, src)
			b.endParagraph()

		case *ast.Blockquote, *ast.FencedCodeBlock, *ast.CodeBlock:
			b.startParagraph("")
			g.walkInlines(ctx, b, child, src, false, false)
			b.endParagraph()
		}
	}
}

// walkInlinesOfItem flattens a list item's paragraph children into the
// already-open bullet paragraph.
func (g *DocxGenerator) walkInlinesOfItem(ctx context.Context, b *docxBuilder, item ast.Node, src []byte) {
	for child := item.FirstChild(); child != nil; child = child.NextSibling() {
		g.walkInlines(ctx, b, child, src, false, false)
	}
}

// renderHTMLBlock flattens embedded table HTML into tab-separated lines, one
// paragraph per table row.
func (g *DocxGenerator) renderHTMLBlock(b *docxBuilder, n *ast.HTMLBlock, src []byte) {
	var sb strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(src))
	}
	for _, line := range strings.Split(layout.PlainText(sb.String()), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		b.startParagraph("")
		b.textRun(line, false, false)
		b.endParagraph()
	}
}

func (g *DocxGenerator) walkInlines(ctx context.Context, b *docxBuilder, parent ast.Node, src []byte, bold, italic bool) {
	for child := parent.FirstChild(); child != nil; child = child.NextSibling() {
		switch n := child.(type) {
		case *ast.Text:
			b.textRun(string(n.Segment.Value(src)), bold, italic)
			if n.HardLineBreak() {
				b.lineBreak()
			} else if n.SoftLineBreak() {
				b.textRun(" ", bold, italic)
			}

		case *ast.String:
			b.textRun(string(n.Value), bold, italic)

		case *ast.Emphasis:
			if n.Level >= 2 {
				g.walkInlines(ctx, b, n, src, true, italic)
			} else {
				g.walkInlines(ctx, b, n, src, bold, true)
			}

		case *ast.Image:
			g.embedImage(ctx, b, n, src, bold, italic)

		case *ast.Link:
			// Keep the text, drop the target.
			g.walkInlines(ctx, b, n, src, bold, italic)

		case *ast.RawHTML:
			// Inline HTML carries no text content worth keeping.

		default:
			if child.HasChildren() {
				g.walkInlines(ctx, b, child, src, bold, italic)
			}
		}
	}
}

// embedImage resolves a scan2doc-img reference against the store. An
// unresolvable reference degrades to its alt text rather than failing the
// whole document.
func (g *DocxGenerator) embedImage(ctx context.Context, b *docxBuilder, n *ast.Image, src []byte, bold, italic bool) {
	alt := string(n.Text(src))
	dest := string(n.Destination)
	if !strings.HasPrefix(dest, domain.ImageRefScheme) {
		b.textRun(alt, bold, italic)
		return
	}

	id := strings.TrimPrefix(dest, domain.ImageRefScheme)
	data, err := g.store.GetExtracted(ctx, id)
	if err != nil {
		g.log.Warn().Err(err).Str("image_id", id).Msg("image reference unresolved, keeping alt text")
		b.textRun(alt, bold, italic)
		return
	}

	contentType := http.DetectContentType(data)
	ext := "jpeg"
	if contentType == "image/png" {
		ext = "png"
	}
	relID := b.addMedia(data, ext, contentType)
	b.imageRun(relID, alt, imagePlaceholderCx, imagePlaceholderCy)
}
