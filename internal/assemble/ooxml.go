package assemble

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// docxBuilder accumulates WordprocessingML paragraphs and media parts, then
// zips them into a minimal valid .docx archive. Only the parts Word actually
// requires are emitted: content types, package rels, document, styles and
// the document's own rels for embedded media.
type docxBuilder struct {
	body     strings.Builder
	media    []mediaPart
	drawings int
}

type mediaPart struct {
	name        string // relative to word/, e.g. media/image1.jpeg
	data        []byte
	contentType string
	relID       string
}

func newDocxBuilder() *docxBuilder {
	return &docxBuilder{}
}

func (b *docxBuilder) startParagraph(style string) {
	b.body.WriteString("<w:p>")
	if style != "" {
		fmt.Fprintf(&b.body, `<w:pPr><w:pStyle w:val="%s"/></w:pPr>`, style)
	}
}

func (b *docxBuilder) endParagraph() {
	b.body.WriteString("</w:p>")
}

func (b *docxBuilder) textRun(text string, bold, italic bool) {
	if text == "" {
		return
	}
	b.body.WriteString("<w:r>")
	if bold || italic {
		b.body.WriteString("<w:rPr>")
		if bold {
			b.body.WriteString("<w:b/>")
		}
		if italic {
			b.body.WriteString("<w:i/>")
		}
		b.body.WriteString("</w:rPr>")
	}
	// Tab-separated content (flattened table rows) keeps its tab stops.
	for i, part := range strings.Split(text, "\t") {
		if i > 0 {
			b.body.WriteString("<w:tab/>")
		}
		fmt.Fprintf(&b.body, `<w:t xml:space="preserve">%s</w:t>`, xmlEscape(part))
	}
	b.body.WriteString("</w:r>")
}

func (b *docxBuilder) lineBreak() {
	b.body.WriteString("<w:r><w:br/></w:r>")
}

// addMedia registers an image part and returns the relationship id a drawing
// must reference.
func (b *docxBuilder) addMedia(data []byte, ext, contentType string) string {
	n := len(b.media) + 1
	part := mediaPart{
		name:        fmt.Sprintf("media/image%d.%s", n, ext),
		data:        data,
		contentType: contentType,
		relID:       fmt.Sprintf("rId%d", n+1), // rId1 is styles.xml
	}
	b.media = append(b.media, part)
	return part.relID
}

func (b *docxBuilder) imageRun(relID, name string, cx, cy int) {
	b.drawings++
	id := b.drawings
	if name == "" {
		name = fmt.Sprintf("Picture %d", id)
	}
	fmt.Fprintf(&b.body,
		`<w:r><w:drawing><wp:inline distT="0" distB="0" distL="0" distR="0">`+
			`<wp:extent cx="%d" cy="%d"/>`+
			`<wp:docPr id="%d" name="%s"/>`+
			`<a:graphic xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main">`+
			`<a:graphicData uri="http://schemas.openxmlformats.org/drawingml/2006/picture">`+
			`<pic:pic xmlns:pic="http://schemas.openxmlformats.org/drawingml/2006/picture">`+
			`<pic:nvPicPr><pic:cNvPr id="%d" name="%s"/><pic:cNvPicPr/></pic:nvPicPr>`+
			`<pic:blipFill><a:blip r:embed="%s"/><a:stretch><a:fillRect/></a:stretch></pic:blipFill>`+
			`<pic:spPr><a:xfrm><a:off x="0" y="0"/><a:ext cx="%d" cy="%d"/></a:xfrm>`+
			`<a:prstGeom prst="rect"><a:avLst/></a:prstGeom></pic:spPr>`+
			`</pic:pic></a:graphicData></a:graphic></wp:inline></w:drawing></w:r>`,
		cx, cy, id, xmlEscape(name), id, xmlEscape(name), relID, cx, cy)
}

// archive zips the accumulated parts into the final .docx bytes.
func (b *docxBuilder) archive() ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	parts := []struct {
		name    string
		content string
	}{
		{"[Content_Types].xml", b.contentTypesXML()},
		{"_rels/.rels", packageRelsXML},
		{"word/document.xml", b.documentXML()},
		{"word/styles.xml", stylesXML},
		{"word/_rels/document.xml.rels", b.documentRelsXML()},
	}
	for _, p := range parts {
		w, err := zw.Create(p.name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(p.content)); err != nil {
			return nil, err
		}
	}
	for _, m := range b.media {
		w, err := zw.Create("word/" + m.name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(m.data); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (b *docxBuilder) contentTypesXML() string {
	var sb strings.Builder
	sb.WriteString(xml.Header)
	sb.WriteString(`<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">`)
	sb.WriteString(`<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>`)
	sb.WriteString(`<Default Extension="xml" ContentType="application/xml"/>`)
	sb.WriteString(`<Default Extension="jpeg" ContentType="image/jpeg"/>`)
	sb.WriteString(`<Default Extension="png" ContentType="image/png"/>`)
	sb.WriteString(`<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>`)
	sb.WriteString(`<Override PartName="/word/styles.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.styles+xml"/>`)
	sb.WriteString(`</Types>`)
	return sb.String()
}

func (b *docxBuilder) documentXML() string {
	var sb strings.Builder
	sb.WriteString(xml.Header)
	sb.WriteString(`<w:document` +
		` xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"` +
		` xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships"` +
		` xmlns:wp="http://schemas.openxmlformats.org/drawingml/2006/wordprocessingDrawing">`)
	sb.WriteString("<w:body>")
	sb.WriteString(b.body.String())
	sb.WriteString(`<w:sectPr><w:pgSz w:w="11906" w:h="16838"/></w:sectPr>`)
	sb.WriteString("</w:body></w:document>")
	return sb.String()
}

func (b *docxBuilder) documentRelsXML() string {
	var sb strings.Builder
	sb.WriteString(xml.Header)
	sb.WriteString(`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">`)
	sb.WriteString(`<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/styles" Target="styles.xml"/>`)
	for _, m := range b.media {
		fmt.Fprintf(&sb,
			`<Relationship Id="%s" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/image" Target="%s"/>`,
			m.relID, m.name)
	}
	sb.WriteString(`</Relationships>`)
	return sb.String()
}

const packageRelsXML = xml.Header +
	`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">` +
	`<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>` +
	`</Relationships>`

// stylesXML declares the six heading styles paragraphs reference. Sizes are
// half-points.
const stylesXML = xml.Header +
	`<w:styles xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">` +
	`<w:style w:type="paragraph" w:default="1" w:styleId="Normal"><w:name w:val="Normal"/></w:style>` +
	`<w:style w:type="paragraph" w:styleId="Heading1"><w:name w:val="heading 1"/><w:basedOn w:val="Normal"/><w:pPr><w:outlineLvl w:val="0"/></w:pPr><w:rPr><w:b/><w:sz w:val="48"/></w:rPr></w:style>` +
	`<w:style w:type="paragraph" w:styleId="Heading2"><w:name w:val="heading 2"/><w:basedOn w:val="Normal"/><w:pPr><w:outlineLvl w:val="1"/></w:pPr><w:rPr><w:b/><w:sz w:val="40"/></w:rPr></w:style>` +
	`<w:style w:type="paragraph" w:styleId="Heading3"><w:name w:val="heading 3"/><w:basedOn w:val="Normal"/><w:pPr><w:outlineLvl w:val="2"/></w:pPr><w:rPr><w:b/><w:sz w:val="32"/></w:rPr></w:style>` +
	`<w:style w:type="paragraph" w:styleId="Heading4"><w:name w:val="heading 4"/><w:basedOn w:val="Normal"/><w:pPr><w:outlineLvl w:val="3"/></w:pPr><w:rPr><w:b/><w:sz w:val="28"/></w:rPr></w:style>` +
	`<w:style w:type="paragraph" w:styleId="Heading5"><w:name w:val="heading 5"/><w:basedOn w:val="Normal"/><w:pPr><w:outlineLvl w:val="4"/></w:pPr><w:rPr><w:b/><w:sz w:val="26"/></w:rPr></w:style>` +
	`<w:style w:type="paragraph" w:styleId="Heading6"><w:name w:val="heading 6"/><w:basedOn w:val="Normal"/><w:pPr><w:outlineLvl w:val="5"/></w:pPr><w:rPr><w:b/><w:sz w:val="24"/></w:rPr></w:style>` +
	`</w:styles>`

func xmlEscape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
