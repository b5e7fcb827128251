package layout

import (
	"regexp"
	"strings"
)

var (
	tagRe        = regexp.MustCompile(`<[^>]+>`)
	rowEndRe     = regexp.MustCompile(`(?i)</tr>`)
	cellEndRe    = regexp.MustCompile(`(?i)</t[dh]>`)
	mdImageRe    = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	mdLinkRe     = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	mdEmphasisRe = regexp.MustCompile(`(\*\*|__|\*|_|~~|` + "`" + `)`)
	mdHeadingRe  = regexp.MustCompile(`(?m)^#{1,6}\s+`)
)

// PlainText reduces a block's content to pure text suitable for the
// invisible PDF text layer: table HTML becomes row/cell-separated plain
// text, anything else has Markdown emphasis, links, and images stripped.
func PlainText(content string) string {
	if strings.Contains(content, "<table") {
		return tableToPlainText(content)
	}
	return stripMarkdown(content)
}

func tableToPlainText(html string) string {
	s := rowEndRe.ReplaceAllString(html, "\n")
	s = cellEndRe.ReplaceAllString(s, "\t")
	s = tagRe.ReplaceAllString(s, "")
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimRight(strings.TrimSpace(line), "\t")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func stripMarkdown(s string) string {
	s = mdImageRe.ReplaceAllString(s, "$1")
	s = mdLinkRe.ReplaceAllString(s, "$1")
	s = mdHeadingRe.ReplaceAllString(s, "")
	s = mdEmphasisRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
