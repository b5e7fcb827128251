package sandwich

import "strings"

const (
	minFontSize      = 6.0
	maxFontSize      = 200.0
	maxFitIterations = 12
	lineHeightFactor = 1.2
)

// wrapText greedily wraps text into lines no wider than maxWidth at the
// given point size. A single word wider than the box splits at character
// level so nothing is dropped.
func wrapText(f *Font, text string, size, maxWidth float64) []string {
	var lines []string
	for _, para := range strings.Split(text, "\n") {
		words := strings.Fields(para)
		if len(words) == 0 {
			continue
		}

		line := ""
		for _, word := range words {
			if f.MeasureString(word, size) > maxWidth {
				if line != "" {
					lines = append(lines, line)
					line = ""
				}
				head, rest := splitWord(f, word, size, maxWidth)
				lines = append(lines, head...)
				line = rest
				continue
			}

			candidate := word
			if line != "" {
				candidate = line + " " + word
			}
			if f.MeasureString(candidate, size) <= maxWidth {
				line = candidate
			} else {
				lines = append(lines, line)
				line = word
			}
		}
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// splitWord chops an over-wide word into maxWidth-sized chunks, returning the
// full chunks and the remainder that may still share a line with what follows.
func splitWord(f *Font, word string, size, maxWidth float64) ([]string, string) {
	var chunks []string
	chunk := ""
	for _, r := range word {
		next := chunk + string(r)
		if chunk != "" && f.MeasureString(next, size) > maxWidth {
			chunks = append(chunks, chunk)
			chunk = string(r)
		} else {
			chunk = next
		}
	}
	return chunks, chunk
}

// fitTextToBox binary-searches the largest font size in [minFontSize,
// maxFontSize] whose word-wrapped lines, at lineHeightFactor spacing, fit
// inside the box. Returns the chosen size and its wrapped lines. The result
// can still overflow a box too small for even the minimum size; the caller
// clips at draw time.
func fitTextToBox(f *Font, text string, boxW, boxH float64) (float64, []string) {
	fits := func(size float64) bool {
		lines := wrapText(f, text, size, boxW)
		if len(lines) == 0 {
			return true
		}
		return float64(len(lines))*size*lineHeightFactor <= boxH
	}

	lo, hi := minFontSize, maxFontSize
	best := minFontSize
	for i := 0; i < maxFitIterations; i++ {
		mid := (lo + hi) / 2
		if fits(mid) {
			best = mid
			lo = mid
		} else {
			hi = mid
		}
	}
	return best, wrapText(f, text, best, boxW)
}
