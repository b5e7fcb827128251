package sandwich

import (
	"bytes"
	"fmt"
	"sort"
	"unicode/utf16"
)

// pdfFile accumulates numbered indirect objects and serializes them with a
// classic cross-reference table and trailer.
type pdfFile struct {
	objs [][]byte // objs[i] holds object i+1, nil while reserved
}

// reserve allocates an object number to be filled in later, so objects can
// reference each other before their bodies exist.
func (p *pdfFile) reserve() int {
	p.objs = append(p.objs, nil)
	return len(p.objs)
}

func (p *pdfFile) set(num int, body string) {
	p.objs[num-1] = []byte(body)
}

func (p *pdfFile) add(body string) int {
	p.objs = append(p.objs, []byte(body))
	return len(p.objs)
}

func (p *pdfFile) addStream(dict string, data []byte) int {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "<< %s /Length %d >>\nstream\n", dict, len(data))
	buf.Write(data)
	buf.WriteString("\nendstream")
	p.objs = append(p.objs, buf.Bytes())
	return len(p.objs)
}

func (p *pdfFile) bytes(rootNum int) []byte {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n")

	offsets := make([]int, len(p.objs)+1)
	for i, body := range p.objs {
		offsets[i+1] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n", i+1)
		buf.Write(body)
		buf.WriteString("\nendobj\n")
	}

	xrefPos := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(p.objs)+1)
	buf.WriteString("0000000000 65535 f \n")
	for i := 1; i <= len(p.objs); i++ {
		fmt.Fprintf(&buf, "%010d 00000 n \n", offsets[i])
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root %d 0 R >>\nstartxref\n%d\n%%%%EOF\n",
		len(p.objs)+1, rootNum, xrefPos)
	return buf.Bytes()
}

// buildToUnicode emits the CMap mapping the glyph ids used by the text layer
// back to Unicode, so text extraction and search recover the OCR output.
func buildToUnicode(used map[uint16]rune) []byte {
	cids := make([]int, 0, len(used))
	for cid := range used {
		cids = append(cids, int(cid))
	}
	sort.Ints(cids)

	minCID, maxCID := 0, 0xFFFF
	if len(cids) > 0 {
		minCID, maxCID = cids[0], cids[len(cids)-1]
	}

	var buf bytes.Buffer
	buf.WriteString("/CIDInit /ProcSet findresource begin\n12 dict begin\nbegincmap\n")
	buf.WriteString("/CIDSystemInfo << /Registry (Adobe) /Ordering (Identity) /Supplement 0 >> def\n")
	buf.WriteString("/CMapName /Scan2Doc-UTF16 def\n/CMapType 2 def\n")
	fmt.Fprintf(&buf, "1 begincodespacerange\n<%04X> <%04X>\nendcodespacerange\n", minCID, maxCID)

	for i := 0; i < len(cids); {
		chunk := len(cids) - i
		if chunk > 100 {
			chunk = 100
		}
		fmt.Fprintf(&buf, "%d beginbfchar\n", chunk)
		for j := 0; j < chunk; j++ {
			cid := cids[i+j]
			fmt.Fprintf(&buf, "<%04X> <%s>\n", cid, utf16Hex(used[uint16(cid)]))
		}
		buf.WriteString("endbfchar\n")
		i += chunk
	}

	buf.WriteString("endcmap\nCMapName currentdict /CMap defineresource pop\nend\nend\n")
	return buf.Bytes()
}

func utf16Hex(r rune) string {
	var sb bytes.Buffer
	for _, u := range utf16.Encode([]rune{r}) {
		fmt.Fprintf(&sb, "%04X", u)
	}
	return sb.String()
}
