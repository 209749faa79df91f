package testutil

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"regexp"
	"strings"
	"testing"

	"github.com/ledongthuc/pdf"
)

// PDF builds a minimal but fully valid PDF with the given number of pages.
// Each page carries one uncompressed text line "<text> page <n>" in
// Helvetica, so both raw scans and text extraction can see it. The xref
// table is computed exactly; strict parsers accept the output.
func PDF(t *testing.T, pages int, text string) []byte {
	t.Helper()
	if pages < 1 {
		pages = 1
	}

	var buf bytes.Buffer
	var offsets []int
	writeObj := func(body string) {
		offsets = append(offsets, buf.Len())
		buf.WriteString(body)
	}

	buf.WriteString("%PDF-1.7\n")

	// Object layout: 1 catalog, 2 page tree, 3..pages+2 page dicts,
	// pages+3..2*pages+2 content streams, 2*pages+3 the shared font.
	fontNum := 2*pages + 3

	kids := make([]string, pages)
	for i := range kids {
		kids[i] = fmt.Sprintf("%d 0 R", 3+i)
	}

	writeObj("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	writeObj(fmt.Sprintf("2 0 obj\n<< /Type /Pages /Kids [%s] /Count %d >>\nendobj\n",
		strings.Join(kids, " "), pages))

	for i := 0; i < pages; i++ {
		writeObj(fmt.Sprintf("%d 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] "+
			"/Resources << /Font << /F1 %d 0 R >> >> /Contents %d 0 R >>\nendobj\n",
			3+i, fontNum, pages+3+i))
	}

	for i := 0; i < pages; i++ {
		content := fmt.Sprintf("BT /F1 24 Tf 72 700 Td (%s page %d) Tj ET",
			escapePDFText(text), i+1)
		writeObj(fmt.Sprintf("%d 0 obj\n<< /Length %d >>\nstream\n%s\nendstream\nendobj\n",
			pages+3+i, len(content), content))
	}

	writeObj(fmt.Sprintf("%d 0 obj\n<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>\nendobj\n",
		fontNum))

	xrefOffset := buf.Len()
	size := fontNum + 1
	fmt.Fprintf(&buf, "xref\n0 %d\n", size)
	buf.WriteString("0000000000 65535 f\r\n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n\r\n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n",
		size, xrefOffset)

	return buf.Bytes()
}

func escapePDFText(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)
	return r.Replace(s)
}

var streamRe = regexp.MustCompile(`(?s)stream\r?\n(.*?)endstream`)

// PDFContains reports whether needle occurs in the PDF's raw bytes or inside
// any of its Flate-compressed stream objects. Watermark overlays live in
// compressed form XObjects, so a raw scan alone cannot see them.
func PDFContains(data []byte, needle string) bool {
	n := []byte(needle)
	if bytes.Contains(data, n) {
		return true
	}
	for _, m := range streamRe.FindAllSubmatch(data, -1) {
		segment := m[1]
		zr, err := zlib.NewReader(bytes.NewReader(segment))
		if err != nil {
			continue // raw stream, already covered by the direct scan
		}
		decoded, err := io.ReadAll(io.LimitReader(zr, 16<<20))
		zr.Close()
		if err != nil && len(decoded) == 0 {
			continue
		}
		if bytes.Contains(decoded, n) {
			return true
		}
	}
	return false
}

// Property returns the value of an Info-dictionary string property, or ""
// if the key is absent. Values are expected to be ASCII literals, which is
// how the renderer writes its metadata mark.
func Property(data []byte, key string) string {
	re := regexp.MustCompile(`/` + regexp.QuoteMeta(key) + `\s*\(([^)]*)\)`)
	m := re.FindSubmatch(data)
	if m == nil {
		return ""
	}
	return string(m[1])
}

// PlainText extracts the document's page text. Form XObjects (where the
// visible watermark lives) are not followed, so this returns the original
// body text even on a marked copy.
func PlainText(t *testing.T, data []byte) string {
	t.Helper()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("pdf reader: %v", err)
	}
	txt, err := r.GetPlainText()
	if err != nil {
		t.Fatalf("plain text: %v", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(txt); err != nil {
		t.Fatalf("plain text read: %v", err)
	}
	return buf.String()
}
