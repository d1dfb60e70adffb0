package ingest

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/trellishq/trellis/runtime/faults"
)

// Supported upload content types.
const (
	ContentTypeText     = "text/plain"
	ContentTypeMarkdown = "text/markdown"
	ContentTypePDF      = "application/pdf"
	ContentTypeDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// Failure messages surfaced verbatim on failed jobs.
const (
	unsupportedMessage = "Unsupported file format. Use PDF, DOCX, MD, or TXT."
	pdfFailureMessage  = "Unable to parse PDF file"
	docxFailureMessage = "Unable to parse DOCX file"
)

// Segment is one parsed slice of an uploaded document. Plain text and DOCX
// produce a single page-1 segment; PDFs produce one segment per non-empty
// page.
type Segment struct {
	Page int
	Text string
}

// SupportedContentType reports whether uploads of the given type can be
// ingested.
func SupportedContentType(contentType string) bool {
	switch contentType {
	case ContentTypeText, ContentTypeMarkdown, ContentTypePDF, ContentTypeDOCX:
		return true
	}
	return false
}

// Parse extracts text segments from an upload. Failures are KindParsing or
// KindUnsupported faults whose messages become the failed job's error
// message. Empty documents yield no segments and no error.
func Parse(contentType string, data []byte) ([]Segment, error) {
	switch contentType {
	case ContentTypeText, ContentTypeMarkdown:
		text := strings.ToValidUTF8(string(data), "")
		if strings.TrimSpace(text) == "" {
			return nil, nil
		}
		return []Segment{{Page: 1, Text: text}}, nil
	case ContentTypePDF:
		return parsePDF(data)
	case ContentTypeDOCX:
		return parseDOCX(data)
	}
	return nil, faults.New(faults.KindUnsupported, unsupportedMessage)
}

// parsePDF extracts one segment per non-empty page. The pdf package panics on
// some malformed inputs, so the whole walk runs under a recover.
func parsePDF(data []byte) (segments []Segment, err error) {
	defer func() {
		if r := recover(); r != nil {
			segments, err = nil, faults.New(faults.KindParsing, pdfFailureMessage)
		}
	}()

	reader, rerr := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if rerr != nil {
		return nil, faults.Wrap(faults.KindParsing, pdfFailureMessage, rerr)
	}
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, terr := page.GetPlainText(nil)
		if terr != nil {
			return nil, faults.Wrap(faults.KindParsing, pdfFailureMessage, terr)
		}
		text = strings.TrimSpace(text)
		if text != "" {
			segments = append(segments, Segment{Page: i, Text: text})
		}
	}
	return segments, nil
}

// parseDOCX reads word/document.xml out of the zip container and joins the
// non-empty paragraphs with newlines into a single page-1 segment.
func parseDOCX(data []byte) ([]Segment, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, faults.Wrap(faults.KindParsing, docxFailureMessage, err)
	}
	var doc *zip.File
	for _, file := range zr.File {
		if file.Name == "word/document.xml" {
			doc = file
			break
		}
	}
	if doc == nil {
		return nil, faults.New(faults.KindParsing, docxFailureMessage)
	}
	rc, err := doc.Open()
	if err != nil {
		return nil, faults.Wrap(faults.KindParsing, docxFailureMessage, err)
	}
	defer rc.Close()

	text, err := documentParagraphs(rc)
	if err != nil {
		return nil, faults.Wrap(faults.KindParsing, docxFailureMessage, err)
	}
	if text == "" {
		return nil, nil
	}
	return []Segment{{Page: 1, Text: text}}, nil
}

// documentParagraphs walks the WordprocessingML token stream collecting the
// text runs of each paragraph. Tabs and breaks inside runs become whitespace.
func documentParagraphs(r io.Reader) (string, error) {
	decoder := xml.NewDecoder(r)
	var (
		paragraphs  []string
		current     strings.Builder
		inParagraph bool
	)
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := token.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				inParagraph = true
				current.Reset()
			case "t":
				if inParagraph {
					var text string
					if err := decoder.DecodeElement(&text, &t); err != nil {
						return "", err
					}
					current.WriteString(text)
				}
			case "tab":
				if inParagraph {
					current.WriteString("\t")
				}
			case "br":
				if inParagraph {
					current.WriteString("\n")
				}
			}
		case xml.EndElement:
			if t.Name.Local == "p" && inParagraph {
				inParagraph = false
				if text := strings.TrimSpace(current.String()); text != "" {
					paragraphs = append(paragraphs, text)
				}
			}
		}
	}
	return strings.Join(paragraphs, "\n"), nil
}
