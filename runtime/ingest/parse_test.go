package ingest

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trellishq/trellis/runtime/faults"
)

// docxArchive builds an in-memory DOCX container around the given
// document.xml body.
func docxArchive(t *testing.T, documentXML string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = f.Write([]byte(documentXML))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

const paragraphsXML = `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>Quarterly report introduction.</w:t></w:r></w:p>
    <w:p><w:r><w:t xml:space="preserve">   </w:t></w:r></w:p>
    <w:p><w:r><w:t>Budget </w:t></w:r><w:r><w:t>summary follows.</w:t></w:r></w:p>
  </w:body>
</w:document>`

func TestParsePlainText(t *testing.T) {
	segments, err := Parse(ContentTypeText, []byte("deployment rollout notes\nsecond line"))
	require.NoError(t, err)
	require.Equal(t, []Segment{{Page: 1, Text: "deployment rollout notes\nsecond line"}}, segments)
}

func TestParseMarkdown(t *testing.T) {
	segments, err := Parse(ContentTypeMarkdown, []byte("# Title\n\nBody."))
	require.NoError(t, err)
	require.Len(t, segments, 1)
	require.Equal(t, 1, segments[0].Page)
	require.Equal(t, "# Title\n\nBody.", segments[0].Text)
}

func TestParseTextEmpty(t *testing.T) {
	segments, err := Parse(ContentTypeText, []byte("   \n\t "))
	require.NoError(t, err)
	require.Empty(t, segments)
}

func TestParseTextDropsInvalidUTF8(t *testing.T) {
	segments, err := Parse(ContentTypeText, []byte{'o', 'k', 0xff, 0xfe, '!'})
	require.NoError(t, err)
	require.Len(t, segments, 1)
	require.Equal(t, "ok!", segments[0].Text)
}

func TestParseUnsupportedType(t *testing.T) {
	_, err := Parse("image/png", []byte("png bytes"))
	require.Error(t, err)
	require.True(t, faults.Is(err, faults.KindUnsupported))
	require.Equal(t, "Unsupported file format. Use PDF, DOCX, MD, or TXT.", failureMessage(err))
}

func TestParseDOCX(t *testing.T) {
	segments, err := Parse(ContentTypeDOCX, docxArchive(t, paragraphsXML))
	require.NoError(t, err)
	require.Equal(t, []Segment{{
		Page: 1,
		Text: "Quarterly report introduction.\nBudget summary follows.",
	}}, segments)
}

func TestParseDOCXEmptyBody(t *testing.T) {
	const emptyXML = `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body><w:p><w:r><w:t>  </w:t></w:r></w:p></w:body>
</w:document>`
	segments, err := Parse(ContentTypeDOCX, docxArchive(t, emptyXML))
	require.NoError(t, err)
	require.Empty(t, segments)
}

func TestParseDOCXFailures(t *testing.T) {
	cases := map[string][]byte{
		"not a zip":            []byte("plain bytes, not a zip archive"),
		"missing document xml": func() []byte {
			var buf bytes.Buffer
			zw := zip.NewWriter(&buf)
			f, err := zw.Create("word/styles.xml")
			require.NoError(t, err)
			_, _ = f.Write([]byte("<styles/>"))
			require.NoError(t, zw.Close())
			return buf.Bytes()
		}(),
		"malformed xml": docxArchive(t, "<w:document><w:body><w:p><w:t>unclosed"),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(ContentTypeDOCX, data)
			require.Error(t, err)
			require.True(t, faults.Is(err, faults.KindParsing))
			require.Equal(t, "Unable to parse DOCX file", failureMessage(err))
		})
	}
}

func TestParsePDFMalformed(t *testing.T) {
	_, err := Parse(ContentTypePDF, []byte("this is not a pdf payload"))
	require.Error(t, err)
	require.True(t, faults.Is(err, faults.KindParsing))
	require.Equal(t, "Unable to parse PDF file", failureMessage(err))
}

func TestSupportedContentType(t *testing.T) {
	for _, contentType := range []string{
		ContentTypeText, ContentTypeMarkdown, ContentTypePDF, ContentTypeDOCX,
	} {
		require.True(t, SupportedContentType(contentType), contentType)
	}
	require.False(t, SupportedContentType("image/png"))
	require.False(t, SupportedContentType(""))
}
