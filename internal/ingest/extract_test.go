package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractHTML(t *testing.T) {
	page := `<!doctype html>
<html><head><title> Q3 &amp; Plans </title><style>p{color:red}</style></head>
<body>
  <h1>Roadmap</h1>
  <p>Ship the   outbox.</p>
  <noscript>enable js</noscript>
  <ul><li>Alpha</li><li>Beta</li></ul>
  <script>var x = "<p>hidden</p>";</script>
</body></html>`

	doc, err := ExtractText([]byte(page), "text/html; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, "Q3 & Plans", doc.Title)
	assert.Equal(t, TypeHTML, doc.ContentType)
	assert.Equal(t, "Roadmap\n\nShip the outbox.\n\nAlpha\n\nBeta", doc.Text)
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		ct        string
		wantText  string
		wantTitle string
		wantType  string
	}{
		{"plain", "  hello world \n", "text/plain", "hello world", "", TypeText},
		{"markdown title", "# Title\n\nbody", TypeMarkdown, "# Title\n\nbody", "Title", TypeMarkdown},
		{"markdown without heading", "intro\n# Later", TypeMarkdown, "intro\n# Later", "", TypeMarkdown},
		{"csv counts as text", "a,b\n1,2", "text/csv", "a,b\n1,2", "", TypeText},
		{"json", `{"a":1}`, "application/json", `{"a":1}`, "", TypeText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := ExtractText([]byte(tt.data), tt.ct)
			require.NoError(t, err)
			assert.Equal(t, tt.wantText, doc.Text)
			assert.Equal(t, tt.wantTitle, doc.Title)
			assert.Equal(t, tt.wantType, doc.ContentType)
		})
	}
}

func TestExtractTextErrors(t *testing.T) {
	_, err := ExtractText([]byte{0x89, 'P', 'N', 'G'}, "image/png")
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = ExtractText([]byte("   "), "text/plain")
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = ExtractText([]byte("%PDF-1.4 not really a pdf"), TypePDF)
	assert.Error(t, err)
}

func TestDetectContentType(t *testing.T) {
	assert.Equal(t, TypePDF, DetectContentType("report.PDF", nil))
	assert.Equal(t, TypeMarkdown, DetectContentType("/notes/readme.md", nil))
	assert.Contains(t, DetectContentType("noext", []byte("<html><body>x</body></html>")), "text/html")
	assert.True(t, Supported("a.htm"))
	assert.False(t, Supported("a.exe"))
}
