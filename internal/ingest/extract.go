package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	TypeText     = "text/plain"
	TypeMarkdown = "text/markdown"
	TypeHTML     = "text/html"
	TypePDF      = "application/pdf"
)

var ErrUnsupportedType = errors.New("unsupported content type")

// Document is extracted plain text plus whatever title the format carried.
type Document struct {
	Text        string
	Title       string
	ContentType string
}

var extTypes = map[string]string{
	".txt":      TypeText,
	".text":     TypeText,
	".log":      TypeText,
	".csv":      TypeText,
	".json":     TypeText,
	".md":       TypeMarkdown,
	".markdown": TypeMarkdown,
	".html":     TypeHTML,
	".htm":      TypeHTML,
	".pdf":      TypePDF,
}

// Supported reports whether files named like path can be ingested.
func Supported(path string) bool {
	_, ok := extTypes[strings.ToLower(filepath.Ext(path))]
	return ok
}

// DetectContentType picks a type from the file extension, falling back to
// sniffing data.
func DetectContentType(path string, data []byte) string {
	if ct, ok := extTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return ct
	}
	return http.DetectContentType(data)
}

// ExtractText converts data of the given content type to plain text.
func ExtractText(data []byte, contentType string) (Document, error) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}

	var doc Document
	switch {
	case mt == TypePDF:
		doc, err = extractPDF(data)
	case mt == TypeHTML || mt == "application/xhtml+xml":
		doc, err = extractHTML(data)
	case mt == TypeMarkdown:
		doc = Document{Text: string(data), Title: markdownTitle(string(data)), ContentType: TypeMarkdown}
	case strings.HasPrefix(mt, "text/"), mt == "application/json":
		doc = Document{Text: string(data), ContentType: TypeText}
	default:
		return Document{}, fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}
	if err != nil {
		return Document{}, err
	}

	if !utf8.ValidString(doc.Text) {
		doc.Text = strings.ToValidUTF8(doc.Text, "�")
	}
	doc.Text = strings.TrimSpace(doc.Text)
	if doc.Text == "" {
		return Document{}, ErrEmptyContent
	}
	return doc, nil
}

func extractPDF(data []byte) (doc Document, err error) {
	// The pdf reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Document{}, fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return Document{}, fmt.Errorf("reading pdf text: %w", err)
	}
	text, err := io.ReadAll(plain)
	if err != nil {
		return Document{}, fmt.Errorf("reading pdf text: %w", err)
	}
	return Document{Text: string(text), Title: firstLine(string(text)), ContentType: TypePDF}, nil
}

var (
	skipElements = map[atom.Atom]bool{
		atom.Script: true, atom.Style: true, atom.Noscript: true, atom.Svg: true,
		atom.Template: true, atom.Iframe: true,
	}
	blockElements = map[atom.Atom]bool{
		atom.P: true, atom.Div: true, atom.Br: true, atom.Hr: true, atom.Li: true,
		atom.Tr: true, atom.Blockquote: true, atom.Pre: true, atom.Table: true,
		atom.Section: true, atom.Article: true, atom.Header: true, atom.Footer: true,
		atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	}
	spaces   = regexp.MustCompile(`[ \t\r\f\v]+`)
	newlines = regexp.MustCompile(`\n{3,}`)
)

// extractHTML walks the token stream and keeps visible text. Block elements
// become paragraph breaks so the chunker can split on them.
func extractHTML(data []byte) (Document, error) {
	z := html.NewTokenizer(bytes.NewReader(data))
	var (
		b       strings.Builder
		title   strings.Builder
		skip    int
		inTitle bool
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return Document{}, fmt.Errorf("parsing html: %w", err)
			}
			return Document{Text: normalizeText(b.String()), Title: strings.TrimSpace(title.String()), ContentType: TypeHTML}, nil
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch {
			case tok.DataAtom == atom.Title:
				inTitle = true
			case skipElements[tok.DataAtom]:
				if tok.Type == html.StartTagToken {
					skip++
				}
			case blockElements[tok.DataAtom]:
				b.WriteString("\n\n")
			}
		case html.EndTagToken:
			tok := z.Token()
			switch {
			case tok.DataAtom == atom.Title:
				inTitle = false
			case skipElements[tok.DataAtom]:
				if skip > 0 {
					skip--
				}
			case blockElements[tok.DataAtom]:
				b.WriteString("\n\n")
			}
		case html.TextToken:
			text := string(z.Text())
			switch {
			case inTitle:
				title.WriteString(text)
			case skip == 0:
				b.WriteString(text)
			}
		}
	}
}

func normalizeText(s string) string {
	s = spaces.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	s = strings.Join(lines, "\n")
	return strings.TrimSpace(newlines.ReplaceAllString(s, "\n\n"))
}

func markdownTitle(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(line[2:])
		}
		if line != "" {
			return ""
		}
	}
	return ""
}

// firstLine returns the first non-empty line if it is short enough to be a
// title.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > 200 {
			return ""
		}
		return line
	}
	return ""
}
