package research

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"unicode/utf8"

	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
	"rsc.io/pdf"
)

const (
	minArticleRunes = 200
	maxTitleRunes   = 240
	maxPDFRunes     = 220_000
	maxPDFPages     = 60
)

var errUnsupportedContentType = errors.New("unsupported content type")

type extractedDocument struct {
	title string
	text  string
}

type extractor func(body []byte, page *url.URL) (extractedDocument, error)

var extractors = map[string]extractor{
	"text/html":             extractHTML,
	"application/xhtml+xml": extractHTML,
	"application/json":      extractJSON,
	"application/pdf":       extractPDF,
}

// extractDocument picks an extractor by media type. Any other text/* type is
// read as plain text.
func extractDocument(mediaType string, body []byte, page *url.URL) (extractedDocument, error) {
	extract, ok := extractors[mediaType]
	if !ok {
		if !strings.HasPrefix(mediaType, "text/") {
			return extractedDocument{}, errUnsupportedContentType
		}
		extract = extractPlain
	}
	doc, err := extract(body, page)
	if err != nil {
		return extractedDocument{}, err
	}
	doc.title = trimToRunes(strings.TrimSpace(doc.title), maxTitleRunes)
	doc.text = normalizeExtractedText(doc.text)
	return doc, nil
}

func extractPlain(body []byte, _ *url.URL) (extractedDocument, error) {
	return extractedDocument{text: string(body)}, nil
}

func extractJSON(body []byte, _ *url.URL) (extractedDocument, error) {
	var indented bytes.Buffer
	if err := json.Indent(&indented, body, "", "  "); err != nil {
		// Mislabelled payloads are still worth reading as text.
		return extractedDocument{text: string(body)}, nil
	}
	return extractedDocument{text: indented.String()}, nil
}

func extractPDF(body []byte, _ *url.URL) (extractedDocument, error) {
	reader, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return extractedDocument{}, err
	}

	var b strings.Builder
	pages := min(reader.NumPage(), maxPDFPages)
	for number := 1; number <= pages; number++ {
		page := reader.Page(number)
		if page.V.IsNull() {
			continue
		}
		for _, item := range page.Content().Text {
			chunk := strings.TrimSpace(item.S)
			if chunk == "" {
				continue
			}
			b.WriteString(chunk)
			b.WriteByte('\n')
		}
		if utf8.RuneCountInString(b.String()) >= maxPDFRunes {
			break
		}
	}
	return extractedDocument{text: trimToRunes(b.String(), maxPDFRunes)}, nil
}

// extractHTML uses readability's main content when it yields a real article
// and otherwise walks the whole document.
func extractHTML(body []byte, page *url.URL) (extractedDocument, error) {
	if page != nil {
		if article, err := readability.FromReader(bytes.NewReader(body), page); err == nil {
			text := normalizeExtractedText(article.TextContent)
			if utf8.RuneCountInString(text) >= minArticleRunes {
				return extractedDocument{title: article.Title, text: text}, nil
			}
		}
	}

	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return extractedDocument{}, err
	}
	return extractedDocument{title: documentTitle(root), text: visibleText(root)}, nil
}

var (
	skippedElements = map[string]bool{"script": true, "style": true, "noscript": true, "svg": true, "iframe": true, "head": true, "template": true}
	blockElements   = map[string]bool{
		"p": true, "div": true, "section": true, "article": true, "li": true, "br": true, "tr": true,
		"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true, "blockquote": true, "pre": true,
	}
)

func documentTitle(root *html.Node) string {
	for node := range root.Descendants() {
		if node.Type == html.ElementNode && node.Data == "title" {
			var b strings.Builder
			for child := range node.Descendants() {
				if child.Type == html.TextNode {
					b.WriteString(child.Data)
				}
			}
			return strings.Join(strings.Fields(b.String()), " ")
		}
	}
	return ""
}

// visibleText walks the tree depth first, breaking lines at block elements.
func visibleText(root *html.Node) string {
	var b strings.Builder
	var walk func(node *html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode {
			if skippedElements[node.Data] {
				return
			}
			if blockElements[node.Data] {
				b.WriteByte('\n')
			}
		}
		if node.Type == html.TextNode {
			if text := strings.TrimSpace(node.Data); text != "" {
				b.WriteString(text)
				b.WriteByte(' ')
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)
	return b.String()
}
