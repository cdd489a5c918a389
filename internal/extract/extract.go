// Package extract turns uploaded document bytes into plain text.
package extract

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/tidwall/gjson"
	"golang.org/x/net/html"

	"github.com/nidhogg/nuka-rag/internal/apperr"
)

const (
	TypePlain    = "text/plain"
	TypeMarkdown = "text/markdown"
	TypeCSV      = "text/csv"
	TypeJSON     = "application/json"
	TypeHTML     = "text/html"
)

var byExtension = map[string]string{
	".txt":      TypePlain,
	".text":     TypePlain,
	".md":       TypeMarkdown,
	".markdown": TypeMarkdown,
	".csv":      TypeCSV,
	".json":     TypeJSON,
	".html":     TypeHTML,
	".htm":      TypeHTML,
}

// Detect returns the supported content type of data, or "" when the
// content is not a supported document. The extension decides between text
// flavours that sniffing cannot tell apart.
func Detect(filename string, data []byte) string {
	ext := strings.ToLower(filepath.Ext(filename))
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		switch base, _, _ := strings.Cut(m.String(), ";"); base {
		case TypeCSV, TypeJSON, TypeHTML:
			return base
		case TypePlain:
			if byExt, ok := byExtension[ext]; ok {
				return byExt
			}
			return TypePlain
		}
	}
	return ""
}

// Text extracts readable text for a content type returned by Detect.
func Text(contentType string, data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", apperr.Validation("document is not valid UTF-8 text")
	}
	var (
		out string
		err error
	)
	switch contentType {
	case TypePlain, TypeMarkdown:
		out = string(data)
	case TypeCSV:
		out, err = csvText(data)
	case TypeJSON:
		out, err = jsonText(data)
	case TypeHTML:
		out, err = htmlText(data)
	default:
		return "", apperr.Validation(fmt.Sprintf("unsupported content type %q", contentType))
	}
	if err != nil {
		return "", err
	}
	return normalize(out), nil
}

func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.TrimSpace(s)
}

// csvText renders each row as one line of "header: value" pairs.
func csvText(data []byte) (string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return "", apperr.Validation(fmt.Sprintf("parse csv: %v", err))
	}
	if len(records) == 0 {
		return "", nil
	}
	header := records[0]
	if len(records) == 1 {
		return strings.Join(header, ", "), nil
	}
	var b strings.Builder
	for _, row := range records[1:] {
		parts := make([]string, 0, len(row))
		for i, v := range row {
			if v = strings.TrimSpace(v); v == "" {
				continue
			}
			if i < len(header) && header[i] != "" {
				parts = append(parts, header[i]+": "+v)
			} else {
				parts = append(parts, v)
			}
		}
		if len(parts) > 0 {
			b.WriteString(strings.Join(parts, ", "))
			b.WriteString(".\n")
		}
	}
	return b.String(), nil
}

// jsonText lists every scalar leaf as "path: value", one per line.
func jsonText(data []byte) (string, error) {
	if !gjson.ValidBytes(data) {
		return "", apperr.Validation("document is not valid JSON")
	}
	var b strings.Builder
	var walk func(prefix string, v gjson.Result)
	walk = func(prefix string, v gjson.Result) {
		if v.IsObject() || v.IsArray() {
			v.ForEach(func(k, child gjson.Result) bool {
				path := k.String()
				if v.IsArray() {
					path = fmt.Sprintf("%d", k.Int())
				}
				if prefix != "" {
					path = prefix + "." + path
				}
				walk(path, child)
				return true
			})
			return
		}
		if v.Type == gjson.Null || v.String() == "" {
			return
		}
		if prefix != "" {
			b.WriteString(prefix)
			b.WriteString(": ")
		}
		b.WriteString(v.String())
		b.WriteString("\n")
	}
	walk("", gjson.ParseBytes(data))
	return b.String(), nil
}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "section": true,
	"article": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true,
	"h6": true, "pre": true, "blockquote": true, "table": true, "ul": true, "ol": true,
}

// htmlText keeps visible text and separates block elements with blank
// lines so they split as separate sentences.
func htmlText(data []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", apperr.Validation(fmt.Sprintf("parse html: %v", err))
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "template", "head":
				return
			}
		}
		if n.Type == html.TextNode {
			if val := strings.Join(strings.Fields(n.Data), " "); val != "" {
				if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
					b.WriteString(" ")
				}
				b.WriteString(val)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] && b.Len() > 0 && !strings.HasSuffix(b.String(), "\n\n") {
			b.WriteString("\n\n")
		}
	}
	walk(doc)
	return b.String(), nil
}
