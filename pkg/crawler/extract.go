// Copyright 2025 The Lorekeep Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package crawler

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"golang.org/x/net/html"
)

// Extraction is the text pulled out of a fetched resource.
type Extraction struct {
	Title string
	Text  string
	Links []string
}

// skipElements are containers that carry navigation or boilerplate rather
// than content.
var skipElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"nav":      true,
	"header":   true,
	"footer":   true,
	"aside":    true,
	"form":     true,
	"iframe":   true,
	"svg":      true,
}

// blockElements get a line break around their text so words from adjacent
// blocks do not run together.
var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "main": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"li": true, "tr": true, "td": true, "th": true, "table": true,
	"ul": true, "ol": true, "blockquote": true, "pre": true, "br": true,
	"dt": true, "dd": true,
}

// ExtractHTML parses an HTML page, strips boilerplate containers and
// returns title, visible text and outgoing hrefs.
func ExtractHTML(body []byte) (*Extraction, error) {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	result := &Extraction{}
	var text strings.Builder

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if skipElements[n.Data] {
				return
			}
			switch n.Data {
			case "title":
				if result.Title == "" && n.FirstChild != nil {
					result.Title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			case "a":
				for _, attr := range n.Attr {
					if attr.Key == "href" && attr.Val != "" {
						result.Links = append(result.Links, attr.Val)
					}
				}
			}
			if blockElements[n.Data] {
				text.WriteString("\n")
			}
		}
		if n.Type == html.TextNode {
			if trimmed := strings.TrimSpace(n.Data); trimmed != "" {
				text.WriteString(trimmed)
				text.WriteString(" ")
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			text.WriteString("\n")
		}
	}
	walk(root)

	result.Text = collapseWhitespace(text.String())
	return result, nil
}

// ExtractPDF pulls the plain text of every page, with page markers kept so
// chunk boundaries tend to follow pages.
func ExtractPDF(body []byte) (*Extraction, error) {
	reader, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse pdf: %w", err)
	}

	var parts []string
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, text)
		}
	}

	return &Extraction{Text: collapseWhitespace(strings.Join(parts, "\n\n"))}, nil
}

// ExtractDOCX extracts paragraph text from a Word document.
func ExtractDOCX(body []byte) (*Extraction, error) {
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse docx: %w", err)
	}
	defer doc.Close()

	// GetContent returns the raw document XML; strip it down to the
	// character data with paragraph breaks preserved.
	text, err := wordXMLText(doc.Editable().GetContent())
	if err != nil {
		return nil, err
	}
	return &Extraction{Text: collapseWhitespace(text)}, nil
}

func wordXMLText(content string) (string, error) {
	decoder := xml.NewDecoder(strings.NewReader(content))
	var text strings.Builder
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to decode document xml: %w", err)
		}
		switch t := token.(type) {
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if t.Name.Local == "p" {
				text.WriteString("\n")
			}
		}
	}
	return text.String(), nil
}

// collapseWhitespace squeezes runs of spaces and blank lines while keeping
// single line breaks.
func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
