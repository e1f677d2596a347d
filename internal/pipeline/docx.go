package pipeline

import (
	"archive/zip"
	"encoding/xml"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/c360studio/templatefabric/internal/task"
)

const maxDocumentBytes = 50 * 1024 * 1024 // hard input cap

// extractDocument reads an OOXML (.docx) file into paragraphs, tables, and
// core metadata, walking the zip/XML package format directly with
// archive/zip and encoding/xml.
func extractDocument(path string) (*DocumentContent, error) {
	if err := validateDocumentFile(path); err != nil {
		return nil, err
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, newError(task.ErrorKindFileUnreadable, "failed to read document as a package: %v", err)
	}
	defer zr.Close()

	docFile, err := openInZip(zr, "word/document.xml")
	if err != nil {
		return nil, newError(task.ErrorKindFileUnreadable, "document.xml not found: %v", err)
	}
	defer docFile.Close()

	paragraphs, tables, err := parseDocumentXML(docFile)
	if err != nil {
		return nil, newError(task.ErrorKindFileUnreadable, "failed to parse document.xml: %v", err)
	}

	title, author := readCoreProperties(zr)

	fileName := filepath.Base(path)
	return &DocumentContent{
		Paragraphs: paragraphs,
		Tables:     tables,
		Metadata: DocMetadata{
			Title:          firstNonEmpty(title, fileName),
			Author:         firstNonEmpty(author, "Unknown"),
			ParagraphCount: len(paragraphs),
			TableCount:     len(tables),
		},
	}, nil
}

func validateDocumentFile(path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".docx" && ext != ".doc" {
		return newError(task.ErrorKindUnsupportedFormat, "unsupported file format %q: only .docx/.doc supported", ext)
	}
	if ext == ".doc" {
		// Legacy binary Word format; not an OOXML zip package and not
		// something encoding/xml can help with.
		return newError(task.ErrorKindUnsupportedFormat, "legacy .doc binary format is not supported, convert to .docx")
	}
	if info, err := os.Stat(path); err == nil && info.Size() > maxDocumentBytes {
		return newError(task.ErrorKindFileTooLarge, "file is %d bytes, exceeding the 50MB cap", info.Size())
	}
	return nil
}

func openInZip(zr *zip.ReadCloser, name string) (io.ReadCloser, error) {
	for _, f := range zr.File {
		if f.Name == name {
			if f.UncompressedSize64 > maxDocumentBytes {
				return nil, newError(task.ErrorKindFileTooLarge, "document part %q exceeds the 50MB cap", name)
			}
			return f.Open()
		}
	}
	return nil, newError(task.ErrorKindFileUnreadable, "%q missing from package", name)
}

// OOXML WordprocessingML structures, trimmed to the fields the prompt needs.
type wordDocument struct {
	Body struct {
		Paragraphs []wordParagraph `xml:"p"`
		Tables     []wordTable     `xml:"tbl"`
	} `xml:"body"`
}

type wordParagraph struct {
	XMLName xml.Name `xml:"p"`
	PPr     struct {
		PStyle struct {
			Val string `xml:"val,attr"`
		} `xml:"pStyle"`
	} `xml:"pPr"`
	Runs []struct {
		Text string `xml:"t"`
	} `xml:"r"`
}

type wordTable struct {
	XMLName xml.Name `xml:"tbl"`
	Rows    []struct {
		Cells []struct {
			Paragraphs []wordParagraph `xml:"p"`
		} `xml:"tc"`
	} `xml:"tr"`
}

func parseDocumentXML(r io.Reader) ([]Paragraph, []Table, error) {
	var doc wordDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, nil, err
	}

	var paragraphs []Paragraph
	for _, p := range doc.Body.Paragraphs {
		text := paragraphText(p)
		if strings.TrimSpace(text) == "" {
			continue
		}
		style := p.PPr.PStyle.Val
		if style == "" {
			style = "Normal"
		}
		paragraphs = append(paragraphs, Paragraph{
			Text:         strings.TrimSpace(text),
			Style:        style,
			HeadingLevel: headingLevel(style),
		})
	}

	var tables []Table
	for _, t := range doc.Body.Tables {
		var rows Table
		for _, row := range t.Rows {
			var cells []string
			for _, cell := range row.Cells {
				var cellText strings.Builder
				for _, p := range cell.Paragraphs {
					cellText.WriteString(paragraphText(p))
				}
				cells = append(cells, strings.TrimSpace(cellText.String()))
			}
			rows = append(rows, cells)
		}
		tables = append(tables, rows)
	}

	return paragraphs, tables, nil
}

func paragraphText(p wordParagraph) string {
	var b strings.Builder
	for _, run := range p.Runs {
		b.WriteString(run.Text)
	}
	return b.String()
}

// headingLevel mirrors _get_heading_level: "Heading 1/2/3" map directly,
// other "Heading N" styles parse the trailing number, everything else is 0.
func headingLevel(style string) int {
	lower := strings.ToLower(style)
	switch {
	case strings.Contains(lower, "heading 1"):
		return 1
	case strings.Contains(lower, "heading 2"):
		return 2
	case strings.Contains(lower, "heading 3"):
		return 3
	case strings.Contains(lower, "heading"):
		fields := strings.Fields(lower)
		if len(fields) == 0 {
			return 0
		}
		n, err := strconv.Atoi(fields[len(fields)-1])
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

type coreProperties struct {
	Title   string `xml:"title"`
	Creator string `xml:"creator"`
}

func readCoreProperties(zr *zip.ReadCloser) (title, author string) {
	f, err := openInZip(zr, "docProps/core.xml")
	if err != nil {
		return "", ""
	}
	defer f.Close()

	var props coreProperties
	if err := xml.NewDecoder(f).Decode(&props); err != nil {
		return "", ""
	}
	return props.Title, props.Creator
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
