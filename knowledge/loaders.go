package knowledge

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dslipak/pdf"
	"github.com/lu4p/cat"
)

const pdfPageTimeout = 10 * time.Second

// LoadFileText extracts plain text from a local file based on its extension.
// Unsupported extensions are fatal; the caller should reject them before
// accepting an upload.
func LoadFileText(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return extractPDFText(path)
	case ".docx", ".odt", ".rtf":
		text, err := cat.File(path)
		if err != nil {
			return "", fmt.Errorf("knowledge: extract %s: %w", filepath.Base(path), err)
		}
		return text, nil
	case ".txt", ".md", ".markdown", ".csv", ".json", ".html", ".htm":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("knowledge: read %s: %w", filepath.Base(path), err)
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("knowledge: unsupported file type %q", filepath.Ext(path))
	}
}

// SupportedFileExtension reports whether uploads with this extension can be
// ingested.
func SupportedFileExtension(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf", ".docx", ".odt", ".rtf", ".txt", ".md", ".markdown", ".csv", ".json", ".html", ".htm":
		return true
	}
	return false
}

func extractPDFText(path string) (string, error) {
	reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("knowledge: open pdf: %w", err)
	}

	var builder strings.Builder
	total := reader.NumPage()
	for pageNum := 1; pageNum <= total; pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := extractPDFPage(page)
		if err != nil {
			log.Printf("knowledge: pdf page %d/%d: %v", pageNum, total, err)
			continue
		}
		builder.WriteString(text)
		builder.WriteString("\n")
	}

	if strings.TrimSpace(builder.String()) == "" {
		return "", fmt.Errorf("knowledge: pdf contains no extractable text")
	}
	return builder.String(), nil
}

// extractPDFPage isolates a single page extraction in a goroutine so a
// malformed page can neither panic the worker nor hang it past the timeout.
func extractPDFPage(page pdf.Page) (text string, err error) {
	done := make(chan struct{})
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("page extraction panic: %v", r)
			}
			close(done)
		}()
		text, err = page.GetPlainText(nil)
	}()

	select {
	case <-done:
		return text, err
	case <-time.After(pdfPageTimeout):
		return "", fmt.Errorf("page extraction timed out after %s", pdfPageTimeout)
	}
}
