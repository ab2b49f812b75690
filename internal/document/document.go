// Package document validates documents before they are uploaded to a fog node.
package document

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ledongthuc/pdf"
)

// MaxSize caps the documents accepted for upload.
const MaxSize = 64 << 20

// AcceptedExtensions are the document types fog nodes can synthesize.
var AcceptedExtensions = []string{".txt", ".pdf", ".epub", ".md"}

var (
	ErrUnsupportedType = errors.New("unsupported document type")
	ErrEmpty           = errors.New("document is empty")
	ErrTooLarge        = errors.New("document is too large")
	ErrUnreadablePDF   = errors.New("pdf cannot be read")
	ErrNoPages         = errors.New("pdf has no pages")
)

// Info describes a validated document.
type Info struct {
	Name  string
	Ext   string
	Size  int64
	Pages int // pdf only
}

// Inspect checks the file name against the accepted types and, for PDFs,
// that the content opens and has at least one page.
func Inspect(name string, data []byte) (Info, error) {
	info := Info{
		Name: filepath.Base(name),
		Ext:  strings.ToLower(filepath.Ext(name)),
		Size: int64(len(data)),
	}

	if !slices.Contains(AcceptedExtensions, info.Ext) {
		return info, fmt.Errorf("%w: %q (accepted: %s)", ErrUnsupportedType, info.Ext, strings.Join(AcceptedExtensions, " "))
	}
	if info.Size == 0 {
		return info, ErrEmpty
	}
	if info.Size > MaxSize {
		return info, fmt.Errorf("%w: %d bytes", ErrTooLarge, info.Size)
	}

	if info.Ext == ".pdf" {
		pages, err := countPages(data)
		if err != nil {
			return info, err
		}
		info.Pages = pages
	}
	return info, nil
}

// ReadFile loads and inspects a document from disk.
func ReadFile(path string) (Info, []byte, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return Info{}, nil, fmt.Errorf("failed to stat document: %w", err)
	}
	if stat.Size() > MaxSize {
		return Info{Name: filepath.Base(path), Size: stat.Size()}, nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, stat.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, nil, fmt.Errorf("failed to read document: %w", err)
	}

	info, err := Inspect(path, data)
	if err != nil {
		return info, nil, err
	}
	return info, data, nil
}

// countPages opens the PDF in memory. The parser panics on some malformed
// inputs, which are reported as ErrUnreadablePDF.
func countPages(data []byte) (pages int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrUnreadablePDF, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnreadablePDF, err)
	}
	pages = r.NumPage()
	if pages < 1 {
		return 0, ErrNoPages
	}
	return pages, nil
}
