package ocr

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// Page is one decoded document page, normalized to PNG.
type Page struct {
	Index  int
	Image  image.Image
	PNG    []byte
	Width  int
	Height int
}

// Enhanced returns a copy of the page run through Enhance.
func (p Page) Enhanced() (Page, error) {
	return newPage(p.Index, Enhance(p.Image))
}

func newPage(index int, img image.Image) (Page, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Page{}, fmt.Errorf("encoding PNG: %w", err)
	}
	b := img.Bounds()
	return Page{
		Index:  index,
		Image:  img,
		PNG:    buf.Bytes(),
		Width:  b.Dx(),
		Height: b.Dy(),
	}, nil
}

// Decode splits a PDF or image document into pages. Any failure, including
// a document with no pages, is an unreadable document error.
func Decode(data []byte, contentType string) ([]Page, error) {
	pages, err := decode(data, contentType)
	if err != nil {
		return nil, invoice.NewError(invoice.KindUnreadableDocument, "document could not be decoded", err)
	}
	if len(pages) == 0 {
		return nil, invoice.NewError(invoice.KindUnreadableDocument, "document has no pages", nil)
	}
	return pages, nil
}

func decode(data []byte, contentType string) ([]Page, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty document")
	}

	// Normalize MIME type (lowercase, trim whitespace)
	mimeType := strings.ToLower(strings.TrimSpace(contentType))

	if mimeType == "application/pdf" || bytes.HasPrefix(data, []byte("%PDF")) {
		return pdfPages(data)
	}

	var (
		img image.Image
		err error
	)
	// Check for HEIC/HEIF format (common on iPhones) - Go's standard image package doesn't support it
	if isHEICFormat(data) || isHEICMimeType(mimeType) {
		img, err = heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	} else {
		// Decode standard image formats (JPEG, PNG, GIF)
		img, _, err = image.Decode(bytes.NewReader(data))
		if err != nil {
			if strings.Contains(err.Error(), "unknown format") {
				return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF. Error: %w", err)
			}
			return nil, fmt.Errorf("decoding image: %w", err)
		}
	}

	page, err := newPage(0, img)
	if err != nil {
		return nil, err
	}
	return []Page{page}, nil
}

// pdfPages renders every page of a PDF
func pdfPages(data []byte) ([]Page, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	pages := make([]Page, 0, doc.NumPage())
	for i := 0; i < doc.NumPage(); i++ {
		img, err := doc.Image(i)
		if err != nil {
			return nil, fmt.Errorf("rendering PDF page %d: %w", i, err)
		}
		page, err := newPage(i, img)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
	return pages, nil
}

// isHEICFormat checks if the image data is in HEIC/HEIF format
// HEIC files typically start with specific magic bytes
func isHEICFormat(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	// ftyp box with brand 'heic', 'heif', 'mif1', 'msf1'
	if string(data[4:8]) == "ftyp" {
		brand := string(data[8:12])
		if brand == "heic" || brand == "heif" || brand == "mif1" || brand == "msf1" {
			return true
		}
	}
	return false
}

// isHEICMimeType checks if the MIME type indicates HEIC/HEIF format
func isHEICMimeType(mimeType string) bool {
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}
