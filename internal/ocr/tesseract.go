package ocr

import (
	"context"
	"fmt"

	"github.com/otiai10/gosseract/v2"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// Tesseract implements Engine with a local Tesseract installation.
type Tesseract struct {
	languages     []string
	clientFactory func() *gosseract.Client
}

// NewTesseract creates a Tesseract engine for the given languages (default "eng").
func NewTesseract(languages ...string) *Tesseract {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	return &Tesseract{languages: languages, clientFactory: gosseract.NewClient}
}

// Name implements Engine.
func (t *Tesseract) Name() string { return "tesseract" }

// Recognize implements Engine using word-level bounding boxes.
func (t *Tesseract) Recognize(ctx context.Context, page Page) ([]invoice.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := t.clientFactory()
	defer c.Close()

	if err := c.SetLanguage(t.languages...); err != nil {
		return nil, fmt.Errorf("set languages: %w", err)
	}
	if err := c.SetImageFromBytes(page.PNG); err != nil {
		return nil, fmt.Errorf("set image: %w", err)
	}

	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("recognize words: %w", err)
	}

	tokens := make([]invoice.Token, 0, len(boxes))
	for _, b := range boxes {
		tokens = append(tokens, invoice.Token{
			Text: b.Word,
			Page: page.Index,
			Box: invoice.Box{
				X:      float64(b.Box.Min.X),
				Y:      float64(b.Box.Min.Y),
				Width:  float64(b.Box.Dx()),
				Height: float64(b.Box.Dy()),
			},
			Confidence: b.Confidence / 100.0,
		})
	}
	return tokens, nil
}

// Close implements Engine. Clients are per call, so there is nothing to release.
func (t *Tesseract) Close() error {
	return nil
}
