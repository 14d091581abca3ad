package ocr

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// tokenPrompt is the shared prompt used by all LLM providers for word recognition
const tokenPrompt = `You are an OCR engine reading a scanned invoice page that is %d pixels wide and %d pixels tall.
Transcribe every word on the page. For each word report its bounding box in pixel coordinates of this image and how confident you are in the transcription.

Return ONLY valid JSON in this exact format:
{
  "tokens": [
    {"text": "Invoice", "x": 0, "y": 0, "width": 0, "height": 0, "confidence": 0.0}
  ]
}

Important:
- One entry per word, in reading order (top to bottom, left to right)
- x and y are the top-left corner of the word
- confidence is a number between 0 and 1
- Keep punctuation, currency symbols and digits exactly as printed
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

func tokenPromptFor(page Page) string {
	return fmt.Sprintf(tokenPrompt, page.Width, page.Height)
}

type tokenJSON struct {
	Text       string   `json:"text"`
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
	Width      float64  `json:"width"`
	Height     float64  `json:"height"`
	Confidence *float64 `json:"confidence"`
}

// parseTokensJSON parses the JSON token list returned by an LLM provider
func parseTokensJSON(text string, page int) ([]invoice.Token, error) {
	text = strings.TrimSpace(text)

	// Remove opening markdown code blocks
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	// Find the JSON object boundaries - look for first { and last }
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}
	text = text[startIdx : endIdx+1]

	var data struct {
		Tokens []tokenJSON `json:"tokens"`
	}
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	tokens := make([]invoice.Token, 0, len(data.Tokens))
	for _, t := range data.Tokens {
		// Models that omit confidence get a neutral score
		conf := 0.5
		if t.Confidence != nil {
			conf = *t.Confidence
		}
		// Some models answer in percent
		if conf > 1 {
			conf /= 100
		}
		tokens = append(tokens, invoice.Token{
			Text:       t.Text,
			Page:       page,
			Box:        invoice.Box{X: t.X, Y: t.Y, Width: t.Width, Height: t.Height},
			Confidence: conf,
		})
	}
	return tokens, nil
}
