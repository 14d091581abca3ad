package invoice

// Box is an axis-aligned bounding box in page pixel coordinates.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Right returns the x coordinate of the right edge.
func (b Box) Right() float64 { return b.X + b.Width }

// Bottom returns the y coordinate of the bottom edge.
func (b Box) Bottom() float64 { return b.Y + b.Height }

// CenterY returns the vertical center.
func (b Box) CenterY() float64 { return b.Y + b.Height/2 }

// Union returns the smallest box containing both b and o.
func (b Box) Union(o Box) Box {
	if b.Width == 0 && b.Height == 0 {
		return o
	}
	x := min(b.X, o.X)
	y := min(b.Y, o.Y)
	return Box{
		X:      x,
		Y:      y,
		Width:  max(b.Right(), o.Right()) - x,
		Height: max(b.Bottom(), o.Bottom()) - y,
	}
}

// Token is a single OCR-recognized text unit.
type Token struct {
	Text       string  `json:"text"`
	Page       int     `json:"page"`
	Box        Box     `json:"box"`
	Confidence float64 `json:"confidence"` // 0..1
}

// Before reports whether t precedes o in reading order (page, top-to-bottom, left-to-right).
func (t Token) Before(o Token) bool {
	if t.Page != o.Page {
		return t.Page < o.Page
	}
	if t.Box.Y != o.Box.Y {
		return t.Box.Y < o.Box.Y
	}
	return t.Box.X < o.Box.X
}

// Span identifies a run of tokens by their index in the reading-order stream.
type Span struct {
	Page  int `json:"page"`
	Start int `json:"start"`
	End   int `json:"end"` // exclusive
	Box   Box `json:"box"`
}
