package extraction

import (
	"math"
	"sort"
	"strings"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// line is a visual band of tokens on one page, ordered left to right.
type line struct {
	page     int
	index    int // position among all lines
	tokens   []invoice.Token
	first    int // reading-order index of tokens[0]
	text     string
	offsets  []int // byte offset of each token in text
	segments []int // token indexes that start a segment; always begins with 0
	box      invoice.Box
}

// pageGeometry approximates a page's extent from its tokens.
type pageGeometry struct {
	width  float64
	height float64
}

// layout is the token stream arranged into lines.
type layout struct {
	tokens []invoice.Token // reading order
	lines  []*line
	pages  map[int]pageGeometry
}

func newLayout(tokens []invoice.Token, cfg Config) *layout {
	l := &layout{pages: make(map[int]pageGeometry)}

	byPage := make(map[int][]invoice.Token)
	var pageOrder []int
	for _, t := range tokens {
		if _, ok := byPage[t.Page]; !ok {
			pageOrder = append(pageOrder, t.Page)
		}
		byPage[t.Page] = append(byPage[t.Page], t)
		g := l.pages[t.Page]
		g.width = max(g.width, t.Box.Right())
		g.height = max(g.height, t.Box.Bottom())
		l.pages[t.Page] = g
	}
	sort.Ints(pageOrder)

	for _, page := range pageOrder {
		for _, ln := range groupLines(byPage[page], cfg.LineTolerance) {
			ln.page = page
			ln.index = len(l.lines)
			ln.first = len(l.tokens)
			ln.build(cfg.SegmentGap)
			l.tokens = append(l.tokens, ln.tokens...)
			l.lines = append(l.lines, ln)
		}
	}
	return l
}

// groupLines clusters a page's tokens by vertical center.
func groupLines(tokens []invoice.Token, tolerance float64) []*line {
	sorted := append([]invoice.Token(nil), tokens...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ci, cj := sorted[i].Box.CenterY(), sorted[j].Box.CenterY()
		if ci != cj {
			return ci < cj
		}
		return sorted[i].Box.X < sorted[j].Box.X
	})

	var (
		lines  []*line
		cur    *line
		center float64
		height float64
	)
	for _, t := range sorted {
		if cur != nil && math.Abs(t.Box.CenterY()-center) <= tolerance*max(t.Box.Height, height) {
			n := float64(len(cur.tokens))
			center = (center*n + t.Box.CenterY()) / (n + 1)
			height = (height*n + t.Box.Height) / (n + 1)
			cur.tokens = append(cur.tokens, t)
			continue
		}
		cur = &line{tokens: []invoice.Token{t}}
		center, height = t.Box.CenterY(), t.Box.Height
		lines = append(lines, cur)
	}

	for _, ln := range lines {
		sort.SliceStable(ln.tokens, func(i, j int) bool { return ln.tokens[i].Box.X < ln.tokens[j].Box.X })
	}
	return lines
}

func (ln *line) build(segmentGap float64) {
	var sb strings.Builder
	heights := make([]float64, 0, len(ln.tokens))
	ln.offsets = make([]int, len(ln.tokens))
	for i, t := range ln.tokens {
		if i > 0 {
			sb.WriteByte(' ')
		}
		ln.offsets[i] = sb.Len()
		sb.WriteString(t.Text)
		ln.box = ln.box.Union(t.Box)
		heights = append(heights, t.Box.Height)
	}
	ln.text = sb.String()

	sort.Float64s(heights)
	median := heights[len(heights)/2]
	ln.segments = []int{0}
	for i := 1; i < len(ln.tokens); i++ {
		if ln.tokens[i].Box.X-ln.tokens[i-1].Box.Right() > segmentGap*median {
			ln.segments = append(ln.segments, i)
		}
	}
}

// segmentText returns the text of the n-th segment.
func (ln *line) segmentText(n int) string {
	start := ln.segments[n]
	end := len(ln.tokens)
	if n+1 < len(ln.segments) {
		end = ln.segments[n+1]
	}
	parts := make([]string, 0, end-start)
	for _, t := range ln.tokens[start:end] {
		parts = append(parts, t.Text)
	}
	return strings.Join(parts, " ")
}

// span maps the byte range [start, end) of the line text to the tokens it covers.
func (ln *line) span(start, end int) (invoice.Span, []invoice.Token) {
	first, last := -1, -1
	for i, t := range ln.tokens {
		tStart := ln.offsets[i]
		tEnd := tStart + len(t.Text)
		if tStart < end && tEnd > start {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return invoice.Span{Page: ln.page, Start: ln.first, End: ln.first}, nil
	}
	covered := ln.tokens[first : last+1]
	var box invoice.Box
	for _, t := range covered {
		box = box.Union(t.Box)
	}
	return invoice.Span{
		Page:  ln.page,
		Start: ln.first + first,
		End:   ln.first + last + 1,
		Box:   box,
	}, covered
}

// fullSpan covers the whole line.
func (ln *line) fullSpan() (invoice.Span, []invoice.Token) {
	return ln.span(0, len(ln.text))
}

// relative returns a box's center as a fraction of its page's extent.
func (l *layout) relative(page int, box invoice.Box) (x, y float64) {
	g := l.pages[page]
	if g.width > 0 {
		x = (box.X + box.Width/2) / g.width
	}
	if g.height > 0 {
		y = box.CenterY() / g.height
	}
	return x, y
}

func meanConfidence(tokens []invoice.Token) float64 {
	if len(tokens) == 0 {
		return 0
	}
	var sum float64
	for _, t := range tokens {
		sum += t.Confidence
	}
	return sum / float64(len(tokens))
}
