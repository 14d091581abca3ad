package extraction

import (
	"iter"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// Engine maps token streams to candidate fields. It is safe for concurrent use.
type Engine struct {
	cfg   Config
	rules []Rule
}

// New creates an Engine with DefaultRules.
func New(cfg Config) *Engine {
	return NewWithRules(cfg, DefaultRules)
}

// NewWithRules creates an Engine with a custom ordered rule set.
func NewWithRules(cfg Config, rules []Rule) *Engine {
	return &Engine{cfg: cfg, rules: append([]Rule(nil), rules...)}
}

var (
	billToLabel = regexp.MustCompile(`(?i)\b(?:bill(?:ed)?\s+to|sold\s+to|invoice\s+to|customer(?:\s+name)?|client)\b\s*[:\-]?\s*`)
	shipToLabel = regexp.MustCompile(`(?i)\bship\s+to\b`)
	// headerNoise marks lines that cannot be a company name.
	headerNoise = regexp.MustCompile(`(?i)\b(?:invoice|bill|date|page|tax|vat|phone|tel|fax|e-?mail|www|http|receipt|statement|quote|total|due|no\.|number)\b|@|\d{3}[\s.\-)]*\d{3,4}`)
	streetLine  = regexp.MustCompile(`(?i)^\d{1,6}\s+\S.*\b(?:street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|way|court|ct|place|pl|suite|ste|highway|hwy|parkway|pkwy)\b\.?`)
	cityLine    = regexp.MustCompile(`^[A-Za-z][A-Za-z .'\-]+,\s*[A-Za-z]{2}\.?\s+\d{5}(?:-\d{4})?$|^[A-Za-z][A-Za-z .'\-]+\s+\d{5}(?:-\d{4})?$`)
)

// billToBlockLines is how many lines after a bill-to label belong to the customer block.
const billToBlockLines = 4

// headerLines is how many lines at the top of the first page are searched for the company name.
const headerLines = 5

// Extract consumes the token stream and returns the best candidate set.
func (e *Engine) Extract(tokens iter.Seq[invoice.Token]) *Result {
	var all []invoice.Token
	for t := range tokens {
		all = append(all, t)
	}
	l := newLayout(all, e.cfg)
	billTo := e.billToBlock(l)

	var found []Candidate
	for _, rule := range e.rules {
		found = append(found, e.applyRule(l, billTo, rule)...)
	}
	found = append(found, e.companyHeader(l, billTo)...)
	found = append(found, e.customerName(l, billTo)...)
	found = append(found, e.addresses(l, billTo)...)

	res := &Result{Fields: make(map[invoice.FieldKind]Candidate)}
	res.resolve(found)

	if _, ok := res.Fields[invoice.FieldCurrency]; !ok && e.cfg.DefaultCurrency != "" {
		res.Fields[invoice.FieldCurrency] = Candidate{
			Kind:       invoice.FieldCurrency,
			Value:      e.cfg.DefaultCurrency,
			Confidence: 0.3,
			Rule:       "currency_default",
		}
	}

	res.LineItems, res.DroppedRows = e.lineItems(l)
	if len(res.LineItems) > 0 {
		var sum float64
		for _, item := range res.LineItems {
			sum += item.Confidence
		}
		res.Fields[invoice.FieldLineItem] = Candidate{
			Kind:       invoice.FieldLineItem,
			Value:      strconv.Itoa(len(res.LineItems)),
			Confidence: sum / float64(len(res.LineItems)),
			Rule:       "line_items",
		}
	}

	for _, kind := range Kinds {
		if _, ok := res.Fields[kind]; !ok {
			res.Missing = append(res.Missing, kind)
		}
	}
	res.Confidence = e.overall(res)
	return res
}

func (e *Engine) applyRule(l *layout, billTo map[int]bool, rule Rule) []Candidate {
	var out []Candidate
	for _, ln := range l.lines {
		if !inScope(rule.Scope, billTo[ln.index]) {
			continue
		}
		for _, m := range rule.Pattern.FindAllStringSubmatchIndex(ln.text, -1) {
			gs, ge := m[2*rule.Group], m[2*rule.Group+1]
			if gs < 0 {
				continue
			}
			if rule.RejectPrefix != nil && rule.RejectPrefix.MatchString(ln.text[:m[0]]) {
				continue
			}
			value, ok := ln.text[gs:ge], true
			if rule.Normalize != nil {
				value, ok = rule.Normalize(value)
			}
			if !ok {
				continue
			}
			span, covered := ln.span(m[0], m[1])
			valueSpan, _ := ln.span(gs, ge)
			out = append(out, e.candidate(l, rule.Kind, rule.Name, value, ln.text[gs:ge], span, valueSpan.Box, covered, rule.Prior, rule.Combine, rule.Region))
		}
	}
	return out
}

func (e *Engine) candidate(l *layout, kind invoice.FieldKind, name, value, raw string, span invoice.Span, at invoice.Box, covered []invoice.Token, prior float64, combine Combiner, region Region) Candidate {
	conf := combine.Combine(prior, covered)
	if x, y := l.relative(span.Page, at); !region.contains(x, y) {
		conf *= e.cfg.OutsideRegionFactor
	}
	return Candidate{
		Kind:       kind,
		Value:      value,
		Raw:        raw,
		Span:       span,
		Confidence: min(max(conf, 0), 1),
		Rule:       name,
	}
}

func inScope(scope Scope, inBillTo bool) bool {
	switch scope {
	case BillTo:
		return inBillTo
	case NotBillTo:
		return !inBillTo
	}
	return true
}

// billToBlock returns the indexes of lines belonging to the customer block:
// the bill-to label line and the lines that follow it, up to a blank label.
func (e *Engine) billToBlock(l *layout) map[int]bool {
	block := make(map[int]bool)
	for i, ln := range l.lines {
		if !billToLabel.MatchString(ln.text) {
			continue
		}
		block[i] = true
		for j := i + 1; j < len(l.lines) && j <= i+billToBlockLines; j++ {
			next := l.lines[j]
			if next.page != ln.page || shipToLabel.MatchString(next.text) || isTableHeader(next) || tableStop.MatchString(next.text) {
				break
			}
			block[j] = true
		}
	}
	return block
}

// companyHeader scores the first plausible name line near the top of the
// first page, preferring earlier lines.
func (e *Engine) companyHeader(l *layout, billTo map[int]bool) []Candidate {
	if len(l.lines) == 0 {
		return nil
	}
	firstPage := l.lines[0].page
	for i := 0; i < len(l.lines) && i < headerLines; i++ {
		ln := l.lines[i]
		if ln.page != firstPage || billTo[i] {
			break
		}
		text := ln.segmentText(0)
		if !plausibleName(text) {
			continue
		}
		name, _ := normalizeName(text)
		end := len(ln.tokens)
		if len(ln.segments) > 1 {
			end = ln.segments[1]
		}
		span, covered := ln.span(0, ln.offsets[end-1]+len(ln.tokens[end-1].Text))
		prior := max(0.9-0.1*float64(i), 0.3)
		return []Candidate{e.candidate(l, invoice.FieldCompanyName, "company_header", name, text, span, span.Box, covered, prior, WeightedAverage{W: 0.6}, Header)}
	}
	return nil
}

func plausibleName(text string) bool {
	text = strings.TrimSpace(text)
	if len(text) < 2 || headerNoise.MatchString(text) || streetLine.MatchString(text) || cityLine.MatchString(text) {
		return false
	}
	letters := 0
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			letters++
		}
	}
	return letters*2 >= len(text)
}

// customerName reads the name after a bill-to label on the same line, or
// the first plausible line below it.
func (e *Engine) customerName(l *layout, billTo map[int]bool) []Candidate {
	var out []Candidate
	for i, ln := range l.lines {
		loc := billToLabel.FindStringIndex(ln.text)
		if loc == nil {
			continue
		}
		// Rest of the label's segment on the same line.
		restEnd := len(ln.text)
		if seg := segmentAt(ln, loc[0]); seg >= 0 && seg+1 < len(ln.segments) {
			restEnd = max(ln.offsets[ln.segments[seg+1]], loc[1])
		}
		rest := strings.TrimSpace(ln.text[loc[1]:restEnd])
		if rest != "" && plausibleName(rest) {
			name, _ := normalizeName(rest)
			span, covered := ln.span(loc[1], restEnd)
			out = append(out, e.candidate(l, invoice.FieldCustomerName, "customer_same_line", name, rest, span, span.Box, covered, 0.8, WeightedAverage{W: 0.6}, Anywhere))
			continue
		}
		for j := i + 1; j < len(l.lines) && billTo[j]; j++ {
			next := l.lines[j]
			text := next.segmentText(0)
			if !plausibleName(text) {
				continue
			}
			name, _ := normalizeName(text)
			span, covered := next.fullSpan()
			out = append(out, e.candidate(l, invoice.FieldCustomerName, "customer_next_line", name, text, span, span.Box, covered, 0.8, WeightedAverage{W: 0.6}, Anywhere))
			break
		}
	}
	return out
}

// segmentAt returns the segment holding byte offset off, or -1.
func segmentAt(ln *line, off int) int {
	seg := -1
	for n, start := range ln.segments {
		if ln.offsets[start] <= off {
			seg = n
		}
	}
	return seg
}

// addresses joins a street line with a following city line, separately
// for the company (outside the bill-to block) and the customer.
func (e *Engine) addresses(l *layout, billTo map[int]bool) []Candidate {
	var out []Candidate
	seen := map[invoice.FieldKind]bool{}
	for i, ln := range l.lines {
		kind := invoice.FieldCompanyAddress
		if billTo[i] {
			kind = invoice.FieldCustomerAddress
		}
		if seen[kind] {
			continue
		}
		text := ln.segmentText(0)
		if billTo[i] {
			if loc := billToLabel.FindStringIndex(text); loc != nil {
				text = strings.TrimSpace(text[loc[1]:])
			}
		}
		street := streetLine.MatchString(text)
		if !street && !cityLine.MatchString(text) {
			continue
		}
		parts := []string{text}
		span, covered := ln.fullSpan()
		if street && i+1 < len(l.lines) && billTo[i+1] == billTo[i] {
			next := l.lines[i+1]
			if city := next.segmentText(0); cityLine.MatchString(city) {
				parts = append(parts, city)
				nextSpan, nextCovered := next.fullSpan()
				span.End = nextSpan.End
				span.Box = span.Box.Union(nextSpan.Box)
				covered = append(append([]invoice.Token(nil), covered...), nextCovered...)
			}
		}
		seen[kind] = true
		value := strings.Join(parts, ", ")
		out = append(out, e.candidate(l, kind, string(kind), value, value, span, span.Box, covered, 0.8, WeightedAverage{W: 0.6}, Anywhere))
	}
	return out
}

// overall is the weighted average confidence of the chosen fields.
func (e *Engine) overall(res *Result) float64 {
	var sum, weights float64
	for _, kind := range Kinds {
		c, ok := res.Fields[kind]
		if !ok {
			continue
		}
		w := e.cfg.weight(kind)
		sum += w * c.Confidence
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}

// resolve keeps, per kind, the candidate with strictly higher confidence,
// breaking ties by reading order, and records incompatible alternatives.
func (r *Result) resolve(found []Candidate) {
	byKind := make(map[invoice.FieldKind][]Candidate)
	for _, c := range found {
		byKind[c.Kind] = append(byKind[c.Kind], c)
	}
	for _, kind := range Kinds {
		cands := byKind[kind]
		if len(cands) == 0 {
			continue
		}
		sort.SliceStable(cands, func(i, j int) bool {
			if cands[i].Confidence != cands[j].Confidence {
				return cands[i].Confidence > cands[j].Confidence
			}
			return cands[i].Span.Start < cands[j].Span.Start
		})
		best := cands[0]
		r.Fields[kind] = best

		rejected := map[string]bool{}
		for _, c := range cands[1:] {
			if c.Value == best.Value || rejected[c.Value] {
				continue
			}
			rejected[c.Value] = true
			amb := Ambiguity{
				Kind:               kind,
				Chosen:             best.Value,
				ChosenConfidence:   best.Confidence,
				Rejected:           c.Value,
				RejectedConfidence: c.Confidence,
				Tie:                c.Confidence == best.Confidence,
			}
			r.Ambiguities = append(r.Ambiguities, amb)
			slog.Debug("extraction ambiguity resolved",
				"kind", kind,
				"chosen", best.Value,
				"rejected", c.Value,
				"tie", amb.Tie)
		}
	}
}
