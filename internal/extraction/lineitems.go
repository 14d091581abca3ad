package extraction

import (
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// rowConfidencePrior scales the mean token confidence of a parsed row.
const rowConfidencePrior = 0.8

type role int

const (
	roleDescription role = iota
	roleQuantity
	roleUnitPrice
	roleTotal
)

var (
	tableStop = regexp.MustCompile(`(?i)\b(?:sub\s*-?\s*total|subtotal|total|tax|vat|gst|balance|amount\s+due)\b`)
	// rowNoise marks labelled lines that are not rows of a headerless table.
	rowNoise = regexp.MustCompile(`(?i)\b(?:invoice|date|due|tax|vat|phone|tel|fax|p\.?o\.?|order|account|page|net\s*\d+)\b|@|:`)

	roleWords = map[string]role{
		"description": roleDescription,
		"item":        roleDescription,
		"items":       roleDescription,
		"product":     roleDescription,
		"service":     roleDescription,
		"services":    roleDescription,
		"details":     roleDescription,
		"qty":         roleQuantity,
		"quantity":    roleQuantity,
		"units":       roleQuantity,
		"hours":       roleQuantity,
		"hrs":         roleQuantity,
		"unit":        roleUnitPrice,
		"price":       roleUnitPrice,
		"rate":        roleUnitPrice,
		"cost":        roleUnitPrice,
		"amount":      roleTotal,
		"total":       roleTotal,
		"line":        roleTotal,
	}
)

// column is a header cell of a detected table.
type column struct {
	role  role
	left  float64
	right float64
}

func (c column) center() float64 { return (c.left + c.right) / 2 }

// tableColumns returns the columns of a header line, or nil when the line
// is not a table header: it must name a description column and at least two
// of quantity, unit price and total.
func tableColumns(ln *line) []column {
	var cols []column
	for _, t := range ln.tokens {
		word := strings.Trim(strings.ToLower(t.Text), ".:#()")
		r, ok := roleWords[word]
		if !ok {
			continue
		}
		if n := len(cols); n > 0 && cols[n-1].role == r {
			cols[n-1].right = t.Box.Right()
			continue
		}
		cols = append(cols, column{role: r, left: t.Box.X, right: t.Box.Right()})
	}

	seen := map[role]bool{}
	for _, c := range cols {
		seen[c.role] = true
	}
	numeric := 0
	for _, r := range []role{roleQuantity, roleUnitPrice, roleTotal} {
		if seen[r] {
			numeric++
		}
	}
	if !seen[roleDescription] || numeric < 2 {
		return nil
	}
	return cols
}

func isTableHeader(ln *line) bool {
	return tableColumns(ln) != nil
}

// lineItems parses the table region under a header, or failing that the
// longest run of right-aligned numeric lines. It returns the parsed items
// and the number of rows dropped for unparseable numbers.
func (e *Engine) lineItems(l *layout) ([]invoice.LineItem, int) {
	for i, ln := range l.lines {
		cols := tableColumns(ln)
		if cols == nil {
			continue
		}
		var rows []*line
		for _, next := range l.lines[i+1:] {
			if next.page != ln.page || isSummaryRow(next) {
				break
			}
			rows = append(rows, next)
		}
		return e.parseRows(rows, cols)
	}
	return e.parseRows(e.alignedRun(l), nil)
}

// alignedRun finds the longest run (at least two) of consecutive lines
// whose right-most numeric token ends in the same column.
func (e *Engine) alignedRun(l *layout) []*line {
	var best, cur []*line
	var edge float64
	for _, ln := range l.lines {
		right, ok := rightNumericEdge(ln)
		tolerance := e.cfg.ColumnAlignment * l.pages[ln.page].width
		switch {
		case !ok || rowNoise.MatchString(ln.text) || tableStop.MatchString(ln.text):
			cur = nil
			continue
		case len(cur) > 0 && cur[0].page == ln.page && math.Abs(right-edge) <= tolerance:
			cur = append(cur, ln)
		default:
			cur = []*line{ln}
			edge = right
		}
		if len(cur) > len(best) {
			best = cur
		}
	}
	if len(best) < 2 {
		return nil
	}
	return best
}

// rightNumericEdge returns the right edge of the line's last token when the
// line carries at least two numeric tokens and ends with one.
func rightNumericEdge(ln *line) (float64, bool) {
	last := ln.tokens[len(ln.tokens)-1]
	if numericCount(ln) < 2 || !isNumeric(last.Text) {
		return 0, false
	}
	return last.Box.Right(), true
}

func (e *Engine) parseRows(rows []*line, cols []column) ([]invoice.LineItem, int) {
	items := make([]invoice.LineItem, 0, len(rows))
	dropped := 0
	for _, row := range rows {
		if !hasNumeric(row) {
			// Wrapped description text continues the previous item.
			if len(items) > 0 {
				items[len(items)-1].Description += " " + row.text
			}
			continue
		}

		var (
			item invoice.LineItem
			err  error
		)
		if cols != nil {
			item, err = parseColumnRow(row, cols)
		} else {
			item, err = parsePositionalRow(row)
		}
		if err != nil {
			dropped++
			slog.Warn("dropping unparseable line item row",
				"page", row.page,
				"row", row.text,
				"error", err)
			continue
		}
		item.Confidence = rowConfidencePrior * meanConfidence(row.tokens)
		items = append(items, item)
	}
	return items, dropped
}

// parseColumnRow assigns every token to the nearest header column.
func parseColumnRow(row *line, cols []column) (invoice.LineItem, error) {
	cells := make(map[role][]string)
	for _, t := range row.tokens {
		center := t.Box.X + t.Box.Width/2
		nearest := cols[0]
		for _, c := range cols[1:] {
			if math.Abs(c.center()-center) < math.Abs(nearest.center()-center) {
				nearest = c
			}
		}
		// Numbers never belong to the description unless they sit inside it.
		r := nearest.role
		if r != roleDescription && !isNumeric(t.Text) && !isCurrencySymbol(t.Text) {
			r = roleDescription
		}
		cells[r] = append(cells[r], t.Text)
	}

	quantity, err := parseQuantity(strings.Join(cells[roleQuantity], ""))
	if err != nil {
		return invoice.LineItem{}, err
	}
	unit, err := invoice.ParseAmount(strings.Join(cells[roleUnitPrice], ""))
	if err != nil {
		return invoice.LineItem{}, err
	}
	total, err := invoice.ParseAmount(strings.Join(cells[roleTotal], ""))
	if err != nil {
		return invoice.LineItem{}, err
	}
	return invoice.LineItem{
		Description: strings.Join(cells[roleDescription], " "),
		Quantity:    quantity,
		UnitPrice:   unit,
		TotalPrice:  total,
	}, nil
}

// parsePositionalRow reads "desc qty unit total" or "qty desc unit total".
func parsePositionalRow(row *line) (invoice.LineItem, error) {
	texts := make([]string, 0, len(row.tokens))
	for _, t := range row.tokens {
		texts = append(texts, t.Text)
	}
	texts = mergeSymbols(texts)

	trailing := 0
	for i := len(texts) - 1; i >= 0 && isNumeric(texts[i]); i-- {
		trailing++
	}

	var qtyText, unitText, totalText string
	var desc []string
	n := len(texts)
	switch {
	case trailing >= 3:
		qtyText, unitText, totalText = texts[n-3], texts[n-2], texts[n-1]
		desc = texts[:n-3]
	case trailing == 2 && n > 2 && isNumeric(texts[0]):
		qtyText, unitText, totalText = texts[0], texts[n-2], texts[n-1]
		desc = texts[1 : n-2]
	default:
		return invoice.LineItem{}, errRowShape
	}

	quantity, err := parseQuantity(qtyText)
	if err != nil {
		return invoice.LineItem{}, err
	}
	unit, err := invoice.ParseAmount(unitText)
	if err != nil {
		return invoice.LineItem{}, err
	}
	total, err := invoice.ParseAmount(totalText)
	if err != nil {
		return invoice.LineItem{}, err
	}
	return invoice.LineItem{
		Description: strings.Join(desc, " "),
		Quantity:    quantity,
		UnitPrice:   unit,
		TotalPrice:  total,
	}, nil
}

// mergeSymbols joins a lone currency symbol with the number after it.
func mergeSymbols(texts []string) []string {
	out := make([]string, 0, len(texts))
	for i := 0; i < len(texts); i++ {
		if isCurrencySymbol(texts[i]) && i+1 < len(texts) && isNumeric(texts[i+1]) {
			out = append(out, texts[i]+texts[i+1])
			i++
			continue
		}
		out = append(out, texts[i])
	}
	return out
}

var numericToken = regexp.MustCompile(`^\(?-?[$€£¥₹]?-?(?:\d{1,3}(?:,\d{3})+|\d+)(?:\.\d+)?\)?x?$`)

func isNumeric(s string) bool {
	return numericToken.MatchString(strings.TrimSpace(s))
}

func isCurrencySymbol(s string) bool {
	_, ok := currencySymbols[strings.TrimSpace(s)]
	return ok
}

func hasNumeric(ln *line) bool {
	return numericCount(ln) > 0
}

func numericCount(ln *line) int {
	n := 0
	for _, t := range ln.tokens {
		if isNumeric(t.Text) {
			n++
		}
	}
	return n
}

// isSummaryRow reports whether a line closes a table: a subtotal, tax or
// total label without the three numbers of an item row.
func isSummaryRow(ln *line) bool {
	return tableStop.MatchString(ln.text) && numericCount(ln) < 3
}

func parseQuantity(s string) (float64, error) {
	s = strings.TrimSuffix(strings.ReplaceAll(strings.TrimSpace(s), ",", ""), "x")
	if s == "" {
		return 0, errMissingQuantity
	}
	return strconv.ParseFloat(s, 64)
}
