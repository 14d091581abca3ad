package extraction

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// Combiner blends a rule's prior with the confidences of the tokens it matched.
type Combiner interface {
	Combine(prior float64, tokens []invoice.Token) float64
	String() string
}

// Product scores prior × mean token confidence. Used where a single misread
// character invalidates the value: amounts, identifiers and dates.
type Product struct{}

func (Product) Combine(prior float64, tokens []invoice.Token) float64 {
	return prior * meanConfidence(tokens)
}

func (Product) String() string { return "product" }

// WeightedAverage scores W×prior + (1−W)×mean token confidence. Used for
// free text such as names, addresses, currency and payment terms, where a
// misread letter rarely changes the meaning.
type WeightedAverage struct {
	W float64
}

func (w WeightedAverage) Combine(prior float64, tokens []invoice.Token) float64 {
	return w.W*prior + (1-w.W)*meanConfidence(tokens)
}

func (w WeightedAverage) String() string { return fmt.Sprintf("weighted_average(%.2f)", w.W) }

// Region is where on the page a field kind is expected.
type Region int

const (
	Anywhere Region = iota
	Header          // top third
	TopHalf
	Bottom      // lower half
	BottomRight // lower half, right half
)

func (r Region) contains(x, y float64) bool {
	switch r {
	case Header:
		return y <= 1.0/3
	case TopHalf:
		return y <= 0.5
	case Bottom:
		return y >= 0.5
	case BottomRight:
		return y >= 0.5 && x >= 0.5
	}
	return true
}

// Scope restricts which lines a rule may match on.
type Scope int

const (
	AllLines Scope = iota
	BillTo
	NotBillTo
)

// Rule is one ordered pattern for a field kind.
type Rule struct {
	Name    string
	Kind    invoice.FieldKind
	Pattern *regexp.Regexp
	// Group is the submatch holding the value.
	Group int
	// RejectPrefix, when set, discards matches whose preceding line text matches it.
	RejectPrefix *regexp.Regexp
	Prior        float64
	Combine      Combiner
	Region       Region
	Scope        Scope
	// Normalize converts the matched text to the candidate's canonical value.
	Normalize func(string) (string, bool)
}

const (
	amountPattern = `(\(?-?[$€£¥₹]?\s?-?(?:\d{1,3}(?:,\d{3})+|\d+)(?:\.\d{1,2})?\)?)`
	datePattern   = `(\d{1,2}[/.\-]\d{1,2}[/.\-]\d{2,4}|\d{4}-\d{1,2}-\d{1,2}|\d{1,2}\s+[A-Za-z]{3,9}\.?,?\s+\d{2,4}|[A-Za-z]{3,9}\.?\s+\d{1,2},?\s+\d{2,4})`
	idPattern     = `([a-z]{0,5}[-/]?\d[\w\-/]*)`
)

var (
	dueContext = regexp.MustCompile(`(?i)\b(?:due|payable|ship(?:ping|ped)?|delivery|order)\s*$`)
	subContext = regexp.MustCompile(`(?i)\bsub\s*-?\s*$`)
	refContext = regexp.MustCompile(`(?i)\b(?:p\.?\s?o\.?|order|purchase\s+order|invoice|inv|bill|receipt|account|acct|tax\s*id|phone|tel|ref)\s*$`)

	currencySymbols = map[string]string{
		"$": "USD",
		"€": "EUR",
		"£": "GBP",
		"¥": "JPY",
		"₹": "INR",
	}
)

// DefaultRules is the ordered rule set used by New.
var DefaultRules = []Rule{
	{
		Name:      "invoice_number_labelled",
		Kind:      invoice.FieldInvoiceNumber,
		Pattern:   regexp.MustCompile(`(?i)\binvoice\s*(?:#|no\.?|num(?:ber)?\.?|id)?\s*[:#\-]?\s*` + idPattern),
		Group:     1,
		Prior:     0.9,
		Combine:   Product{},
		Region:    TopHalf,
		Normalize: normalizeID,
	},
	{
		Name:      "invoice_number_abbreviated",
		Kind:      invoice.FieldInvoiceNumber,
		Pattern:   regexp.MustCompile(`(?i)\b(?:inv|bill|receipt)\s*(?:#|no\.?|number)\s*[:\-]?\s*` + idPattern),
		Group:     1,
		Prior:     0.7,
		Combine:   Product{},
		Region:    TopHalf,
		Normalize: normalizeID,
	},
	{
		Name:         "invoice_number_hash",
		Kind:         invoice.FieldInvoiceNumber,
		Pattern:      regexp.MustCompile(`(?i)(?:^|\s)#\s?([a-z0-9][\w\-]*\d[\w\-]*)`),
		Group:        1,
		RejectPrefix: refContext,
		Prior:        0.5,
		Combine:      Product{},
		Region:       TopHalf,
		Normalize:    normalizeID,
	},
	{
		Name:         "invoice_date_labelled",
		Kind:         invoice.FieldInvoiceDate,
		Pattern:      regexp.MustCompile(`(?i)\b(?:invoice\s+date|bill\s+date|issue\s+date|date\s+of\s+issue|dated|date)\b\s*[:\-]?\s*` + datePattern),
		Group:        1,
		RejectPrefix: dueContext,
		Prior:        0.9,
		Combine:      Product{},
		Region:       Header,
		Normalize:    normalizeDate,
	},
	{
		Name:      "due_date_labelled",
		Kind:      invoice.FieldDueDate,
		Pattern:   regexp.MustCompile(`(?i)\b(?:due\s+date|payment\s+due|payable\s+by|due(?:\s+on|\s+by)?)\b\s*[:\-]?\s*` + datePattern),
		Group:     1,
		Prior:     0.9,
		Combine:   Product{},
		Region:    Header,
		Normalize: normalizeDate,
	},
	{
		Name:         "invoice_date_unlabelled",
		Kind:         invoice.FieldInvoiceDate,
		Pattern:      regexp.MustCompile(`(?i)(?:^|\s)` + datePattern),
		Group:        1,
		RejectPrefix: regexp.MustCompile(`(?i)(?:due|payable|ship(?:ping|ped)?|delivery|order)\b.*$`),
		Prior:        0.6,
		Combine:      Product{},
		Region:       Header,
		Normalize:    normalizeDate,
	},
	{
		Name:         "total_amount",
		Kind:         invoice.FieldTotalAmount,
		Pattern:      regexp.MustCompile(`(?i)\b(?:grand\s+total|total\s+due|total\s+amount|amount\s+due|balance\s+due|invoice\s+total|total)\b\s*(?:\([^)]*\))?\s*[:\-]?\s*` + amountPattern),
		Group:        1,
		RejectPrefix: subContext,
		Prior:        0.9,
		Combine:      Product{},
		Region:       BottomRight,
		Normalize:    normalizeAmount,
	},
	{
		Name:      "subtotal",
		Kind:      invoice.FieldSubtotal,
		Pattern:   regexp.MustCompile(`(?i)\bsub\s*-?\s*total\b\s*[:\-]?\s*` + amountPattern),
		Group:     1,
		Prior:     0.9,
		Combine:   Product{},
		Region:    Bottom,
		Normalize: normalizeAmount,
	},
	{
		Name:         "tax_amount",
		Kind:         invoice.FieldTaxAmount,
		Pattern:      regexp.MustCompile(`(?i)\b(?:sales\s+tax|tax|vat|gst)\b(?:\s*\(?\s*@?\s*\d{1,2}(?:\.\d+)?\s*%\s*\)?)?\s*(?:amount)?\s*[:\-]?\s*` + amountPattern),
		Group:        1,
		RejectPrefix: regexp.MustCompile(`(?i)\bsub\s*-?\s*$`),
		Prior:        0.9,
		Combine:      Product{},
		Region:       Bottom,
		Normalize:    normalizeAmount,
	},
	{
		Name:      "tax_rate",
		Kind:      invoice.FieldTaxRate,
		Pattern:   regexp.MustCompile(`(?i)\b(?:tax|vat|gst)\b[^%\d]{0,20}(\d{1,2}(?:\.\d+)?)\s*%`),
		Group:     1,
		Prior:     0.9,
		Combine:   Product{},
		Region:    Bottom,
		Normalize: normalizeRate,
	},
	{
		Name:      "currency_code",
		Kind:      invoice.FieldCurrency,
		Pattern:   regexp.MustCompile(`\b(USD|EUR|GBP|JPY|INR|CAD|AUD|CHF|KRW|CNY|MXN)\b`),
		Group:     1,
		Prior:     0.95,
		Combine:   WeightedAverage{W: 0.7},
		Normalize: func(s string) (string, bool) { return strings.ToUpper(s), true },
	},
	{
		Name:    "currency_symbol",
		Kind:    invoice.FieldCurrency,
		Pattern: regexp.MustCompile(`([$€£¥₹])\s?\d`),
		Group:   1,
		Prior:   0.8,
		Combine: WeightedAverage{W: 0.7},
		Normalize: func(s string) (string, bool) {
			code, ok := currencySymbols[s]
			return code, ok
		},
	},
	{
		Name:      "company_tax_id_labelled",
		Kind:      invoice.FieldCompanyTaxID,
		Pattern:   regexp.MustCompile(`(?i)\b(?:tax\s*id|tin|ein|abn|vat\s*(?:no\.?|number|id|reg(?:istration)?(?:\s*no\.?)?)|gst\s*(?:no\.?|number))\s*[:#\-]?\s*([a-z]{0,2}\d[\d\-\s]{5,18}\d)`),
		Group:     1,
		Prior:     0.8,
		Combine:   Product{},
		Scope:     NotBillTo,
		Normalize: normalizeTaxID,
	},
	{
		Name:      "company_tax_id_ein",
		Kind:      invoice.FieldCompanyTaxID,
		Pattern:   regexp.MustCompile(`\b(\d{2}-\d{7})\b`),
		Group:     1,
		Prior:     0.7,
		Combine:   Product{},
		Scope:     NotBillTo,
		Normalize: normalizeTaxID,
	},
	{
		Name:      "company_email",
		Kind:      invoice.FieldCompanyEmail,
		Pattern:   emailPattern,
		Group:     1,
		Prior:     0.9,
		Combine:   Product{},
		Region:    Header,
		Scope:     NotBillTo,
		Normalize: normalizeEmail,
	},
	{
		Name:      "customer_email",
		Kind:      invoice.FieldCustomerEmail,
		Pattern:   emailPattern,
		Group:     1,
		Prior:     0.9,
		Combine:   Product{},
		Scope:     BillTo,
		Normalize: normalizeEmail,
	},
	{
		Name:      "company_phone_labelled",
		Kind:      invoice.FieldCompanyPhone,
		Pattern:   regexp.MustCompile(`(?i)\b(?:phone|tel(?:ephone)?|ph)\.?\s*(?:no\.?)?\s*[:#\-]?\s*(\+?[\d(][\d\s().\-]{5,18}\d)`),
		Group:     1,
		Prior:     0.8,
		Combine:   Product{},
		Region:    Header,
		Scope:     NotBillTo,
		Normalize: normalizePhone,
	},
	{
		Name:      "company_phone_bare",
		Kind:      invoice.FieldCompanyPhone,
		Pattern:   regexp.MustCompile(`(?:^|\s)(\+?(?:\d{1,3}[\s.\-])?\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]\d{4})\b`),
		Group:     1,
		Prior:     0.6,
		Combine:   Product{},
		Region:    Header,
		Scope:     NotBillTo,
		Normalize: normalizePhone,
	},
	{
		Name:      "company_website",
		Kind:      invoice.FieldCompanyWebsite,
		Pattern:   regexp.MustCompile(`(?i)(?:^|[\s(])((?:https?://)?www\.[a-z0-9\-]+(?:\.[a-z0-9\-]+)+|https?://[a-z0-9\-]+(?:\.[a-z0-9\-]+)+)`),
		Group:     1,
		Prior:     0.8,
		Combine:   Product{},
		Region:    Header,
		Scope:     NotBillTo,
		Normalize: normalizeWebsite,
	},
	{
		Name:      "company_from_label",
		Kind:      invoice.FieldCompanyName,
		Pattern:   regexp.MustCompile(`(?i)\b(?:from|vendor|seller|supplier)\s*[:\-]\s*(\S.*)$`),
		Group:     1,
		Prior:     0.8,
		Combine:   WeightedAverage{W: 0.6},
		Scope:     NotBillTo,
		Normalize: normalizeName,
	},
	{
		Name:      "po_number",
		Kind:      invoice.FieldPONumber,
		Pattern:   regexp.MustCompile(`(?i)\b(?:p\.?\s?o\.?|purchase\s+order)\s*(?:#|no\.?|number)?\s*[:\-]?\s*([a-z0-9][\w\-/]*\d[\w\-/]*)`),
		Group:     1,
		Prior:     0.8,
		Combine:   Product{},
		Normalize: normalizeID,
	},
	{
		Name:      "order_number",
		Kind:      invoice.FieldPONumber,
		Pattern:   regexp.MustCompile(`(?i)\border\s*(?:#|no\.?|number)\s*[:\-]?\s*([a-z0-9][\w\-/]*)`),
		Group:     1,
		Prior:     0.7,
		Combine:   Product{},
		Normalize: normalizeID,
	},
	{
		Name:    "payment_terms_net",
		Kind:    invoice.FieldPaymentTerms,
		Pattern: regexp.MustCompile(`(?i)\b(net\s*\d{1,3})\b`),
		Group:   1,
		Prior:   0.9,
		Combine: WeightedAverage{W: 0.7},
		Normalize: func(s string) (string, bool) {
			digits := strings.TrimSpace(strings.TrimPrefix(strings.ToLower(s), "net"))
			return "Net " + digits, digits != ""
		},
	},
	{
		Name:    "payment_terms_phrase",
		Kind:    invoice.FieldPaymentTerms,
		Pattern: regexp.MustCompile(`(?i)\b(due\s+(?:on|upon)\s+receipt|cash\s+on\s+delivery|c\.?o\.?d\.?)(?:\s|$)`),
		Group:   1,
		Prior:   0.8,
		Combine: WeightedAverage{W: 0.7},
		Normalize: func(s string) (string, bool) {
			s = strings.ToLower(s)
			if strings.Contains(s, "receipt") {
				return "Due on receipt", true
			}
			return "Cash on delivery", true
		},
	},
}

var emailPattern = regexp.MustCompile(`([\w.+\-]+@[\w\-]+(?:\.[\w\-]+)+)`)

func normalizeID(s string) (string, bool) {
	s = strings.Trim(strings.TrimSpace(s), ".,;:")
	if !strings.ContainsAny(s, "0123456789") {
		return "", false
	}
	return strings.ToUpper(s), true
}

func normalizeAmount(s string) (string, bool) {
	a, err := invoice.ParseAmount(s)
	if err != nil {
		return "", false
	}
	return a.String(), true
}

func normalizeRate(s string) (string, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 || f > 100 {
		return "", false
	}
	return strconv.FormatFloat(f, 'f', -1, 64), true
}

// normalizeTaxID keeps letters and digits, upper-cased.
func normalizeTaxID(s string) (string, bool) {
	var sb strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		}
	}
	return sb.String(), sb.Len() >= 6
}

func normalizeEmail(s string) (string, bool) {
	return strings.ToLower(strings.Trim(s, ".")), true
}

// normalizePhone keeps the digits and a leading plus sign.
func normalizePhone(s string) (string, bool) {
	var sb strings.Builder
	if strings.HasPrefix(strings.TrimSpace(s), "+") {
		sb.WriteByte('+')
	}
	digits := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
			digits++
		}
	}
	return sb.String(), digits >= 7 && digits <= 15
}

// normalizeWebsite reduces a URL to its lower-case host without "www.".
func normalizeWebsite(s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "www.")
	s = strings.Trim(s, "./")
	return s, strings.Contains(s, ".")
}

func normalizeName(s string) (string, bool) {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.Trim(s, " ,;:")
	return s, s != ""
}
