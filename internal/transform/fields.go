package transform

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// Maximum widths of Target text columns, counted in characters.
const (
	LimitOrderNumber    = 20
	LimitStatus         = 50
	LimitPaymentMethod  = 50
	LimitPaymentStatus  = 50
	LimitSource         = 50
	LimitRecipientName  = 255
	LimitComment        = 500
	LimitCourierComment = 500
	LimitPostcardText   = 500
	LimitProperty       = 255
	LimitRawProperty    = 50
	LimitPhone          = 20
)

const (
	// PickupAddress replaces the delivery address of pickup orders.
	PickupAddress = "Самовывоз"
	// PickupRecipient fills the recipient name of pickup orders that carry none.
	PickupRecipient = "Самовывоз"
	// DefaultCurrency applies when the Source omits a currency.
	DefaultCurrency = "KZT"
	// DefaultPaymentMethod applies to unknown payment system ids.
	DefaultPaymentMethod = "cash"
	// SourceSystem tags records that originate in the Source platform.
	SourceSystem = "bitrix"

	amountSanityLimit = 1000000
	minimumYear       = 1900
	maximumYear       = 2100
)

var (
	paymentMethods = map[string]string{
		"1":        "cash",
		"2":        "card",
		"3":        "kaspi",
		"4":        "transfer",
		"cash":     "cash",
		"card":     "card",
		"kaspi":    "kaspi",
		"transfer": "transfer",
	}

	// Source-native layouts first, then ISO variants.
	dateLayouts = []string{
		"02.01.2006 15:04:05",
		"02.01.2006",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02",
		time.RFC3339Nano,
	}

	nonNumeric = regexp.MustCompile(`[^\d.-]`)
	isoDate    = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	amountMax  = decimal.NewFromInt(amountSanityLimit)
)

// Truncate cuts value to at most limit characters. The result is always a
// prefix of value.
func Truncate(value string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	count := 0
	for index := range value {
		if count == limit {
			return value[:index]
		}
		count++
	}
	return value
}

// cleanText normalizes free text: NFC composition, trimmed whitespace, and
// the literal NULL treated as empty.
func cleanText(value string) string {
	cleaned := strings.TrimSpace(norm.NFC.String(value))
	if cleaned == "NULL" {
		return ""
	}
	return cleaned
}

// ParseAmount coerces value into a non-negative fixed-point amount rounded to
// cents. Empty, unparsable, negative or implausibly large inputs report false.
func ParseAmount(value string) (decimal.Decimal, bool) {
	cleaned := nonNumeric.ReplaceAllString(cleanText(value), "")
	if cleaned == "" {
		return decimal.Zero, false
	}
	amount, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, false
	}
	if amount.IsNegative() || amount.GreaterThan(amountMax) {
		return decimal.Zero, false
	}
	return amount.Round(2), true
}

// ParseDate tries every supported layout in order. Zero dates and years
// outside [1900, 2100] are rejected.
func ParseDate(value string, location *time.Location) (time.Time, bool) {
	cleaned := cleanText(value)
	if cleaned == "" || strings.HasPrefix(cleaned, "0000-00-00") {
		return time.Time{}, false
	}
	if location == nil {
		location = time.UTC
	}
	for _, layout := range dateLayouts {
		parsed, err := time.ParseInLocation(layout, cleaned, location)
		if err != nil {
			continue
		}
		if parsed.Year() < minimumYear || parsed.Year() > maximumYear {
			continue
		}
		return parsed, true
	}
	return time.Time{}, false
}

// NormalizePhone keeps digits only and prefixes a plus sign.
func NormalizePhone(value string) string {
	var builder strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			builder.WriteRune(r)
		}
	}
	if builder.Len() == 0 {
		return ""
	}
	return "+" + builder.String()
}

// PaymentMethod maps a Source payment system id.
func PaymentMethod(id string) string {
	if method, ok := paymentMethods[strings.ToLower(cleanText(id))]; ok {
		return method
	}
	return DefaultPaymentMethod
}

// PaymentStatus maps the Source paid flag.
func PaymentStatus(paid bool) string {
	if paid {
		return "paid"
	}
	return "pending"
}

func isFlagSet(value string) bool {
	switch strings.ToUpper(cleanText(value)) {
	case "Y", "YES", "TRUE", "1":
		return true
	default:
		return false
	}
}

// fieldWriter applies per-field rules and collects adjustments.
type fieldWriter struct {
	adjustments []Adjustment
}

func (w *fieldWriter) text(field, value string, limit int) string {
	cleaned := cleanText(value)
	length := utf8.RuneCountInString(cleaned)
	if length <= limit {
		return cleaned
	}
	w.adjustments = append(w.adjustments, Adjustment{
		Field:  field,
		Kind:   AdjustTruncated,
		Limit:  limit,
		Length: length,
	})
	return Truncate(cleaned, limit)
}

func (w *fieldWriter) amount(field string, value Value) decimal.Decimal {
	if value.IsEmpty() {
		return decimal.Zero
	}
	amount, ok := ParseAmount(value.String())
	if !ok {
		w.adjustments = append(w.adjustments, Adjustment{
			Field:  field,
			Kind:   AdjustDefaulted,
			Detail: value.String(),
		})
		return decimal.Zero
	}
	return amount
}

func (w *fieldWriter) date(field string, value Value, location *time.Location) *time.Time {
	if value.IsEmpty() {
		return nil
	}
	parsed, ok := ParseDate(value.String(), location)
	if !ok {
		w.adjustments = append(w.adjustments, Adjustment{
			Field:  field,
			Kind:   AdjustDropped,
			Detail: value.String(),
		})
		return nil
	}
	utc := parsed.UTC()
	return &utc
}

func (w *fieldWriter) phone(field, value string) string {
	normalized := NormalizePhone(value)
	return w.text(field, normalized, LimitPhone)
}

func (w *fieldWriter) note(adjustment Adjustment) {
	w.adjustments = append(w.adjustments, adjustment)
}
