package pms

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/voicehive/backend/internal/errdefs"
)

// ParseDate accepts an ISO-8601 date or datetime. Datetimes are truncated
// to their date for stay boundaries.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, errdefs.Validation(fmt.Sprintf("invalid date %q", s))
}

// FormatDate renders a stay boundary as an ISO-8601 date.
func FormatDate(t time.Time) string { return t.Format("2006-01-02") }

// ParseMoney normalizes a vendor monetary value into fixed-point decimal.
// Strings may carry thousands separators; integer inputs are widened with
// two implicit fraction digits (12345 → 123.45).
func ParseMoney(v interface{}) (decimal.Decimal, error) {
	switch x := v.(type) {
	case string:
		cleaned := strings.ReplaceAll(strings.TrimSpace(x), ",", "")
		d, err := decimal.NewFromString(cleaned)
		if err != nil {
			return decimal.Zero, errdefs.Validation(fmt.Sprintf("invalid monetary value %q", x))
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(x), nil
	case int:
		return decimal.New(int64(x), -2), nil
	case int64:
		return decimal.New(x, -2), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return decimal.New(i, -2), nil
		}
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return decimal.Zero, errdefs.Validation(fmt.Sprintf("invalid monetary value %q", x))
		}
		return d, nil
	case nil:
		return decimal.Zero, nil
	default:
		return decimal.Zero, errdefs.Validation(fmt.Sprintf("unsupported monetary type %T", v))
	}
}
