package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseMoney parses a Spanish-convention money string: optional "$ "
// prefix, "." thousands separator, "," decimal separator, e.g.
// "$ 1.234.567,8900". It is tolerant of a missing prefix, extra
// whitespace, and a varying number of decimal digits.
func ParseMoney(s string) (float64, error) {
	t := strings.TrimSpace(s)
	t = strings.TrimPrefix(t, "$")
	t = strings.TrimSpace(t)
	if t == "" {
		return 0, fmt.Errorf("domain: empty money string")
	}
	t = strings.ReplaceAll(t, ".", "")
	t = strings.ReplaceAll(t, ",", ".")
	v, err := strconv.ParseFloat(t, 64)
	if err != nil {
		return 0, fmt.Errorf("domain: malformed money string %q: %w", s, err)
	}
	return v, nil
}

// FormatMoney renders v in the same convention ParseMoney accepts, with
// four decimal digits (the precision observed in portal payloads).
func FormatMoney(v float64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	whole := int64(v)
	frac := v - float64(whole)
	wholeStr := strconv.FormatInt(whole, 10)
	grouped := groupThousands(wholeStr)
	fracStr := strconv.FormatFloat(frac, 'f', 4, 64)
	fracStr = fracStr[2:] // drop leading "0."
	out := fmt.Sprintf("$ %s,%s", grouped, fracStr)
	if neg {
		out = "-" + out
	}
	return out
}

func groupThousands(digits string) string {
	n := len(digits)
	if n <= 3 {
		return digits
	}
	var b strings.Builder
	lead := n % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
	}
	for i := lead; i < n; i += 3 {
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}
