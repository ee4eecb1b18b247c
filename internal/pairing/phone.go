package pairing

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultCountryCode replaces a leading national trunk "0".
const DefaultCountryCode = "62"

var (
	phonePattern = regexp.MustCompile(`^\d{10,15}$`)
	separators   = strings.NewReplacer("+", "", " ", "", "-", "", "\t", "")
)

// NormalizePhone strips "+", spaces and hyphens, rewrites a leading "0" to
// countryCode and requires 10 to 15 digits.
func NormalizePhone(raw, countryCode string) (string, error) {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}

	phone := separators.Replace(strings.TrimSpace(raw))
	if strings.HasPrefix(phone, "0") {
		phone = countryCode + strings.TrimPrefix(phone, "0")
	}

	if !phonePattern.MatchString(phone) {
		return "", fmt.Errorf("%w: %q: want 10-15 digits including country code", ErrInvalidPhone, raw)
	}
	return phone, nil
}

// FormatCode splits a raw pairing code into hyphenated groups of four.
// Codes that already contain a hyphen are returned unchanged.
func FormatCode(code string) string {
	if code == "" || strings.Contains(code, "-") {
		return code
	}

	var b strings.Builder
	n := 0
	for _, r := range code {
		if n > 0 && n%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// MaskPhone hides the middle of a phone number for display.
func MaskPhone(phone string) string {
	if len(phone) < 6 {
		return "****"
	}
	return phone[:4] + "****" + phone[len(phone)-2:]
}
