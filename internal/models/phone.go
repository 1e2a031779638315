package models

import (
	"regexp"
	"strings"
)

// DefaultCountryCode is prefixed to local numbers.
const DefaultCountryCode = "+256"

// phoneFormatting matches the characters stripped from phone numbers.
var phoneFormatting = regexp.MustCompile(`[^\d+]`)

// NormalizePhone returns phone in "+<country><subscriber>" form. Formatting characters are
// stripped. A number already starting with "+" or with the bare country code digits is
// international; otherwise local leading zeros are dropped and countryCode is prefixed.
func NormalizePhone(phone, countryCode string) string {
	canonical := phoneFormatting.ReplaceAllString(strings.TrimSpace(phone), "")
	if canonical == "" || strings.HasPrefix(canonical, "+") {
		return canonical
	}
	cc := strings.TrimPrefix(countryCode, "+")
	if cc == "" {
		cc = strings.TrimPrefix(DefaultCountryCode, "+")
	}
	if strings.HasPrefix(canonical, cc) {
		return "+" + canonical
	}
	return "+" + cc + strings.TrimLeft(canonical, "0")
}
