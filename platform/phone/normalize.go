// Package phone provides phone number utilities.
// This is part of the platform layer and contains no business logic.
package phone

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// Normalize formats input as E.164, reading numbers without a country code
// in region. The second result is false when input is not a valid number;
// the trimmed input is returned unchanged in that case.
func Normalize(input, region string) (string, bool) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return trimmed, false
	}

	number, err := phonenumbers.Parse(trimmed, strings.ToUpper(region))
	if err != nil || !phonenumbers.IsValidNumber(number) {
		return trimmed, false
	}

	return phonenumbers.Format(number, phonenumbers.E164), true
}
