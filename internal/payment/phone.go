package payment

import (
	"regexp"
	"strings"
)

// Tanzanian mobile numbers in international form: 255 then 6xx/7xx.
var phonePattern = regexp.MustCompile(`^255[67][0-9]{8}$`)

// Carrier is a mobile network operator.
type Carrier string

const (
	CarrierVodacom Carrier = "VODACOM"
	CarrierAirtel  Carrier = "AIRTEL"
	CarrierTigo    Carrier = "TIGO"
	CarrierHalotel Carrier = "HALOTEL"
	CarrierUnknown Carrier = "UNKNOWN"
)

// NormalizePhone converts common local spellings to 255XXXXXXXXX.
// "+255 745 000 111", "0745000111" and "745000111" all become
// "255745000111". The result is not validated.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case strings.HasPrefix(digits, "255"):
		return digits
	case strings.HasPrefix(digits, "0"):
		return "255" + digits[1:]
	case len(digits) == 9:
		return "255" + digits
	default:
		return digits
	}
}

// ValidPhone reports whether a normalized number is a valid mobile number.
func ValidPhone(normalized string) bool {
	return phonePattern.MatchString(normalized)
}

// DetectCarrier maps the three digits after the country code to an operator.
func DetectCarrier(normalized string) Carrier {
	if len(normalized) < 6 || !strings.HasPrefix(normalized, "255") {
		return CarrierUnknown
	}
	prefix := normalized[3:6]
	switch {
	case strings.HasPrefix(prefix, "62"):
		return CarrierHalotel
	case strings.HasPrefix(prefix, "65"):
		return CarrierTigo
	case strings.HasPrefix(prefix, "68"):
		return CarrierAirtel
	case prefix >= "740" && prefix <= "759":
		return CarrierVodacom
	}
	return CarrierUnknown
}

// MaskPhone hides the middle digits for logging: 255745****11.
func MaskPhone(phone string) string {
	if len(phone) < 8 {
		return "****"
	}
	return phone[:6] + strings.Repeat("*", len(phone)-8) + phone[len(phone)-2:]
}
