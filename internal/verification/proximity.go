package verification

import (
	"strings"
)

// DefaultRSSIThreshold is the weakest signal, in dBm, still treated as in the room.
const DefaultRSSIThreshold = -70

// Observation is a single device seen during a radio scan.
type Observation struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
	RSSI    int    `json:"rssi"`
}

// ProximityResult reports whether the registered device was close enough.
// RSSI is nil when the device was not registered or not seen at all.
type ProximityResult struct {
	Verified bool `json:"verified"`
	RSSI     *int `json:"rssi"`
}

// NormalizeAddress canonicalises a radio address. Twelve hex digits in any
// separator style become the uppercase colon form (AA:BB:CC:DD:EE:FF); any
// other identifier (for example a platform-assigned UUID) is trimmed and
// uppercased.
func NormalizeAddress(address string) string {
	trimmed := strings.ToUpper(strings.TrimSpace(address))
	if trimmed == "" {
		return ""
	}

	digits := strings.Map(func(r rune) rune {
		switch r {
		case ':', '-', '.', ' ':
			return -1
		}
		return r
	}, trimmed)

	if len(digits) != 12 || !isHex(digits) {
		return trimmed
	}

	var b strings.Builder
	b.Grow(17)
	for i := 0; i < len(digits); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(digits[i : i+2])
	}
	return b.String()
}

// IsMACAddress reports whether the normalised address is a colon-separated MAC.
func IsMACAddress(address string) bool {
	normalized := NormalizeAddress(address)
	return len(normalized) == 17 && strings.Count(normalized, ":") == 5
}

// VerifyProximity looks the registered address up in a single scan result set
// and applies the signal threshold. Equality with the threshold verifies.
func VerifyProximity(registered string, scan []Observation, rssiThreshold int) ProximityResult {
	target := NormalizeAddress(registered)
	if target == "" {
		return ProximityResult{}
	}

	for _, observation := range scan {
		if NormalizeAddress(observation.Address) != target {
			continue
		}
		rssi := observation.RSSI
		return ProximityResult{
			Verified: rssi >= rssiThreshold,
			RSSI:     &rssi,
		}
	}

	return ProximityResult{}
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
