// Package device derives device facts from raw client signatures
// (user-agent strings).
package device

import ua "github.com/mileusna/useragent"

const (
	OSiOS     = ua.IOS
	OSAndroid = ua.Android
)

// Class buckets a client signature into a coarse device class.
func Class(signature string) string {
	if signature == "" {
		return "unknown"
	}

	parsed := ua.Parse(signature)
	switch {
	case parsed.Bot:
		return "bot"
	case parsed.Tablet:
		return "tablet"
	case parsed.Mobile:
		return "mobile"
	case parsed.Desktop:
		return "desktop"
	default:
		return "unknown"
	}
}

// OS returns the operating system name ("iOS", "Android", ...) or an empty
// string when it cannot be derived.
func OS(signature string) string {
	if signature == "" {
		return ""
	}
	return ua.Parse(signature).OS
}
