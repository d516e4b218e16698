package services

import (
	"fmt"
	"net"
	"strings"

	"github.com/modhub/backend/internal/models"
)

// AnonymizeIP masks the caller's address for storage: the last octet of an
// IPv4 address or the lower 64 bits of an IPv6 address are zeroed. Returns
// "unknown" when the input does not parse.
func AnonymizeIP(ip string) string {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return "unknown"
	}

	if v4 := parsed.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.0", v4[0], v4[1], v4[2])
	}

	masked := make(net.IP, net.IPv6len)
	copy(masked, parsed.To16())
	for i := net.IPv6len / 2; i < net.IPv6len; i++ {
		masked[i] = 0
	}
	return masked.String()
}

// ClassifyDevice maps a User-Agent string to a coarse device type using
// substring heuristics. Unknown agents count as desktop.
func ClassifyDevice(userAgent string) models.DeviceType {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "ipad"), strings.Contains(ua, "tablet"), strings.Contains(ua, "kindle"):
		return models.DeviceTablet
	case strings.Contains(ua, "android") && !strings.Contains(ua, "mobile"):
		// Android without the Mobile token is a tablet build
		return models.DeviceTablet
	case strings.Contains(ua, "mobile"), strings.Contains(ua, "android"), strings.Contains(ua, "iphone"), strings.Contains(ua, "ipod"):
		return models.DeviceMobile
	default:
		return models.DeviceDesktop
	}
}

// ResolveCountry picks the caller's country: a geo header set by the edge
// proxy wins, then the region subtag of the first Accept-Language entry,
// else "Unknown".
func ResolveCountry(geoHeader, acceptLanguage string) string {
	if code := strings.TrimSpace(geoHeader); len(code) == 2 && isAlpha(code) {
		return strings.ToUpper(code)
	}

	// Accept-Language: "en-US,en;q=0.9" -> first tag, drop quality params
	first := strings.SplitN(acceptLanguage, ",", 2)[0]
	first = strings.SplitN(first, ";", 2)[0]
	parts := strings.Split(strings.TrimSpace(first), "-")
	for _, part := range parts[1:] {
		if len(part) == 2 && isAlpha(part) {
			return strings.ToUpper(part)
		}
	}

	return "Unknown"
}

func isAlpha(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}
