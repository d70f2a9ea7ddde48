// Package fingerprint derives stable device identifiers from request signals
// and tracks per-device trust and risk history.
package fingerprint

import (
	"crypto/sha256"
	"encoding/base64"
	"net"
	"strings"

	"github.com/mileusna/useragent"
)

// Signals are the raw request attributes a fingerprint is derived from.
// Screen and Timezone are optional client-reported values.
type Signals struct {
	UserAgent      string `json:"user_agent"`
	IP             string `json:"ip"`
	AcceptLanguage string `json:"accept_language"`
	AcceptEncoding string `json:"accept_encoding"`
	Screen         string `json:"screen,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
}

// Metadata is the normalized view of the parsed signals, returned alongside
// the fingerprint for display and risk scoring.
type Metadata struct {
	Fingerprint string `json:"fingerprint"`
	Browser     string `json:"browser"`
	BrowserVer  string `json:"browser_version"`
	OS          string `json:"os"`
	OSVer       string `json:"os_version"`
	Mobile      bool   `json:"mobile"`
	MaskedIP    string `json:"masked_ip"`
}

var mainstreamBrowsers = map[string]struct{}{
	useragent.Chrome:  {},
	useragent.Firefox: {},
	useragent.Safari:  {},
	useragent.Edge:    {},
	useragent.Opera:   {},
}

var mainstreamPlatforms = map[string]struct{}{
	useragent.Windows:  {},
	useragent.MacOS:    {},
	useragent.Linux:    {},
	useragent.Android:  {},
	useragent.IOS:      {},
	useragent.ChromeOS: {},
}

// Derive computes the deterministic fingerprint and normalized metadata for
// the given signals. The fingerprint is a one-way SHA-256 over the normalized
// signal fields, base64url encoded without padding.
func Derive(sig Signals) Metadata {
	ua := useragent.Parse(sig.UserAgent)

	parts := []string{
		strings.ToLower(strings.TrimSpace(sig.UserAgent)),
		strings.TrimSpace(sig.IP),
		strings.ToLower(strings.TrimSpace(sig.AcceptLanguage)),
		strings.ToLower(strings.TrimSpace(sig.AcceptEncoding)),
		strings.ToLower(ua.Name + "/" + ua.Version),
		strings.ToLower(ua.OS + "/" + ua.OSVersion),
		strings.ToLower(strings.TrimSpace(sig.Screen)),
		strings.ToLower(strings.TrimSpace(sig.Timezone)),
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))

	return Metadata{
		Fingerprint: base64.RawURLEncoding.EncodeToString(sum[:]),
		Browser:     ua.Name,
		BrowserVer:  ua.Version,
		OS:          ua.OS,
		OSVer:       ua.OSVersion,
		Mobile:      ua.Mobile,
		MaskedIP:    MaskIP(sig.IP),
	}
}

// MainstreamBrowser reports whether the parsed browser is one of the major
// engines. Unrecognized or missing browsers add device risk.
func MainstreamBrowser(browser string) bool {
	_, ok := mainstreamBrowsers[browser]
	return ok
}

// MainstreamPlatform reports whether the parsed OS is a major platform.
func MainstreamPlatform(os string) bool {
	_, ok := mainstreamPlatforms[os]
	return ok
}

// MaskIP coarsens an address for display: the last two IPv4 octets or the
// trailing four IPv6 groups are replaced.
func MaskIP(ip string) string {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return ""
	}
	if v4 := parsed.To4(); v4 != nil {
		octets := strings.Split(v4.String(), ".")
		return octets[0] + "." + octets[1] + ".x.x"
	}
	groups := strings.Split(parsed.To16().String(), ":")
	if len(groups) < 4 {
		return "::x"
	}
	keep := len(groups) - 4
	if keep < 1 {
		keep = 1
	}
	return strings.Join(groups[:keep], ":") + "::x"
}

// SameSubnet reports whether two IPv4 addresses share a /24. IPv6 addresses
// are compared on their first four groups (/64).
func SameSubnet(a, b string) bool {
	pa, pb := net.ParseIP(strings.TrimSpace(a)), net.ParseIP(strings.TrimSpace(b))
	if pa == nil || pb == nil {
		return false
	}
	if a4, b4 := pa.To4(), pb.To4(); a4 != nil && b4 != nil {
		return a4[0] == b4[0] && a4[1] == b4[1] && a4[2] == b4[2]
	}
	if pa.To4() != nil || pb.To4() != nil {
		return false
	}
	a16, b16 := pa.To16(), pb.To16()
	for i := 0; i < 8; i++ {
		if a16[i] != b16[i] {
			return false
		}
	}
	return true
}
