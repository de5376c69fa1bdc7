package enrich

import (
	"strconv"
	"strings"

	"github.com/sitepulse/sitepulse/pkg/record"
)

// Environment exposes what the client runtime knows about itself.
type Environment interface {
	UserAgent() string
	// ScreenSize returns width and height in CSS pixels, or zeros when unknown.
	ScreenSize() (width, height int)
	// Timezone returns the IANA zone name, or "" when unknown.
	Timezone() string
	// ConnectionType returns the effective network type ("4g", "wifi"), or "".
	ConnectionType() string
}

// StaticEnvironment is an Environment with fixed values.
type StaticEnvironment struct {
	UA           string
	ScreenWidth  int
	ScreenHeight int
	TZ           string
	Connection   string
}

func (e StaticEnvironment) UserAgent() string      { return e.UA }
func (e StaticEnvironment) ScreenSize() (int, int) { return e.ScreenWidth, e.ScreenHeight }
func (e StaticEnvironment) Timezone() string       { return e.TZ }
func (e StaticEnvironment) ConnectionType() string { return e.Connection }

type token struct {
	name    string
	markers []string
}

// Tested in order; the first family with a matching marker wins. Edge and
// Opera user agents also carry "chrome", Chrome carries "safari".
var browserTokens = []token{
	{"Edge", []string{"edg/", "edge/", "edga/", "edgios/"}},
	{"Opera", []string{"opr/", "opera"}},
	{"Samsung Internet", []string{"samsungbrowser"}},
	{"Firefox", []string{"firefox", "fxios"}},
	{"Chrome", []string{"chrome", "crios"}},
	{"Safari", []string{"safari"}},
	{"Internet Explorer", []string{"msie", "trident/"}},
}

// iOS before macOS (iPad UAs mention "Mac OS X"), Android before Linux.
var osTokens = []token{
	{"Windows", []string{"windows"}},
	{"iOS", []string{"iphone", "ipad", "ipod"}},
	{"Android", []string{"android"}},
	{"Chrome OS", []string{"cros"}},
	{"macOS", []string{"mac os x", "macintosh"}},
	{"Linux", []string{"linux"}},
}

var (
	tabletMarkers = []string{"ipad", "tablet", "playbook", "silk", "kindle"}
	mobileMarkers = []string{"mobile", "iphone", "ipod", "android", "blackberry", "opera mini", "iemobile", "wpdesktop"}
)

const unknown = "Unknown"

func match(ua string, tokens []token) string {
	for _, t := range tokens {
		if containsAny(ua, t.markers) {
			return t.name
		}
	}
	return unknown
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// ClassifyDeviceType maps a user agent to a form factor. A tablet marker wins
// over a mobile one; Android without "mobile" is a tablet.
func ClassifyDeviceType(userAgent string) record.DeviceType {
	ua := strings.ToLower(userAgent)
	if containsAny(ua, tabletMarkers) || (strings.Contains(ua, "android") && !strings.Contains(ua, "mobile")) {
		return record.DeviceTablet
	}
	if containsAny(ua, mobileMarkers) {
		return record.DeviceMobile
	}
	return record.DeviceDesktop
}

// DetectBrowser returns the browser family for a user agent.
func DetectBrowser(userAgent string) string {
	return match(strings.ToLower(userAgent), browserTokens)
}

// DetectOS returns the operating system family for a user agent.
func DetectOS(userAgent string) string {
	return match(strings.ToLower(userAgent), osTokens)
}

// DetectDevice derives device facts from env. It never fails; unknown
// values are left empty or reported as "Unknown". The connection type is
// only read when withConnection is set.
func DetectDevice(env Environment, withConnection bool) record.DeviceFacts {
	ua := env.UserAgent()
	dt := ClassifyDeviceType(ua)
	facts := record.DeviceFacts{
		DeviceType:      dt,
		Browser:         DetectBrowser(ua),
		OperatingSystem: DetectOS(ua),
		Timezone:        env.Timezone(),
		IsMobile:        dt == record.DeviceMobile,
	}
	if w, h := env.ScreenSize(); w > 0 && h > 0 {
		facts.ScreenResolution = strconv.Itoa(w) + "x" + strconv.Itoa(h)
	}
	if withConnection {
		facts.ConnectionType = env.ConnectionType()
	}
	return facts
}

// ParseScreen parses a "WxH" string. It returns zeros when s is malformed.
func ParseScreen(s string) (width, height int) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0
	}
	w, err1 := strconv.Atoi(strings.TrimSpace(ws))
	h, err2 := strconv.Atoi(strings.TrimSpace(hs))
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0
	}
	return w, h
}
