package monitoring

import (
	"strings"

	"github.com/mssola/useragent"

	activity "activitylog/internal/activity/models"
)

const unknownDevice = "Unknown Device"

// ParseUserAgent turns a raw user agent into "Browser Major on OS".
func ParseUserAgent(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return unknownDevice
	}
	ua := useragent.New(raw)
	browser, version := ua.Browser()
	if major, _, ok := strings.Cut(version, "."); ok {
		version = major
	}
	if browser == "" {
		browser = "Unknown browser"
	}
	platform := ua.OS()
	if platform == "" {
		platform = ua.Platform()
	}
	if ua.Mobile() && ua.Platform() != "" && !strings.Contains(platform, ua.Platform()) {
		platform = ua.Platform() + " " + platform
	}
	if platform == "" {
		platform = "unknown OS"
	}
	return strings.Join(strings.Fields(browser+" "+version+" on "+platform), " ")
}

// deviceLabel picks the most readable device description from a decrypted
// context: an explicit name, then the parsed user agent, then raw info.
func deviceLabel(c activity.Context) string {
	if !c.DeviceName.IsZero() {
		return c.DeviceName.String()
	}
	if !c.UserAgent.IsZero() {
		return ParseUserAgent(c.UserAgent.String())
	}
	if !c.DeviceInfo.IsZero() {
		return c.DeviceInfo.String()
	}
	return ""
}
