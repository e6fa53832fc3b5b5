package services

import (
	"net/url"
	"strings"
	"unicode"

	"golang.org/x/text/width"
)

// DefaultWebhookAllowedHosts is used when no allow-list is configured.
var DefaultWebhookAllowedHosts = []string{"open.feishu.cn", "open.larksuite.com"}

// WebhookHookPath must appear in the path of every accepted webhook URL.
const WebhookHookPath = "/open-apis/bot/v2/hook/"

// Mask geometry for URLs written to logs.
const (
	maskPathPrefix = 20
	maskPathSuffix = 8
)

// NormalizeWebhookURL trims raw and validates it as a bot webhook URL: the
// scheme must be https, the host must appear in allowed (case-insensitive),
// and the path must contain WebhookHookPath. An empty non-nil allowed slice
// disables the host check. The trimmed URL is returned on success.
func NormalizeWebhookURL(raw string, allowed []string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", false
	}
	if !strings.EqualFold(u.Scheme, "https") || u.Host == "" {
		return "", false
	}
	if len(allowed) > 0 && !hostAllowed(u.Host, allowed) {
		return "", false
	}
	if !strings.Contains(u.Path, WebhookHookPath) {
		return "", false
	}
	return s, true
}

func hostAllowed(host string, allowed []string) bool {
	for _, h := range allowed {
		if strings.EqualFold(strings.TrimSpace(h), host) {
			return true
		}
	}
	return false
}

// MaskURL keeps scheme, host and the ends of the path so webhook tokens never
// reach the logs.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[url_masked]"
	}
	p := u.Path
	if len(p) > maskPathPrefix+maskPathSuffix {
		p = p[:maskPathPrefix] + "..." + p[len(p)-maskPathSuffix:]
	}
	return u.Scheme + "://" + u.Host + p
}

// NormalizeCode folds full-width characters to ASCII, drops all whitespace
// and upper-cases the result, so codes typed on mobile keyboards still match.
func NormalizeCode(code string) string {
	folded := width.Fold.String(code)
	folded = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, folded)
	return strings.ToUpper(folded)
}
