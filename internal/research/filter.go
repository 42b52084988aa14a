package research

import (
	"context"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"
)

const (
	// MaxFilterCandidates bounds the link list sent to the model.
	MaxFilterCandidates = 30
	fallbackLinkCount   = 5
)

// FilterRequest is the input of FilterRelevantLinks.
type FilterRequest struct {
	Query    string
	Context  string
	Links    []string
	MaxLinks int
}

var (
	socialHosts = []string{
		"facebook.com", "fb.com", "twitter.com", "x.com", "t.co", "instagram.com",
		"linkedin.com", "tiktok.com", "pinterest.com", "snapchat.com", "threads.net",
		"whatsapp.com", "telegram.me", "t.me", "discord.gg", "discord.com",
	}
	blockedHosts = []string{
		"accounts.google.com", "policies.google.com", "support.google.com",
		"consent.google.com", "myaccount.google.com", "apps.apple.com",
		"play.google.com", "chromewebstore.google.com",
	}
	authSegments = map[string]struct{}{
		"login": {}, "log-in": {}, "signin": {}, "sign-in": {}, "signup": {}, "sign-up": {},
		"register": {}, "logout": {}, "log-out": {}, "signout": {}, "sign-out": {},
		"account": {}, "accounts": {}, "auth": {}, "oauth": {}, "sso": {},
		"password": {}, "forgot-password": {}, "reset-password": {}, "subscribe": {}, "cart": {}, "checkout": {},
	}
	legalSegments = map[string]struct{}{
		"privacy": {}, "privacy-policy": {}, "policy": {}, "policies": {}, "terms": {},
		"terms-of-service": {}, "terms-of-use": {}, "tos": {}, "legal": {}, "cookie": {},
		"cookies": {}, "cookie-policy": {}, "disclaimer": {}, "imprint": {},
	}
	assetExtensions = map[string]struct{}{
		".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".svg": {}, ".webp": {}, ".ico": {},
		".bmp": {}, ".css": {}, ".js": {}, ".mjs": {}, ".map": {}, ".woff": {}, ".woff2": {},
		".ttf": {}, ".eot": {}, ".mp3": {}, ".mp4": {}, ".webm": {}, ".mov": {}, ".avi": {},
		".zip": {}, ".gz": {}, ".tar": {}, ".rar": {}, ".exe": {}, ".dmg": {}, ".xml": {}, ".rss": {},
	}
)

// DenyReason names why a link is not worth following, or "" if it is.
func DenyReason(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" {
		return "invalid_url"
	}
	host := strings.ToLower(parsed.Hostname())
	if hostMatches(host, socialHosts) {
		return "social_network"
	}
	if hostMatches(host, blockedHosts) {
		return "utility_host"
	}
	lowerPath := strings.ToLower(parsed.Path)
	if _, ok := assetExtensions[path.Ext(lowerPath)]; ok {
		return "static_asset"
	}
	for _, segment := range strings.Split(strings.Trim(lowerPath, "/"), "/") {
		if _, ok := authSegments[segment]; ok {
			return "auth_page"
		}
		if _, ok := legalSegments[segment]; ok {
			return "legal_page"
		}
	}
	if strings.HasPrefix(lowerPath, "/search") || (strings.Contains(lowerPath, "search") && parsed.Query().Has("q")) {
		return "search_results_page"
	}
	return ""
}

func hostMatches(host string, candidates []string) bool {
	host = strings.TrimPrefix(host, "www.")
	for _, candidate := range candidates {
		if host == candidate || strings.HasSuffix(host, "."+candidate) {
			return true
		}
	}
	return false
}

// FilterRelevantLinks drops low-value links and asks the model which of the
// rest to follow. The result is always a subset of req.Links.
func (o *Operations) FilterRelevantLinks(ctx context.Context, req FilterRequest) FilterResult {
	maxLinks := req.MaxLinks
	if maxLinks <= 0 {
		maxLinks = fallbackLinkCount
	}
	candidates := make([]string, 0, len(req.Links))
	seen := map[string]struct{}{}
	for _, link := range req.Links {
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		if reason := DenyReason(link); reason != "" {
			o.logger.Debug("link denied", zap.String("url", link), zap.String("reason", reason))
			continue
		}
		candidates = append(candidates, link)
	}
	if len(candidates) > MaxFilterCandidates {
		candidates = candidates[:MaxFilterCandidates]
	}
	if len(candidates) == 0 {
		return FilterResult{Links: []string{}}
	}

	fallback := func(reason string) FilterResult {
		n := min(fallbackLinkCount, maxLinks, len(candidates))
		return FilterResult{Links: append([]string(nil), candidates[:n]...), Fallback: true, Error: reason}
	}
	if o.gen == nil {
		return fallback(ErrNoModel.Error())
	}
	text, err := o.gen.GenerateText(ctx, filterPrompt(req.Query, req.Context, candidates, maxLinks))
	if err != nil {
		o.logger.Info("link filter failed", zap.Error(err))
		return fallback(err.Error())
	}
	chosen, err := parseURLList(text)
	if err != nil {
		return fallback(err.Error())
	}
	allowed := map[string]struct{}{}
	for _, c := range candidates {
		allowed[c] = struct{}{}
	}
	selected := []string{}
	picked := map[string]struct{}{}
	for _, link := range chosen {
		if _, ok := allowed[link]; !ok {
			continue
		}
		if _, dup := picked[link]; dup {
			continue
		}
		picked[link] = struct{}{}
		selected = append(selected, link)
		if len(selected) == maxLinks {
			break
		}
	}
	if len(selected) == 0 {
		return fallback("model selected no known links")
	}
	return FilterResult{Links: selected}
}
