// Package classify maps requests to cacheability categories.
// Classification is default-deny: anything not explicitly recognized as a
// safe, idempotent resource is treated as never-cacheable, and deny-list
// matches always win over allow-list matches.
package classify

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Category is the cacheability classification of a request.
type Category int

const (
	// Unclassified requests bypass the cache layer entirely.
	Unclassified Category = iota
	// ShellAsset is an application shell resource (HTML, JS, CSS, fonts).
	ShellAsset
	// Image is a static image resource.
	Image
	// SafeApi is an explicitly allow-listed idempotent API resource.
	SafeApi
	// EmailContent is a message content or body resource.
	EmailContent
	// NeverCache resources must never be stored (credentials, mutations).
	NeverCache
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case ShellAsset:
		return "shell"
	case Image:
		return "image"
	case SafeApi:
		return "api"
	case EmailContent:
		return "email"
	case NeverCache:
		return "never-cache"
	default:
		return "unclassified"
	}
}

// Namespace returns the cache namespace suffix for a cacheable category,
// or "" when the category is not cacheable.
func (c Category) Namespace() string {
	switch c {
	case ShellAsset:
		return "shell"
	case Image:
		return "image"
	case SafeApi:
		return "api"
	case EmailContent:
		return "email"
	default:
		return ""
	}
}

// Cacheable reports whether responses for this category may be stored.
func (c Category) Cacheable() bool {
	return c == ShellAsset || c == Image || c == SafeApi || c == EmailContent
}

// denyPatterns match sensitive or mutating resources that must never be
// cached, checked before any allow-list. Covers authentication, message
// submission, attachments, drafts, search, sync, and any delete/update
// action endpoints.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/auth`),
	regexp.MustCompile(`/login`),
	regexp.MustCompile(`/logout`),
	regexp.MustCompile(`/token`),
	regexp.MustCompile(`/password`),
	regexp.MustCompile(`/send`),
	regexp.MustCompile(`/attachments?(/|$)`),
	regexp.MustCompile(`/drafts?(/|$)`),
	regexp.MustCompile(`/search`),
	regexp.MustCompile(`/sync`),
	regexp.MustCompile(`/delete`),
	regexp.MustCompile(`/update`),
	regexp.MustCompile(`/move`),
	regexp.MustCompile(`/flags`),
}

// allowPatterns match explicitly safe, idempotent, non-sensitive API
// resources.
var allowPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^/api/user/profile$`),
	regexp.MustCompile(`^/api/accounts$`),
	regexp.MustCompile(`^/api/emails/[^/]+/content$`),
	regexp.MustCompile(`^/api/emails/[^/]+/body$`),
	regexp.MustCompile(`^/api/signatures$`),
	regexp.MustCompile(`^/api/settings/theme$`),
}

// shellPaths are the fixed application shell entry points.
var shellPaths = map[string]bool{
	"/":              true,
	"/index.html":    true,
	"/manifest.json": true,
	"/favicon.ico":   true,
	"/offline.html":  true,
}

var shellExtensions = []string{".html", ".js", ".css", ".woff", ".woff2", ".ttf"}

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico", ".bmp", ".avif"}

// emailContentPattern matches message content under the email namespace
// that is not covered by the explicit allow-list.
var emailContentPattern = regexp.MustCompile(`^/api/emails/.+/(content|body)`)

// Request classifies a request by method and URL. Non-GET and non-HTTP(S)
// requests are Unclassified and pass straight to the network.
func Request(method string, u *url.URL) Category {
	if method != http.MethodGet {
		return Unclassified
	}
	if u == nil || (u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https") {
		return Unclassified
	}

	path := u.Path

	// Deny always wins over allow.
	for _, p := range denyPatterns {
		if p.MatchString(path) {
			return NeverCache
		}
	}

	if shellPaths[path] || hasExtension(path, shellExtensions) {
		return ShellAsset
	}
	if hasExtension(path, imageExtensions) {
		return Image
	}
	for _, p := range allowPatterns {
		if p.MatchString(path) {
			return SafeApi
		}
	}
	if emailContentPattern.MatchString(path) {
		return EmailContent
	}

	return Unclassified
}

// RequestURL classifies a raw URL string. Unparseable URLs are Unclassified.
func RequestURL(method, rawURL string) Category {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Unclassified
	}
	return Request(method, u)
}

func hasExtension(path string, exts []string) bool {
	lower := strings.ToLower(path)
	for _, ext := range exts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// MaxCacheableBodyBytes is the hard ceiling on a cacheable response body.
const MaxCacheableBodyBytes = 5 * 1024 * 1024

// safeContentTypes are the content type prefixes eligible for caching.
var safeContentTypes = []string{
	"application/json",
	"text/html",
	"text/plain",
	"text/javascript",
	"application/javascript",
	"text/css",
	"image/",
	"font/",
	"application/font",
}

// ResponseCacheable reports whether a response may be stored, independent
// of how its request classified. The status must be exactly 200, the
// declared content type must be in the safe set, no authorization or
// cookie headers may be present, and the declared length (when present)
// must be under the 5 MB ceiling.
func ResponseCacheable(status int, header http.Header, contentLength int64) bool {
	if status != http.StatusOK {
		return false
	}
	if header.Get("Authorization") != "" ||
		header.Get("Cookie") != "" ||
		header.Get("Set-Cookie") != "" {
		return false
	}
	if contentLength >= MaxCacheableBodyBytes {
		return false
	}

	contentType := strings.ToLower(header.Get("Content-Type"))
	if contentType == "" {
		return false
	}
	for _, safe := range safeContentTypes {
		if strings.HasPrefix(contentType, safe) {
			return true
		}
	}
	return false
}
