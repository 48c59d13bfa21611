package classify_test

import (
	"net/http"
	"testing"

	"mailkeep/internal/classify"
)

// TestDenyBeatsAllow verifies that a URL matching both a deny pattern and
// an allow pattern always classifies as never-cache.
func TestDenyBeatsAllow(t *testing.T) {
	// /api/emails/send/content matches the email-content allow shape and
	// the /send deny pattern; deny must win.
	got := classify.RequestURL(http.MethodGet, "/api/emails/send/content")
	if got != classify.NeverCache {
		t.Errorf("expected NeverCache for deny+allow match, got %v", got)
	}
}

// TestSendVsContent verifies the same resource family splits on
// cacheability: the send endpoint is never cached while message content is.
func TestSendVsContent(t *testing.T) {
	if got := classify.RequestURL(http.MethodGet, "/api/emails/send"); got != classify.NeverCache {
		t.Errorf("expected NeverCache for /api/emails/send, got %v", got)
	}
	if got := classify.RequestURL(http.MethodGet, "/api/emails/123/content"); got != classify.SafeApi {
		t.Errorf("expected SafeApi for /api/emails/123/content, got %v", got)
	}
}

func TestRequestClassification(t *testing.T) {
	tests := []struct {
		name   string
		method string
		url    string
		want   classify.Category
	}{
		{"non-GET is unclassified", http.MethodPost, "/api/emails/123/content", classify.Unclassified},
		{"shell root", http.MethodGet, "/", classify.ShellAsset},
		{"shell index", http.MethodGet, "/index.html", classify.ShellAsset},
		{"shell script", http.MethodGet, "/static/app.js", classify.ShellAsset},
		{"shell stylesheet", http.MethodGet, "/static/main.css", classify.ShellAsset},
		{"shell font", http.MethodGet, "/fonts/inter.woff2", classify.ShellAsset},
		{"image png", http.MethodGet, "/avatars/user1.png", classify.Image},
		{"image uppercase extension", http.MethodGet, "/avatars/USER1.JPG", classify.Image},
		{"profile allow-listed", http.MethodGet, "/api/user/profile", classify.SafeApi},
		{"accounts allow-listed", http.MethodGet, "/api/accounts", classify.SafeApi},
		{"signatures allow-listed", http.MethodGet, "/api/signatures", classify.SafeApi},
		{"theme allow-listed", http.MethodGet, "/api/settings/theme", classify.SafeApi},
		{"email body allow-listed", http.MethodGet, "/api/emails/abc42/body", classify.SafeApi},
		{"nested email content", http.MethodGet, "/api/emails/folder/12/content", classify.EmailContent},
		{"auth denied", http.MethodGet, "/api/auth/session", classify.NeverCache},
		{"login denied", http.MethodGet, "/login", classify.NeverCache},
		{"drafts denied", http.MethodGet, "/api/drafts/7", classify.NeverCache},
		{"attachments denied", http.MethodGet, "/api/emails/1/attachments/2", classify.NeverCache},
		{"search denied", http.MethodGet, "/api/search?q=invoice", classify.NeverCache},
		{"sync denied", http.MethodGet, "/api/sync/state", classify.NeverCache},
		{"delete action denied", http.MethodGet, "/api/emails/1/delete", classify.NeverCache},
		{"unknown API is unclassified", http.MethodGet, "/api/labels", classify.Unclassified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify.RequestURL(tt.method, tt.url)
			if got != tt.want {
				t.Errorf("RequestURL(%s, %s) = %v, want %v", tt.method, tt.url, got, tt.want)
			}
		})
	}
}

func TestNamespaceMapping(t *testing.T) {
	if ns := classify.ShellAsset.Namespace(); ns != "shell" {
		t.Errorf("expected shell namespace, got %q", ns)
	}
	if ns := classify.EmailContent.Namespace(); ns != "email" {
		t.Errorf("expected email namespace, got %q", ns)
	}
	if ns := classify.NeverCache.Namespace(); ns != "" {
		t.Errorf("expected empty namespace for NeverCache, got %q", ns)
	}
}

func TestResponseCacheable(t *testing.T) {
	jsonHeader := http.Header{"Content-Type": []string{"application/json"}}

	tests := []struct {
		name   string
		status int
		header http.Header
		length int64
		want   bool
	}{
		{"json 200 ok", http.StatusOK, jsonHeader, 1024, true},
		{"204 rejected", http.StatusNoContent, jsonHeader, 0, false},
		{"301 rejected", http.StatusMovedPermanently, jsonHeader, 100, false},
		{"missing content type rejected", http.StatusOK, http.Header{}, 100, false},
		{"binary content type rejected", http.StatusOK, http.Header{"Content-Type": []string{"application/octet-stream"}}, 100, false},
		{"exactly at size ceiling rejected", http.StatusOK, jsonHeader, classify.MaxCacheableBodyBytes, false},
		{"over size ceiling rejected", http.StatusOK, jsonHeader, classify.MaxCacheableBodyBytes + 1, false},
		{"just under size ceiling allowed", http.StatusOK, jsonHeader, classify.MaxCacheableBodyBytes - 1, true},
		{"unknown length allowed", http.StatusOK, jsonHeader, -1, true},
		{"image allowed", http.StatusOK, http.Header{"Content-Type": []string{"image/png"}}, 2048, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify.ResponseCacheable(tt.status, tt.header, tt.length)
			if got != tt.want {
				t.Errorf("ResponseCacheable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResponseWithCredentialsNotCacheable(t *testing.T) {
	h := http.Header{
		"Content-Type": []string{"application/json"},
		"Set-Cookie":   []string{"session=abc"},
	}
	if classify.ResponseCacheable(http.StatusOK, h, 100) {
		t.Error("response carrying Set-Cookie must not be cacheable")
	}

	h = http.Header{
		"Content-Type":  []string{"application/json"},
		"Authorization": []string{"Bearer xyz"},
	}
	if classify.ResponseCacheable(http.StatusOK, h, 100) {
		t.Error("response carrying Authorization must not be cacheable")
	}
}
