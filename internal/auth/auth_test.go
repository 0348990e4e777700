package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
)

func TestAuthenticateRequest(t *testing.T) {
	svc, err := NewService([]TokenConfig{
		{Name: "ops", Token: "secret-ops"},
		{Name: "viewer", Token: "secret-view", Permissions: []string{PermissionRead}},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if !svc.Enabled() {
		t.Fatalf("service with tokens should be enabled")
	}

	subject, err := svc.AuthenticateRequest("Bearer secret-view")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Name != "viewer" || !subject.HasPermission(PermissionRead) || subject.HasPermission(PermissionWrite) {
		t.Fatalf("unexpected subject %+v", subject)
	}
	if xerrors.CodeOf(subject.Authorize(PermissionWrite)) != CodeForbidden {
		t.Fatalf("viewer must not write")
	}

	ops, _ := svc.AuthenticateRequest("bearer secret-ops")
	if ops == nil || ops.Authorize(PermissionRead, PermissionWrite) != nil {
		t.Fatalf("token without explicit permissions should be allowed everything")
	}

	for _, header := range []string{"", "Basic abc", "Bearer ", "Bearer wrong"} {
		if _, err := svc.AuthenticateRequest(header); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
			t.Fatalf("header %q should be unauthorized, got %v", header, err)
		}
	}
}

func TestNewServiceValidation(t *testing.T) {
	if _, err := NewService([]TokenConfig{{Name: "a"}}); err == nil {
		t.Fatalf("empty token should fail")
	}
	if _, err := NewService([]TokenConfig{{Token: "x"}, {Token: "x"}}); err == nil {
		t.Fatalf("duplicate token should fail")
	}
	svc, err := NewService(nil)
	if err != nil || svc.Enabled() {
		t.Fatalf("no tokens means auth disabled: %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	svc, _ := NewService([]TokenConfig{{Name: "viewer", Token: "view", Permissions: []string{PermissionRead}}})
	var seen *Subject
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := svc.Middleware(MiddlewareConfig{RequiredPermissions: map[string][]string{
		http.MethodPost: {PermissionWrite},
		"*":             {PermissionRead},
	}})(next)

	cases := []struct {
		method string
		token  string
		want   int
	}{
		{http.MethodGet, "", http.StatusUnauthorized},
		{http.MethodGet, "view", http.StatusNoContent},
		{http.MethodPost, "view", http.StatusForbidden},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, "/api/v1/runs", nil)
		if tc.token != "" {
			req.Header.Set("Authorization", "Bearer "+tc.token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s with %q: got %d want %d", tc.method, tc.token, rec.Code, tc.want)
		}
	}
	if seen == nil || seen.Name != "viewer" {
		t.Fatalf("subject should be attached to the request context: %+v", seen)
	}

	disabled, _ := NewService(nil)
	rec := httptest.NewRecorder()
	disabled.Middleware(MiddlewareConfig{})(next).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("disabled auth should pass through, got %d", rec.Code)
	}
}
