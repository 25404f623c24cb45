package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/contactsauth/internal/authkit"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type stubAvatarUpdater struct {
	principal authkit.Principal
	err       error
	calls     []string
}

func (updater *stubAvatarUpdater) UpdateAvatar(ctx context.Context, subject string, avatarURL string) (authkit.Principal, error) {
	updater.calls = append(updater.calls, subject+"|"+avatarURL)
	if updater.err != nil {
		return authkit.Principal{}, updater.err
	}
	updated := updater.principal
	updated.AvatarURL = avatarURL
	return updated, nil
}

func samplePrincipal() authkit.Principal {
	return authkit.Principal{
		ID:                 7,
		Email:              "ada@example.com",
		PasswordHash:       "$argon2id$v=19$m=8192,t=1,p=1$c2FsdA$a2V5",
		Confirmed:          true,
		RefreshTokenDigest: "digest",
		CreatedAt:          time.Unix(1700000000, 0).UTC(),
	}
}

func withPrincipal(principal authkit.Principal) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		authkit.SetPrincipal(contextGin, principal)
		contextGin.Next()
	}
}

func TestConfigureCORS(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	middleware, err := ConfigureCORS(zaptest.NewLogger(t), []string{"http://localhost:3000"})
	if err != nil {
		t.Fatalf("unexpected error configuring CORS: %v", err)
	}
	router.Use(middleware)
	router.OPTIONS("/resource", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})
	router.GET("/resource", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodOptions, "/resource", nil)
	request.Header.Set("Origin", "http://localhost:3000")
	request.Header.Set("Access-Control-Request-Method", http.MethodGet)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", recorder.Code)
	}
	if allowOrigin := recorder.Header().Get("Access-Control-Allow-Origin"); allowOrigin != "http://localhost:3000" {
		t.Fatalf("unexpected allow origin %q", allowOrigin)
	}
	if credentials := recorder.Header().Get("Access-Control-Allow-Credentials"); credentials != "" {
		t.Fatalf("expected credentials header to be absent, got %q", credentials)
	}

	rejected := httptest.NewRecorder()
	foreign := httptest.NewRequest(http.MethodGet, "/resource", nil)
	foreign.Header.Set("Origin", "https://evil.example")
	router.ServeHTTP(rejected, foreign)
	if rejected.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign origin, got %d", rejected.Code)
	}
}

func TestSanitizeOrigins(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		origins   []string
		expected  []string
		expectErr error
	}{
		{name: "empty", origins: nil, expectErr: errEmptyAllowedOrigins},
		{name: "blank only", origins: []string{"  "}, expectErr: errEmptyAllowedOrigins},
		{name: "wildcard", origins: []string{"*"}, expectErr: errWildcardOrigin},
		{name: "path", origins: []string{"https://app.example/login"}, expectErr: errInvalidOrigin},
		{name: "query", origins: []string{"https://app.example?x=1"}, expectErr: errInvalidOrigin},
		{name: "scheme", origins: []string{"ftp://app.example"}, expectErr: errInvalidOrigin},
		{name: "missing host", origins: []string{"app.example"}, expectErr: errInvalidOrigin},
		{name: "userinfo", origins: []string{"https://user@app.example"}, expectErr: errInvalidOrigin},
		{
			name:     "normalized and deduplicated",
			origins:  []string{"HTTPS://app.example/", "https://app.example", " http://localhost:8080 "},
			expected: []string{"http://localhost:8080", "https://app.example"},
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			sanitized, err := sanitizeOrigins(zap.NewNop(), testCase.origins)
			if testCase.expectErr != nil {
				if !errors.Is(err, testCase.expectErr) {
					t.Fatalf("expected %v, got %v", testCase.expectErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if fmt.Sprint(sanitized) != fmt.Sprint(testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, sanitized)
			}
		})
	}
}

func TestSanitizeOriginsWarnsOnPlainHTTPRemoteHosts(t *testing.T) {
	t.Parallel()

	core, observed := observer.New(zap.WarnLevel)
	sanitized, err := sanitizeOrigins(zap.New(core), []string{
		"http://127.0.0.1:5173",
		"http://[::1]:5173",
		"http://app.localhost",
		"http://intranet.example",
		"https://app.example",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sanitized) != 5 {
		t.Fatalf("expected 5 origins, got %v", sanitized)
	}
	warnings := observed.FilterField(zap.String("code", "cors.origin.unsafe")).All()
	if len(warnings) != 1 {
		t.Fatalf("expected one unsafe origin warning, got %d", len(warnings))
	}
	if origin := warnings[0].ContextMap()["origin"]; origin != "http://intranet.example" {
		t.Fatalf("unexpected warned origin %v", origin)
	}
}

func TestHandleWhoAmI(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/me", withPrincipal(samplePrincipal()), HandleWhoAmI(zaptest.NewLogger(t)))
	router.GET("/anonymous", HandleWhoAmI(zaptest.NewLogger(t)))

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/me", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if payload["email"] != "ada@example.com" || payload["confirmed"] != true {
		t.Fatalf("unexpected payload %v", payload)
	}
	if bytes.Contains(recorder.Body.Bytes(), []byte("argon2id")) || bytes.Contains(recorder.Body.Bytes(), []byte("digest")) {
		t.Fatalf("response leaked secret material: %s", recorder.Body.String())
	}

	anonymous := httptest.NewRecorder()
	router.ServeHTTP(anonymous, httptest.NewRequest(http.MethodGet, "/anonymous", nil))
	if anonymous.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without principal, got %d", anonymous.Code)
	}
}

func TestHandleUpdateAvatar(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	testCases := []struct {
		name           string
		body           string
		updaterErr     error
		expectedStatus int
		expectedCalls  int
	}{
		{name: "updates avatar", body: `{"avatar_url":"https://cdn.example/a.png"}`, expectedStatus: http.StatusOK, expectedCalls: 1},
		{name: "rejects malformed body", body: `{"avatar_url":`, expectedStatus: http.StatusBadRequest},
		{name: "rejects empty url", body: `{"avatar_url":"  "}`, expectedStatus: http.StatusBadRequest},
		{
			name:           "maps invalid url",
			body:           `{"avatar_url":"javascript:alert(1)"}`,
			updaterErr:     fmt.Errorf("auth.update_avatar: %w", authkit.ErrInvalidAvatarURL),
			expectedStatus: http.StatusBadRequest,
			expectedCalls:  1,
		},
		{
			name:           "maps storage outage",
			body:           `{"avatar_url":"https://cdn.example/a.png"}`,
			updaterErr:     fmt.Errorf("auth.update_avatar: %w", authkit.ErrStorageUnavailable),
			expectedStatus: http.StatusServiceUnavailable,
			expectedCalls:  1,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			updater := &stubAvatarUpdater{principal: samplePrincipal().Snapshot(), err: testCase.updaterErr}
			router := gin.New()
			router.PATCH("/avatar", withPrincipal(samplePrincipal()), HandleUpdateAvatar(updater, zaptest.NewLogger(t)))

			recorder := httptest.NewRecorder()
			request := httptest.NewRequest(http.MethodPatch, "/avatar", bytes.NewBufferString(testCase.body))
			request.Header.Set("Content-Type", "application/json")
			router.ServeHTTP(recorder, request)

			if recorder.Code != testCase.expectedStatus {
				t.Fatalf("expected %d, got %d (%s)", testCase.expectedStatus, recorder.Code, recorder.Body.String())
			}
			if len(updater.calls) != testCase.expectedCalls {
				t.Fatalf("expected %d updater calls, got %d", testCase.expectedCalls, len(updater.calls))
			}
			if testCase.expectedCalls == 1 && updater.calls[0] != "ada@example.com|"+extractAvatar(t, testCase.body) {
				t.Fatalf("unexpected updater call %q", updater.calls[0])
			}
		})
	}
}

func TestHandleUpdateAvatarRequiresPrincipal(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	updater := &stubAvatarUpdater{}
	router := gin.New()
	router.PATCH("/avatar", HandleUpdateAvatar(updater, nil))

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPatch, "/avatar", bytes.NewBufferString(`{"avatar_url":"https://cdn.example/a.png"}`))
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	if len(updater.calls) != 0 {
		t.Fatalf("expected updater not to be called")
	}
}

func extractAvatar(t *testing.T, body string) string {
	t.Helper()
	var inbound struct {
		AvatarURL string `json:"avatar_url"`
	}
	if err := json.Unmarshal([]byte(body), &inbound); err != nil {
		t.Fatalf("failed to decode test body: %v", err)
	}
	return inbound.AvatarURL
}
