package authkit

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

type httpHarness struct {
	t       *testing.T
	server  *httptest.Server
	fixture *serviceFixture
}

func newHTTPHarness(t *testing.T, fixture *serviceFixture) *httpHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	router := gin.New()
	MountAuthRoutes(router, fixture.service, logger)
	protected := router.Group("/protected")
	protected.Use(RequireSession(fixture.service, logger))
	protected.GET("/whoami", func(contextGin *gin.Context) {
		principal, ok := PrincipalFromContext(contextGin)
		if !ok {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.JSON(http.StatusOK, principal)
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &httpHarness{t: t, server: server, fixture: fixture}
}

func (harness *httpHarness) do(method string, path string, bearer string, body string) (int, map[string]interface{}, string) {
	harness.t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	}
	request, err := http.NewRequest(method, harness.server.URL+path, reader)
	if err != nil {
		harness.t.Fatalf("building %s %s failed: %v", method, path, err)
	}
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}
	response, err := harness.server.Client().Do(request)
	if err != nil {
		harness.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	raw, _ := io.ReadAll(response.Body)
	payload := map[string]interface{}{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &payload)
	}
	return response.StatusCode, payload, string(raw)
}

func TestHTTPAuthLifecycleEndToEnd(t *testing.T) {
	fixture := newServiceFixture(t, func(clock Clock) VerificationCache {
		return NewMemoryVerificationCache(64, time.Minute, clock)
	})
	harness := newHTTPHarness(t, fixture)

	status, payload, _ := harness.do(http.MethodPost, "/auth/signup", "", `{"email":"a@x.com","password":"secret"}`)
	if status != http.StatusCreated {
		t.Fatalf("expected 201 from signup, got %d (%v)", status, payload)
	}
	user, _ := payload["user"].(map[string]interface{})
	if user["email"] != "a@x.com" || user["password_hash"] != nil {
		t.Fatalf("unexpected signup payload %v", payload)
	}

	status, _, _ = harness.do(http.MethodPost, "/auth/signup", "", `{"email":"a@x.com","password":"secret"}`)
	if status != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate signup, got %d", status)
	}

	status, payload, _ = harness.do(http.MethodPost, "/auth/login", "", `{"email":"a@x.com","password":"secret"}`)
	if status != http.StatusUnauthorized || payload["error"] != "auth.email_not_confirmed" {
		t.Fatalf("expected 401 email_not_confirmed, got %d %v", status, payload)
	}

	confirmation := fixture.mailer.confirmationFor("a@x.com")
	status, payload, _ = harness.do(http.MethodGet, "/auth/confirmed_email/"+confirmation, "", "")
	if status != http.StatusOK || payload["outcome"] != string(OutcomeConfirmed) {
		t.Fatalf("expected confirmation, got %d %v", status, payload)
	}
	status, payload, _ = harness.do(http.MethodGet, "/auth/confirmed_email/"+confirmation, "", "")
	if status != http.StatusOK || payload["message"] != "Your email is already confirmed" {
		t.Fatalf("expected already confirmed, got %d %v", status, payload)
	}

	status, payload, _ = harness.do(http.MethodPost, "/auth/login", "", `{"email":"a@x.com","password":"secret"}`)
	if status != http.StatusOK || payload["token_type"] != "bearer" {
		t.Fatalf("expected 200 from login, got %d %v", status, payload)
	}
	accessToken, _ := payload["access_token"].(string)
	refreshToken, _ := payload["refresh_token"].(string)

	status, payload, _ = harness.do(http.MethodGet, "/protected/whoami", accessToken, "")
	if status != http.StatusOK || payload["email"] != "a@x.com" {
		t.Fatalf("expected whoami to resolve principal, got %d %v", status, payload)
	}

	status, payload, _ = harness.do(http.MethodGet, "/auth/refresh_token", refreshToken, "")
	if status != http.StatusOK {
		t.Fatalf("expected 200 from refresh, got %d %v", status, payload)
	}
	rotatedAccess, _ := payload["access_token"].(string)

	status, payload, _ = harness.do(http.MethodGet, "/auth/refresh_token", refreshToken, "")
	if status != http.StatusUnauthorized || payload["error"] != "auth.invalid_credentials" {
		t.Fatalf("expected 401 for superseded refresh token, got %d %v", status, payload)
	}

	status, _, _ = harness.do(http.MethodPost, "/auth/logout", rotatedAccess, "")
	if status != http.StatusNoContent {
		t.Fatalf("expected 204 from logout, got %d", status)
	}

	status, _, _ = harness.do(http.MethodGet, "/protected/whoami", rotatedAccess, "")
	if status != http.StatusOK {
		t.Fatalf("expected access token to stay valid after logout, got %d", status)
	}

	if fixture.metrics.Count(metricLoginSuccess) == 0 || fixture.metrics.Count(metricRefreshSuccess) == 0 || fixture.metrics.Count(metricLogout) == 0 {
		t.Fatalf("expected login, refresh, and logout metrics, got %v", fixture.metrics.Snapshot())
	}
}

func TestHTTPPasswordResetFlow(t *testing.T) {
	fixture := newServiceFixture(t, func(Clock) VerificationCache { return NoopVerificationCache{} })
	fixture.addPrincipal(t, "a@x.com", "secret", true)
	harness := newHTTPHarness(t, fixture)

	knownStatus, _, knownBody := harness.do(http.MethodPost, "/auth/request_reset_password", "", `{"email":"a@x.com"}`)
	unknownStatus, _, unknownBody := harness.do(http.MethodPost, "/auth/request_reset_password", "", `{"email":"ghost@x.com"}`)
	if knownStatus != http.StatusOK || knownStatus != unknownStatus || knownBody != unknownBody {
		t.Fatalf("expected identical responses, got %d %q and %d %q", knownStatus, knownBody, unknownStatus, unknownBody)
	}

	resetToken := fixture.mailer.resetFor("a@x.com")
	status, payload, _ := harness.do(http.MethodPost, "/auth/update_password/"+resetToken, "", `{"password":"123"}`)
	if status != http.StatusBadRequest || payload["error"] != "auth.password_policy" {
		t.Fatalf("expected password policy rejection, got %d %v", status, payload)
	}
	status, _, _ = harness.do(http.MethodPost, "/auth/update_password/"+resetToken, "", `{"password":"newpw"}`)
	if status != http.StatusOK {
		t.Fatalf("expected 200 from password update, got %d", status)
	}
	status, payload, _ = harness.do(http.MethodPost, "/auth/update_password/"+resetToken, "", `{"password":"other"}`)
	if status != http.StatusBadRequest || payload["error"] != "auth.invalid_or_expired_token" {
		t.Fatalf("expected replayed reset token rejection, got %d %v", status, payload)
	}

	status, payload, _ = harness.do(http.MethodPost, "/auth/login", "", `{"email":"a@x.com","password":"secret"}`)
	if status != http.StatusUnauthorized || payload["error"] != "auth.invalid_credentials" {
		t.Fatalf("expected old password rejected, got %d %v", status, payload)
	}
	status, _, _ = harness.do(http.MethodPost, "/auth/login", "", `{"email":"a@x.com","password":"newpw"}`)
	if status != http.StatusOK {
		t.Fatalf("expected new password accepted, got %d", status)
	}
}

func TestHTTPRejectsMalformedRequests(t *testing.T) {
	fixture := newServiceFixture(t, func(Clock) VerificationCache { return NoopVerificationCache{} })
	harness := newHTTPHarness(t, fixture)

	testCases := []struct {
		name   string
		method string
		path   string
		bearer string
		body   string
		status int
	}{
		{name: "login bad json", method: http.MethodPost, path: "/auth/login", body: `{"email":`, status: http.StatusBadRequest},
		{name: "signup bad email", method: http.MethodPost, path: "/auth/signup", body: `{"email":"nope","password":"secret"}`, status: http.StatusBadRequest},
		{name: "refresh without bearer", method: http.MethodGet, path: "/auth/refresh_token", status: http.StatusUnauthorized},
		{name: "refresh with garbage", method: http.MethodGet, path: "/auth/refresh_token", bearer: "garbage", status: http.StatusUnauthorized},
		{name: "logout without bearer", method: http.MethodPost, path: "/auth/logout", status: http.StatusUnauthorized},
		{name: "protected with garbage", method: http.MethodGet, path: "/protected/whoami", bearer: "a.b.c", status: http.StatusUnauthorized},
		{name: "confirm garbage", method: http.MethodGet, path: "/auth/confirmed_email/garbage", status: http.StatusBadRequest},
	}
	for _, testCase := range testCases {
		status, _, body := harness.do(testCase.method, testCase.path, testCase.bearer, testCase.body)
		if status != testCase.status {
			t.Fatalf("%s: expected %d, got %d (%s)", testCase.name, testCase.status, status, body)
		}
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		err    error
		status int
		code   string
	}{
		{err: ErrInvalidEmail, status: http.StatusUnauthorized, code: "auth.invalid_credentials"},
		{err: ErrInvalidPassword, status: http.StatusUnauthorized, code: "auth.invalid_credentials"},
		{err: ErrEmailNotConfirmed, status: http.StatusUnauthorized, code: "auth.email_not_confirmed"},
		{err: ErrInvalidOrExpiredToken, status: http.StatusBadRequest, code: "auth.invalid_or_expired_token"},
		{err: ErrAccountAlreadyExists, status: http.StatusConflict, code: "auth.account_already_exists"},
		{err: storageFailure("auth.login", errStoreOffline), status: http.StatusServiceUnavailable, code: "auth.storage_unavailable"},
		{err: errStoreOffline, status: http.StatusInternalServerError, code: errorCodeInternal},
	}
	for _, testCase := range testCases {
		status, code := classifyError(testCase.err)
		if status != testCase.status || code != testCase.code {
			t.Fatalf("%v: expected %d %s, got %d %s", testCase.err, testCase.status, testCase.code, status, code)
		}
	}
}
