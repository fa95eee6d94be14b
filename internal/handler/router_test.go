package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/sangha/internal/auth"
	"github.com/hitoshi/sangha/internal/metrics"
	"github.com/hitoshi/sangha/internal/middleware"
	"github.com/hitoshi/sangha/internal/model"
	"github.com/hitoshi/sangha/internal/notify"
	"github.com/hitoshi/sangha/internal/repository"
	"github.com/hitoshi/sangha/internal/security"
)

// capturingNotifier は送信されたリセット通知を保持する。
type capturingNotifier struct {
	mu   sync.Mutex
	sent []notify.PasswordReset
}

func (n *capturingNotifier) SendPasswordReset(_ context.Context, msg notify.PasswordReset) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *capturingNotifier) lastToken(t *testing.T) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		t.Fatal("no reset notification sent")
	}
	resetURL := n.sent[len(n.sent)-1].ResetURL
	idx := strings.LastIndex(resetURL, "/reset-password/")
	if idx < 0 {
		t.Fatalf("unexpected reset URL %q", resetURL)
	}
	return resetURL[idx+len("/reset-password/"):]
}

type testServer struct {
	handler  http.Handler
	store    *repository.MemoryUserRepo
	notifier *capturingNotifier
	registry *prometheus.Registry
}

func newTestServer(t *testing.T, authLimit int) *testServer {
	t.Helper()
	return newTestServerWithProxyHops(t, authLimit, 0)
}

func newTestServerWithProxyHops(t *testing.T, authLimit, proxyHops int) *testServer {
	t.Helper()
	store := repository.NewMemoryUserRepo()
	notifier := &capturingNotifier{}
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		AccessSecret:  "router-access-secret",
		RefreshSecret: "router-refresh-secret",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("NewTokenIssuer failed: %v", err)
	}
	authorizer, err := auth.NewAuthorizer()
	if err != nil {
		t.Fatalf("NewAuthorizer failed: %v", err)
	}

	svc := auth.NewService(auth.Dependencies{
		Store:     store,
		Hasher:    auth.NewHasher(bcrypt.MinCost),
		Tokens:    tokens,
		Notifier:  notifier,
		Sanitizer: security.NewProfileSanitizer(),
		URLGuard:  security.NewOutboundGuard(),
		Metrics:   collector,
	}, auth.ServiceConfig{FrontendURL: "https://sangha.example.org"})

	limiter := middleware.NewMemoryRateLimitStore(time.Hour)
	t.Cleanup(limiter.Stop)

	handler := NewRouter(&RouterDeps{
		Sessions:           middleware.NewSessionValidator(tokens, store, authorizer),
		RateLimitStore:     limiter,
		AuthRateLimit:      middleware.AuthRateLimitPolicy(authLimit, 15*time.Minute),
		APIRateLimit:       middleware.APIRateLimitPolicy(1000, 15*time.Minute),
		TrustedProxyHops:   proxyHops,
		CORSAllowedOrigins: []string{"https://sangha.example.org"},
		Environment:        "test",
		Metrics:            collector,
		MetricsGatherer:    registry,
		AuthService:        svc,
		UserService:        svc,
	})
	return &testServer{handler: handler, store: store, notifier: notifier, registry: registry}
}

func (s *testServer) do(t *testing.T, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = jsonRequest(method, path, body)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)

	var decoded map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("%s %s: invalid JSON body: %v", method, path, err)
		}
	}
	return w, decoded
}

func registerBody(email string) string {
	return `{"email":"` + email + `","password":"Secret12","fullName":"Asha Devi"}`
}

func (s *testServer) login(t *testing.T, email, password string) string {
	t.Helper()
	w, body := s.do(t, http.MethodPost, "/api/v1/auth/login", "", `{"email":"`+email+`","password":"`+password+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("login %s: status = %d, body = %v", email, w.Code, body)
	}
	token, _ := body["token"].(string)
	return token
}

// promoteAdmin はストアを直接更新して承認済み管理者を作る。
func (s *testServer) promoteAdmin(t *testing.T, email string) {
	t.Helper()
	ctx := context.Background()
	user, err := s.store.FindByEmail(ctx, email)
	if err != nil || user == nil {
		t.Fatalf("FindByEmail(%q) = %v, %v", email, user, err)
	}
	user.Role = model.RoleAdmin
	user.IsApproved = true
	if err := s.store.Save(ctx, user); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
}

// --- シナリオ ---

func TestRouter_RegistrationApprovalScenario(t *testing.T) {
	s := newTestServer(t, 1000)

	// 登録直後は承認待ち
	w, body := s.do(t, http.MethodPost, "/api/v1/auth/register", "", registerBody("asha@example.com"))
	if w.Code != http.StatusCreated {
		t.Fatalf("register: status = %d, body = %v", w.Code, body)
	}
	userID, _ := body["userId"].(string)
	if userID == "" {
		t.Fatal("register: userId missing")
	}

	// 未承認でもログインはできる
	learnerToken := s.login(t, "asha@example.com", "Secret12")

	// 承認が必要なルートは403
	w, body = s.do(t, http.MethodGet, "/api/v1/satsangs", learnerToken, "")
	if w.Code != http.StatusForbidden || errorCode(t, body) != model.ErrCodeNotApproved {
		t.Fatalf("satsangs before approval: status = %d, body = %v", w.Code, body)
	}

	// 管理者が承認
	s.do(t, http.MethodPost, "/api/v1/auth/register", "", registerBody("admin@example.com"))
	s.promoteAdmin(t, "admin@example.com")
	adminToken := s.login(t, "admin@example.com", "Secret12")

	w, body = s.do(t, http.MethodGet, "/api/v1/users/pending", adminToken, "")
	if w.Code != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("pending: status = %d, body = %v", w.Code, body)
	}

	w, body = s.do(t, http.MethodPut, "/api/v1/users/"+userID+"/approve", adminToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("approve: status = %d, body = %v", w.Code, body)
	}

	// 同じトークンで承認後は通る（承認状態はリクエストごとにストアから読む）
	w, body = s.do(t, http.MethodGet, "/api/v1/satsangs", learnerToken, "")
	if w.Code != http.StatusOK || body["message"] != "Satsang routes - Coming soon" {
		t.Fatalf("satsangs after approval: status = %d, body = %v", w.Code, body)
	}

	w, body = s.do(t, http.MethodGet, "/api/v1/auth/profile", learnerToken, "")
	user, _ := body["user"].(map[string]any)
	if w.Code != http.StatusOK || user["isApproved"] != true {
		t.Errorf("profile: status = %d, body = %v", w.Code, body)
	}
}

func TestRouter_DuplicateRegistration(t *testing.T) {
	s := newTestServer(t, 1000)

	s.do(t, http.MethodPost, "/api/v1/auth/register", "", registerBody("asha@example.com"))
	w, body := s.do(t, http.MethodPost, "/api/v1/auth/register", "", registerBody("ASHA@example.com"))

	if w.Code != http.StatusBadRequest || errorCode(t, body) != model.ErrCodeDuplicateIdentity {
		t.Errorf("status = %d, body = %v", w.Code, body)
	}
}

func TestRouter_LearnerCannotUseAdminRoutes(t *testing.T) {
	s := newTestServer(t, 1000)
	s.do(t, http.MethodPost, "/api/v1/auth/register", "", registerBody("asha@example.com"))
	ctx := context.Background()
	u, _ := s.store.FindByEmail(ctx, "asha@example.com")
	u.IsApproved = true
	if err := s.store.Save(ctx, u); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	token := s.login(t, "asha@example.com", "Secret12")

	w, body := s.do(t, http.MethodGet, "/api/v1/users/pending", token, "")
	if w.Code != http.StatusForbidden || errorCode(t, body) != model.ErrCodeForbidden {
		t.Errorf("status = %d, body = %v", w.Code, body)
	}
}

func TestRouter_PasswordResetFlow(t *testing.T) {
	s := newTestServer(t, 1000)
	s.do(t, http.MethodPost, "/api/v1/auth/register", "", registerBody("asha@example.com"))

	w, body := s.do(t, http.MethodPost, "/api/v1/auth/forgot-password", "", `{"email":"asha@example.com"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("forgot: status = %d, body = %v", w.Code, body)
	}
	token := s.notifier.lastToken(t)

	w, body = s.do(t, http.MethodPut, "/api/v1/auth/reset-password/"+token, "", `{"password":"Changed34"}`)
	if w.Code != http.StatusOK || body["token"] == nil {
		t.Fatalf("reset: status = %d, body = %v", w.Code, body)
	}

	// トークンは一度しか使えない
	w, body = s.do(t, http.MethodPut, "/api/v1/auth/reset-password/"+token, "", `{"password":"Again567"}`)
	if w.Code != http.StatusUnauthorized || errorCode(t, body) != model.ErrCodeTokenInvalid {
		t.Errorf("reuse: status = %d, body = %v", w.Code, body)
	}

	s.login(t, "asha@example.com", "Changed34")
}

func TestRouter_RefreshAndLogout(t *testing.T) {
	s := newTestServer(t, 1000)
	s.do(t, http.MethodPost, "/api/v1/auth/register", "", registerBody("asha@example.com"))
	_, body := s.do(t, http.MethodPost, "/api/v1/auth/login", "", `{"email":"asha@example.com","password":"Secret12"}`)
	refresh, _ := body["refreshToken"].(string)
	access, _ := body["token"].(string)

	// アクセストークンはリフレッシュに使えない
	w, body := s.do(t, http.MethodPost, "/api/v1/auth/refresh-token", "", `{"refreshToken":"`+access+`"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("access as refresh: status = %d, body = %v", w.Code, body)
	}

	w, body = s.do(t, http.MethodPost, "/api/v1/auth/refresh-token", "", `{"refreshToken":"`+refresh+`"}`)
	if w.Code != http.StatusOK || body["token"] == nil || body["refreshToken"] == nil {
		t.Fatalf("refresh: status = %d, body = %v", w.Code, body)
	}

	// リフレッシュトークンはBearerとして使えない
	w, _ = s.do(t, http.MethodPost, "/api/v1/auth/logout", refresh, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("refresh as bearer: status = %d", w.Code)
	}

	w, body = s.do(t, http.MethodPost, "/api/v1/auth/logout", access, "")
	if w.Code != http.StatusOK || body["message"] != "Logged out successfully" {
		t.Errorf("logout: status = %d, body = %v", w.Code, body)
	}
}

// --- ルーティング ---

func TestRouter_AuthRequired(t *testing.T) {
	s := newTestServer(t, 1000)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/auth/profile"},
		{http.MethodPost, "/api/v1/auth/logout"},
		{http.MethodPut, "/api/v1/auth/change-password"},
		{http.MethodGet, "/api/v1/users/pending"},
		{http.MethodPut, "/api/v1/users/u1/approve"},
		{http.MethodGet, "/api/v1/satsangs"},
		{http.MethodGet, "/api/v1/learning"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w, body := s.do(t, tt.method, tt.path, "", "")
			if w.Code != http.StatusUnauthorized || errorCode(t, body) != model.ErrCodeUnauthorized {
				t.Errorf("status = %d, body = %v", w.Code, body)
			}
		})
	}
}

func TestRouter_DiscussionsAllowAnonymous(t *testing.T) {
	s := newTestServer(t, 1000)

	w, body := s.do(t, http.MethodGet, "/api/v1/discussions", "", "")
	if w.Code != http.StatusOK || body["message"] != "Discussions routes - Coming soon" {
		t.Errorf("anonymous: status = %d, body = %v", w.Code, body)
	}

	// 無効なトークンでも拒否しない
	w, _ = s.do(t, http.MethodGet, "/api/v1/discussions", "garbage", "")
	if w.Code != http.StatusOK {
		t.Errorf("invalid token: status = %d", w.Code)
	}
}

func TestRouter_HealthAndNotFound(t *testing.T) {
	s := newTestServer(t, 1000)

	w, body := s.do(t, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK || body["success"] != true || body["environment"] != "test" {
		t.Errorf("health: status = %d, body = %v", w.Code, body)
	}
	if _, err := time.Parse(time.RFC3339Nano, body["timestamp"].(string)); err != nil {
		t.Errorf("timestamp: %v", err)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}

	w, body = s.do(t, http.MethodGet, "/api/v1/nope", "", "")
	if w.Code != http.StatusNotFound || errorCode(t, body) != model.ErrCodeNotFound {
		t.Errorf("not found: status = %d, body = %v", w.Code, body)
	}
}

func TestRouter_Metrics(t *testing.T) {
	s := newTestServer(t, 1000)
	s.do(t, http.MethodPost, "/api/v1/auth/login", "", `{"email":"ghost@example.com","password":"Secret12"}`)

	w, _ := s.do(t, http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "INVALID_CREDENTIALS") {
		t.Errorf("login failure not exported:\n%s", w.Body.String())
	}
}

func TestRouter_AuthRateLimit(t *testing.T) {
	s := newTestServer(t, 2)

	for i := 0; i < 2; i++ {
		w, _ := s.do(t, http.MethodPost, "/api/v1/auth/login", "", `{"email":"a@example.com","password":"x"}`)
		if w.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d limited too early", i)
		}
	}
	w, body := s.do(t, http.MethodPost, "/api/v1/auth/login", "", `{"email":"a@example.com","password":"x"}`)
	if w.Code != http.StatusTooManyRequests || errorCode(t, body) != model.ErrCodeAuthRateLimited {
		t.Errorf("status = %d, body = %v", w.Code, body)
	}

	// 認証以外のAPIは別枠
	w, _ = s.do(t, http.MethodGet, "/api/v1/discussions", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("discussions: status = %d", w.Code)
	}
}

func TestRouter_AuthRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	const attempts = 20
	tests := []struct {
		name      string
		proxyHops int
		// xff はi回目のリクエストのX-Forwarded-For
		xff func(i int) string
	}{
		{
			name:      "プロキシなしならX-Forwarded-Forを無視する",
			proxyHops: 0,
			xff:       func(i int) string { return fmt.Sprintf("198.51.100.%d", i) },
		},
		{
			name:      "信頼するプロキシが付与した右端のみ使う",
			proxyHops: 1,
			xff:       func(i int) string { return fmt.Sprintf("198.51.100.%d, 203.0.113.50", i) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServerWithProxyHops(t, 2, tt.proxyHops)

			limited := 0
			for i := 0; i < attempts; i++ {
				req := jsonRequest(http.MethodPost, "/api/v1/auth/login", `{"email":"a@example.com","password":"x"}`)
				req.RemoteAddr = "192.0.2.10:40000"
				req.Header.Set("X-Forwarded-For", tt.xff(i))
				req.Header.Set("X-Real-IP", fmt.Sprintf("198.51.100.%d", i))
				w := httptest.NewRecorder()
				s.handler.ServeHTTP(w, req)
				if w.Code == http.StatusTooManyRequests {
					limited++
				}
			}
			if limited != attempts-2 {
				t.Errorf("limited = %d, want %d", limited, attempts-2)
			}
		})
	}
}

func TestRouter_AuthRateLimitSeparatesForwardedClients(t *testing.T) {
	s := newTestServerWithProxyHops(t, 2, 1)

	for i := 0; i < 3; i++ {
		req := jsonRequest(http.MethodPost, "/api/v1/auth/login", `{"email":"a@example.com","password":"x"}`)
		req.RemoteAddr = "192.0.2.10:40000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		w := httptest.NewRecorder()
		s.handler.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			t.Errorf("client %d limited by another client's attempts", i)
		}
	}
}

func TestRouter_CORSPreflight(t *testing.T) {
	s := newTestServer(t, 1000)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/auth/login", nil)
	req.Header.Set("Origin", "https://sangha.example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://sangha.example.org" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}
