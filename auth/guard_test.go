package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

// fakeProvider fakes the provider's authorize, token and user-info endpoints
// and counts the round trips each one receives.
type fakeProvider struct {
	srv *httptest.Server

	mu             sync.Mutex
	authorizeCalls int
	tokenCalls     int
	userCalls      int
	lastTokenForm  url.Values
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	fp := &fakeProvider{}
	fp.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/authorize":
			fp.mu.Lock()
			fp.authorizeCalls++
			fp.mu.Unlock()
			http.Redirect(w, r, "/consent?"+r.URL.RawQuery, http.StatusFound)
		case "/consent":
			w.WriteHeader(http.StatusOK)
		case "/oauth2/token":
			if err := r.ParseForm(); err != nil {
				t.Errorf("ParseForm: %v", err)
			}
			fp.mu.Lock()
			fp.tokenCalls++
			fp.lastTokenForm = r.PostForm
			fp.mu.Unlock()
			if r.PostForm.Get("code") == "bad" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"tok-123","token_type":"Bearer","expires_in":3600}`))
		case "/users/@me":
			fp.mu.Lock()
			fp.userCalls++
			fp.mu.Unlock()
			if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
				t.Errorf("Authorization: got %q", got)
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"id":"42","username":"taka","global_name":"Taka"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(fp.srv.Close)
	return fp
}

func (fp *fakeProvider) calls() (authorize, token, user int) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.authorizeCalls, fp.tokenCalls, fp.userCalls
}

// capturingHandler records whether it ran and which user it saw.
type capturingHandler struct {
	called bool
	user   *User
	userOK bool
}

func (h *capturingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.called = true
	h.user, h.userOK = UserFromContext(r.Context())
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("hello"))
}

func providerGuard(t *testing.T, fp *fakeProvider, mutate func(*Config)) *Guard {
	t.Helper()
	return testGuard(t, func(cfg *Config) {
		cfg.BaseURL = fp.srv.URL
		if mutate != nil {
			mutate(cfg)
		}
	})
}

func staticResolver(user *User) UserResolver {
	return UserResolverFunc(func(ctx context.Context, id string) (*User, error) {
		u := *user
		u.ID = id
		return &u, nil
	})
}

func TestRequireLogin_NotReady(t *testing.T) {
	fp := newFakeProvider(t)
	g := providerGuard(t, fp, nil)

	handler := &capturingHandler{}
	w := httptest.NewRecorder()
	g.RequireLogin()(handler).ServeHTTP(w, httptest.NewRequest("GET", "http://example.com/dashboard", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d want 503", w.Code)
	}
	if handler.called {
		t.Errorf("handler ran before the guard was ready")
	}
	if a, tok, u := fp.calls(); a+tok+u != 0 {
		t.Errorf("provider called while unready: %d/%d/%d", a, tok, u)
	}
}

func TestRequireLogin_RedirectsToProvider(t *testing.T) {
	fp := newFakeProvider(t)
	g := providerGuard(t, fp, nil)
	g.Bind(staticResolver(&User{Username: "taka"}))

	handler := &capturingHandler{}
	w := httptest.NewRecorder()
	g.RequireLogin()(handler).ServeHTTP(w, httptest.NewRequest("GET", "http://example.com/dashboard", nil))

	if w.Code != http.StatusFound {
		t.Fatalf("status: got %d want 302", w.Code)
	}
	if handler.called {
		t.Errorf("handler ran during login initiation")
	}

	loc := w.Header().Get("Location")
	if !strings.HasPrefix(loc, fp.srv.URL+"/consent?") {
		t.Fatalf("Location: got %q", loc)
	}
	if !strings.Contains(loc, "client_id=cid") {
		t.Errorf("Location missing client_id: %q", loc)
	}
	// The redirect URI embedded in the query must point back at the guarded
	// path.
	wantRedirect := url.QueryEscape("http://example.com/dashboard")
	if !strings.Contains(loc, wantRedirect) {
		t.Errorf("Location missing redirect URI %q: %q", wantRedirect, loc)
	}
	if !strings.Contains(loc, "&state=") {
		t.Errorf("Location missing state: %q", loc)
	}
	if !strings.Contains(loc, "scope=identify") {
		t.Errorf("Location missing scope: %q", loc)
	}
}

func TestRequireLogin_AuthorizeURLCached(t *testing.T) {
	fp := newFakeProvider(t)
	g := providerGuard(t, fp, nil)
	g.Bind(staticResolver(&User{Username: "taka"}))

	mw := g.RequireLogin()(&capturingHandler{})
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		mw.ServeHTTP(w, httptest.NewRequest("GET", "http://example.com/dashboard", nil))
		if w.Code != http.StatusFound {
			t.Fatalf("request %d: status %d", i, w.Code)
		}
	}
	if a, _, _ := fp.calls(); a != 1 {
		t.Fatalf("authorize calls: got %d want 1", a)
	}

	// A different callback URL is a different cache entry.
	w := httptest.NewRecorder()
	mw.ServeHTTP(w, httptest.NewRequest("GET", "http://example.com/settings", nil))
	if a, _, _ := fp.calls(); a != 2 {
		t.Fatalf("authorize calls after new path: got %d want 2", a)
	}

	g.ResetAuthorizeURL("http://example.com/dashboard")
	w = httptest.NewRecorder()
	mw.ServeHTTP(w, httptest.NewRequest("GET", "http://example.com/dashboard", nil))
	if a, _, _ := fp.calls(); a != 3 {
		t.Fatalf("authorize calls after reset: got %d want 3", a)
	}

	g.ResetAllAuthorizeURLs()
	w = httptest.NewRecorder()
	mw.ServeHTTP(w, httptest.NewRequest("GET", "http://example.com/settings", nil))
	if a, _, _ := fp.calls(); a != 4 {
		t.Fatalf("authorize calls after reset all: got %d want 4", a)
	}
}

func TestRequireLogin_Callback(t *testing.T) {
	fp := newFakeProvider(t)
	g := providerGuard(t, fp, nil)
	g.Bind(staticResolver(&User{Username: "taka"}))

	state, err := g.generateState(httptest.NewRequest("GET", "http://example.com/dashboard", nil))
	if err != nil {
		t.Fatalf("generateState: %v", err)
	}

	handler := &capturingHandler{}
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "http://example.com/dashboard?code=ABC&state="+state, nil)
	g.RequireLogin()(handler).ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d body %q", w.Code, w.Body.String())
	}
	if !handler.called {
		t.Fatalf("handler not invoked")
	}
	if !handler.userOK || handler.user.ID != "42" || handler.user.Name() != "Taka" {
		t.Fatalf("handler user: got %+v", handler.user)
	}

	if a, tok, u := fp.calls(); tok != 1 || u != 1 {
		t.Fatalf("provider calls: authorize=%d token=%d user=%d", a, tok, u)
	}
	if got := fp.lastTokenForm.Get("redirect_uri"); got != "http://example.com/dashboard" {
		t.Errorf("redirect_uri: got %q", got)
	}
	if got := fp.lastTokenForm.Get("grant_type"); got != "authorization_code" {
		t.Errorf("grant_type: got %q", got)
	}

	var session *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == "session" {
			session = c
		}
	}
	if session == nil {
		t.Fatalf("no session cookie set")
	}
	var claims sessionClaims
	if err := g.cookie.Decode(session, &claims); err != nil {
		t.Fatalf("Decode session cookie: %v", err)
	}
	if claims.ID != "42" || claims.Name != "Taka" {
		t.Fatalf("session claims: got %+v", claims)
	}
}

func TestRequireLogin_Callback_StateMismatch(t *testing.T) {
	fp := newFakeProvider(t)
	g := providerGuard(t, fp, nil)
	g.Bind(staticResolver(&User{Username: "taka"}))

	handler := &capturingHandler{}
	mw := g.RequireLogin()(handler)

	for _, target := range []string{
		"http://example.com/dashboard?code=ABC&state=bogus",
		"http://example.com/dashboard?code=ABC",
	} {
		w := httptest.NewRecorder()
		mw.ServeHTTP(w, httptest.NewRequest("GET", target, nil))
		if w.Code != http.StatusForbidden {
			t.Errorf("%s: status got %d want 403", target, w.Code)
		}
	}
	if handler.called {
		t.Errorf("handler ran despite state mismatch")
	}
	if a, tok, u := fp.calls(); a+tok+u != 0 {
		t.Errorf("provider called despite state mismatch: %d/%d/%d", a, tok, u)
	}
}

func TestRequireLogin_Callback_ExchangeFailure(t *testing.T) {
	fp := newFakeProvider(t)
	g := providerGuard(t, fp, nil)
	g.Bind(staticResolver(&User{Username: "taka"}))

	state, err := g.generateState(httptest.NewRequest("GET", "http://example.com/dashboard", nil))
	if err != nil {
		t.Fatalf("generateState: %v", err)
	}

	handler := &capturingHandler{}
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "http://example.com/dashboard?code=bad&state="+state, nil)
	g.RequireLogin()(handler).ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d want 400", w.Code)
	}
	if handler.called {
		t.Errorf("handler ran despite exchange failure")
	}
	if !strings.Contains(w.Body.String(), "log in again") {
		t.Errorf("body lacks re-login instruction: %q", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "invalid_grant") {
		t.Errorf("body lacks provider detail: %q", w.Body.String())
	}
}

func TestRequireLogin_CookiePresent(t *testing.T) {
	fp := newFakeProvider(t)
	g := providerGuard(t, fp, nil)

	var resolved []string
	g.Bind(UserResolverFunc(func(ctx context.Context, id string) (*User, error) {
		resolved = append(resolved, id)
		return &User{ID: id, Username: "taka", GlobalName: "Taka"}, nil
	}))

	cookie, err := g.cookie.Encode(sessionClaims{ID: "42", Name: "Taka"}, 3600)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	handler := &capturingHandler{}
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "http://example.com/dashboard", nil)
	r.AddCookie(cookie)
	g.RequireLogin()(handler).ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if !handler.called || !handler.userOK || handler.user.ID != "42" {
		t.Fatalf("handler user: called=%v user=%+v", handler.called, handler.user)
	}
	if len(resolved) != 1 || resolved[0] != "42" {
		t.Fatalf("resolver calls: %v", resolved)
	}
	if a, tok, u := fp.calls(); a+tok+u != 0 {
		t.Errorf("provider called in cookie mode: %d/%d/%d", a, tok, u)
	}
	if cookies := w.Result().Cookies(); len(cookies) != 0 {
		t.Errorf("cookie rewritten in cookie mode: %v", cookies)
	}
}

func TestRequireLogin_CorruptedCookieMeansAnonymous(t *testing.T) {
	fp := newFakeProvider(t)
	g := providerGuard(t, fp, nil)

	resolverCalled := false
	g.Bind(UserResolverFunc(func(ctx context.Context, id string) (*User, error) {
		resolverCalled = true
		return &User{ID: id}, nil
	}))

	handler := &capturingHandler{}
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "http://example.com/dashboard", nil)
	r.AddCookie(&http.Cookie{Name: "session", Value: "1.deadbeef"})
	g.RequireLogin()(handler).ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if !handler.called {
		t.Fatalf("handler not invoked")
	}
	if handler.userOK {
		t.Errorf("corrupted cookie resolved to a user: %+v", handler.user)
	}
	if resolverCalled {
		t.Errorf("resolver called for an undecryptable cookie")
	}
}

func TestRequireLogin_ResolverFailureMeansAnonymous(t *testing.T) {
	fp := newFakeProvider(t)
	g := providerGuard(t, fp, nil)
	g.Bind(UserResolverFunc(func(ctx context.Context, id string) (*User, error) {
		return nil, context.DeadlineExceeded
	}))

	cookie, err := g.cookie.Encode(sessionClaims{ID: "42", Name: "Taka"}, 3600)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	handler := &capturingHandler{}
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "http://example.com/dashboard", nil)
	r.AddCookie(cookie)
	g.RequireLogin()(handler).ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if !handler.called || handler.userOK {
		t.Fatalf("expected anonymous pass-through: called=%v userOK=%v", handler.called, handler.userOK)
	}
}

func TestRequireLogin_ForceSkipsLogin(t *testing.T) {
	fp := newFakeProvider(t)
	g := providerGuard(t, fp, nil)
	g.Bind(staticResolver(&User{Username: "taka", GlobalName: "Taka"}))

	handler := &capturingHandler{}
	w := httptest.NewRecorder()
	g.RequireLogin(Force())(handler).ServeHTTP(w, httptest.NewRequest("GET", "http://example.com/public", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if !handler.called {
		t.Fatalf("handler not invoked in force mode")
	}
	if handler.userOK {
		t.Errorf("force mode without cookie produced a user: %+v", handler.user)
	}
	if a, tok, u := fp.calls(); a+tok+u != 0 {
		t.Errorf("provider called in force mode: %d/%d/%d", a, tok, u)
	}

	// With a cookie, force mode still resolves the user.
	cookie, err := g.cookie.Encode(sessionClaims{ID: "42", Name: "Taka"}, 3600)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	handler = &capturingHandler{}
	w = httptest.NewRecorder()
	r := httptest.NewRequest("GET", "http://example.com/public", nil)
	r.AddCookie(cookie)
	g.RequireLogin(Force())(handler).ServeHTTP(w, r)
	if !handler.userOK || handler.user.ID != "42" {
		t.Fatalf("force mode with cookie: user %+v", handler.user)
	}
}

func TestRequireLogin_DisableState(t *testing.T) {
	fp := newFakeProvider(t)
	g := providerGuard(t, fp, nil)
	g.Bind(staticResolver(&User{Username: "taka"}))

	mw := g.RequireLogin(DisableState())(&capturingHandler{})

	w := httptest.NewRecorder()
	mw.ServeHTTP(w, httptest.NewRequest("GET", "http://example.com/dashboard", nil))
	if w.Code != http.StatusFound {
		t.Fatalf("status: got %d want 302", w.Code)
	}
	if strings.Contains(w.Header().Get("Location"), "state=") {
		t.Errorf("state sent despite DisableState: %q", w.Header().Get("Location"))
	}

	// Callback without any state passes.
	handler := &capturingHandler{}
	w = httptest.NewRecorder()
	g.RequireLogin(DisableState())(handler).ServeHTTP(w, httptest.NewRequest("GET", "http://example.com/dashboard?code=ABC", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("callback status: got %d", w.Code)
	}
	if !handler.called {
		t.Fatalf("handler not invoked")
	}
}

func TestRequireLogin_CustomScopes(t *testing.T) {
	fp := newFakeProvider(t)
	g := providerGuard(t, fp, nil)
	g.Bind(staticResolver(&User{Username: "taka"}))

	w := httptest.NewRecorder()
	g.RequireLogin(WithScopes("identify", "guilds"))(&capturingHandler{}).
		ServeHTTP(w, httptest.NewRequest("GET", "http://example.com/dashboard", nil))

	loc := w.Header().Get("Location")
	if !strings.Contains(loc, "scope=identify") || !strings.Contains(loc, "guilds") {
		t.Errorf("Location missing scopes: %q", loc)
	}
}

func TestRequireLogin_CustomStateFuncs(t *testing.T) {
	fp := newFakeProvider(t)
	g := providerGuard(t, fp, nil)
	g.Bind(staticResolver(&User{Username: "taka"}))

	gen := func(r *http.Request) (string, error) { return "fixed", nil }
	check := func(r *http.Request, state string) bool { return state == "fixed" }

	w := httptest.NewRecorder()
	g.RequireLogin(WithStateGenerator(gen), WithStateChecker(check))(&capturingHandler{}).
		ServeHTTP(w, httptest.NewRequest("GET", "http://example.com/dashboard", nil))
	if !strings.Contains(w.Header().Get("Location"), "&state=fixed") {
		t.Fatalf("custom state not used: %q", w.Header().Get("Location"))
	}

	handler := &capturingHandler{}
	w = httptest.NewRecorder()
	g.RequireLogin(WithStateGenerator(gen), WithStateChecker(check))(handler).
		ServeHTTP(w, httptest.NewRequest("GET", "http://example.com/dashboard?code=ABC&state=fixed", nil))
	if w.Code != http.StatusOK || !handler.called {
		t.Fatalf("custom checker rejected its own state: status=%d", w.Code)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{ClientSecret: "sec", SecretKey: "k"}); err == nil {
		t.Errorf("New accepted empty client id")
	}
	if _, err := New(Config{ClientID: "cid", SecretKey: "k"}); err == nil {
		t.Errorf("New accepted empty client secret")
	}
	// An unset secret key must be rejected, never silently derived.
	if _, err := New(Config{ClientID: "cid", ClientSecret: "sec"}); err == nil {
		t.Errorf("New accepted empty secret key")
	}
}
