package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rexteam/discordlogin/middleware"
)

// DefaultCookieName is the name of the session cookie.
const DefaultCookieName = "session"

// defaultCookieMaxAge is how long an issued session cookie stays valid.
const defaultCookieMaxAge = 30 * 24 * time.Hour

// currentKeyID labels the single key derived from Config.SecretKey. Callers
// that need rotation can layer it on by replacing the cookie via
// CookieOptions.
const currentKeyID = "1"

// sessionClaims is the minimal identity projection stored client-side. The
// JSON field names are part of the cookie wire contract.
type sessionClaims struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Config carries the process-wide credentials and knobs for a Guard.
// It is immutable after New.
type Config struct {
	// ClientID and ClientSecret identify the application to the provider.
	ClientID     string
	ClientSecret string

	// SecretKey seals session cookies and state tokens. It must be set; New
	// refuses to run with an empty key rather than deriving a weak one.
	SecretKey string

	// BotToken enables the guard's own Discord client as a UserResolver.
	// Optional when Bind supplies a resolver.
	BotToken string

	// BaseURL overrides the provider API base, mainly for tests.
	BaseURL string

	// CookieName overrides DefaultCookieName.
	CookieName string

	// CookieMaxAge overrides the session cookie lifetime.
	CookieMaxAge time.Duration

	// TrustProxy makes client-IP and scheme detection honor forwarding
	// headers. Only enable behind a proxy you control.
	TrustProxy bool

	// MaxStateAge bounds how old a CSRF state may be. Zero disables the
	// freshness check and keeps states valid until the key changes.
	MaxStateAge time.Duration

	// HTTPClient overrides the provider client's pooled HTTP client.
	HTTPClient *http.Client

	// CookieOptions tune the session cookie (path, domain, secure flag,
	// same-site).
	CookieOptions []middleware.SecureCookieOption
}

// Guard wraps HTTP handlers with the OAuth login flow. A single Guard serves
// any number of routes and concurrent requests; the only mutable state it
// carries is the authorize-URL cache and the late-bound resolver.
type Guard struct {
	discord    *Discord
	cookie     *middleware.SecureCookie
	stateCodec *middleware.Codec
	cache      *authorizeURLCache

	cookieMaxAge int
	trustProxy   bool
	maxStateAge  time.Duration

	mu       sync.RWMutex
	resolver UserResolver
}

// New builds a Guard from cfg. The client credentials and the secret key are
// required.
func New(cfg Config) (*Guard, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("client id and client secret are required")
	}
	if cfg.SecretKey == "" {
		return nil, errors.New("secret key is required")
	}

	keys := map[string][]byte{currentKeyID: middleware.KeyFromSecret(cfg.SecretKey)}

	cookieName := cfg.CookieName
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	// The session payload is JSON on the wire; callers may still override
	// cookie attributes through cfg.CookieOptions.
	opts := append([]middleware.SecureCookieOption{
		middleware.WithMarshalUnmarshal(json.Marshal, json.Unmarshal),
	}, cfg.CookieOptions...)
	cookie, err := middleware.NewSecureCookie(cookieName, currentKeyID, keys, opts...)
	if err != nil {
		return nil, err
	}

	// State tokens ride in URL query strings, so they get the hex codec.
	stateCodec, err := middleware.NewCodec(currentKeyID, keys, nil, middleware.EncodingHex)
	if err != nil {
		return nil, err
	}

	maxAge := cfg.CookieMaxAge
	if maxAge <= 0 {
		maxAge = defaultCookieMaxAge
	}

	return &Guard{
		discord: &Discord{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			BotToken:     cfg.BotToken,
			BaseURL:      cfg.BaseURL,
			HTTPClient:   cfg.HTTPClient,
		},
		cookie:       cookie,
		stateCodec:   stateCodec,
		cache:        newAuthorizeURLCache(),
		cookieMaxAge: int(maxAge.Seconds()),
		trustProxy:   cfg.TrustProxy,
		maxStateAge:  cfg.MaxStateAge,
	}, nil
}

// Provider returns the underlying provider client.
func (g *Guard) Provider() *Discord {
	return g.discord
}

// Bind marks the guard ready by supplying the resolver that rehydrates
// cookie-carried user IDs. Call it once the host application (typically the
// bot connection) has finished starting up.
func (g *Guard) Bind(r UserResolver) {
	g.mu.Lock()
	g.resolver = r
	g.mu.Unlock()
}

// BindDefaultResolver binds the guard's own provider client, which resolves
// users over the provider API with the configured bot token.
func (g *Guard) BindDefaultResolver() {
	g.Bind(g.discord)
}

// Ready reports whether a resolver has been bound.
func (g *Guard) Ready() bool {
	return g.boundResolver() != nil
}

func (g *Guard) boundResolver() UserResolver {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.resolver
}

// AuthorizeURL returns the consent-screen URL for callbackURL, resolving it
// through the provider at most once per distinct callback URL and serving it
// from the cache afterwards. The state parameter is appended per call and
// never cached.
func (g *Guard) AuthorizeURL(ctx context.Context, callbackURL string, scopes []string, state string) (string, error) {
	u, ok := g.cache.get(callbackURL)
	if !ok {
		var err error
		u, err = g.discord.AuthorizeURL(ctx, callbackURL, scopes, "")
		if err != nil {
			return "", err
		}
		g.cache.put(callbackURL, u)
	}
	if state != "" {
		u += "&state=" + url.QueryEscape(state)
	}
	return u, nil
}

// ResetAuthorizeURL drops the cached authorize URL for callbackURL, forcing
// the next login on that route to resolve it again.
func (g *Guard) ResetAuthorizeURL(callbackURL string) {
	g.cache.reset(callbackURL)
}

// ResetAllAuthorizeURLs drops every cached authorize URL.
func (g *Guard) ResetAllAuthorizeURLs() {
	g.cache.resetAll()
}

// routeConfig is the per-route behavior selected through RouteOptions.
type routeConfig struct {
	force          bool
	scopes         []string
	stateGenerator StateGenerator
	stateChecker   StateChecker
	stateDisabled  bool
}

// RouteOption configures one guarded route.
type RouteOption func(*routeConfig)

// Force skips the whole OAuth dance for the route: the handler always runs,
// with whatever user the cookie yields (possibly none).
func Force() RouteOption {
	return func(rc *routeConfig) {
		rc.force = true
	}
}

// WithScopes sets the OAuth scopes requested on login. Default: identify.
func WithScopes(scopes ...string) RouteOption {
	return func(rc *routeConfig) {
		rc.scopes = scopes
	}
}

// WithStateGenerator replaces the default CSRF state generator.
func WithStateGenerator(f StateGenerator) RouteOption {
	return func(rc *routeConfig) {
		rc.stateGenerator = f
	}
}

// WithStateChecker replaces the default CSRF state checker.
func WithStateChecker(f StateChecker) RouteOption {
	return func(rc *routeConfig) {
		rc.stateChecker = f
	}
}

// DisableState turns CSRF state enforcement off for the route: no state is
// sent to the provider and none is checked on the callback.
func DisableState() RouteOption {
	return func(rc *routeConfig) {
		rc.stateDisabled = true
	}
}

// RequireLogin returns middleware that enforces a completed login on every
// request before the wrapped handler runs.
//
// Each request lands in exactly one of four phases:
//
//  1. No resolver bound yet: fail 503, the host app is still starting.
//  2. Session cookie present, or Force: decode the cookie into a user
//     (decode failure means anonymous, not an error) and run the handler.
//  3. Query parameters present: the provider redirected back. Check the
//     state (403 on mismatch), exchange the code, fetch the user (400 with
//     provider detail on failure), write the session cookie and run the
//     handler.
//  4. Otherwise: redirect the browser to the provider's consent screen.
func (g *Guard) RequireLogin(opts ...RouteOption) func(http.Handler) http.Handler {
	rc := routeConfig{scopes: []string{"identify"}}
	for _, opt := range opts {
		opt(&rc)
	}
	if !rc.stateDisabled {
		if rc.stateGenerator == nil {
			rc.stateGenerator = g.generateState
		}
		if rc.stateChecker == nil {
			rc.stateChecker = g.checkState
		}
	} else {
		rc.stateGenerator = nil
		rc.stateChecker = nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			resolver := g.boundResolver()
			if resolver == nil {
				log.Debug().Err(ErrNotReady).Str("path", r.URL.Path).Msg("guarded request rejected")
				http.Error(w, "the service is still starting up, please try again in a moment", http.StatusServiceUnavailable)
				return
			}

			var cookie *http.Cookie
			if c, err := r.Cookie(g.cookie.Name()); err == nil && c.Value != "" {
				cookie = c
			}

			switch {
			case cookie != nil || rc.force:
				var user *User
				if cookie != nil {
					user = g.userFromCookie(r.Context(), resolver, cookie)
				}
				next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))

			case r.URL.RawQuery != "":
				g.finishLogin(w, r, next, rc)

			default:
				g.startLogin(w, r, rc)
			}
		})
	}
}

// startLogin redirects the browser to the provider's consent screen. The
// wrapped handler does not run in this phase.
func (g *Guard) startLogin(w http.ResponseWriter, r *http.Request, rc routeConfig) {
	callbackURL := g.requestURL(r)

	var state string
	if rc.stateGenerator != nil {
		var err error
		state, err = rc.stateGenerator(r)
		if err != nil {
			log.Error().Err(err).Msg("state generation failed")
			http.Error(w, "starting the login flow failed, please try again", http.StatusInternalServerError)
			return
		}
	}

	authorizeURL, err := g.AuthorizeURL(r.Context(), callbackURL, rc.scopes, state)
	if err != nil {
		log.Warn().Err(err).Str("callback_url", callbackURL).Msg("authorize URL resolution failed")
		http.Error(w, "the login provider could not be reached, please try again later", http.StatusBadGateway)
		return
	}
	http.Redirect(w, r, authorizeURL, http.StatusFound)
}

// finishLogin handles the provider's redirect back: state check, code
// exchange, user fetch, cookie issuance, then the wrapped handler.
func (g *Guard) finishLogin(w http.ResponseWriter, r *http.Request, next http.Handler, rc routeConfig) {
	query := r.URL.Query()

	if rc.stateChecker != nil {
		if !rc.stateChecker(r, query.Get("state")) {
			log.Debug().Str("path", r.URL.Path).Msg("state check failed")
			http.Error(w, "the state query parameter does not match this login attempt, please restart the login", http.StatusForbidden)
			return
		}
	}

	callbackURL := g.requestURL(r)
	token, err := g.discord.Exchange(r.Context(), query.Get("code"), callbackURL)
	if err == nil {
		var user *User
		user, err = g.discord.FetchUser(r.Context(), token)
		if err == nil {
			// Headers have to go out before the handler writes the body.
			g.writeSessionCookie(w, user)
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
			return
		}
	}

	log.Warn().Err(err).Str("callback_url", callbackURL).Msg("login completion failed")
	http.Error(w, "fetching your account details failed, your login may have expired. Please log in again. Error: "+err.Error(), http.StatusBadRequest)
}

// userFromCookie turns a session cookie into a resolved user. Any failure
// downgrades to anonymous; a forged or stale cookie must look like a visitor
// without one.
func (g *Guard) userFromCookie(ctx context.Context, resolver UserResolver, cookie *http.Cookie) *User {
	var claims sessionClaims
	if err := g.cookie.Decode(cookie, &claims); err != nil {
		log.Debug().Err(err).Msg("session cookie rejected")
		return nil
	}
	user, err := resolver.ResolveUser(ctx, claims.ID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", claims.ID).Msg("user resolution failed")
		return nil
	}
	return user
}

func (g *Guard) writeSessionCookie(w http.ResponseWriter, user *User) {
	c, err := g.cookie.Encode(sessionClaims{ID: user.ID, Name: user.Name()}, g.cookieMaxAge)
	if err != nil {
		log.Error().Err(err).Msg("session cookie encode failed")
		return
	}
	http.SetCookie(w, c)
}

// requestURL rebuilds the absolute URL of the current request path, which is
// also the redirect URI the provider sends the code back to.
func (g *Guard) requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if g.trustProxy {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
	}
	return scheme + "://" + r.Host + r.URL.Path
}
