package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// DefaultBaseURL is the provider API base every endpoint path is joined to.
const DefaultBaseURL = "https://discord.com/api/v8"

// defaultHTTPTimeout bounds a single provider round trip. The flow performs
// no retries, so a hung provider call must not hang the request forever.
const defaultHTTPTimeout = 30 * time.Second

// Discord is the client for the provider's authorize, token and user-info
// endpoints. The zero value is not usable; at least ClientID and ClientSecret
// must be set. All methods share one pooled HTTP client, created lazily on
// first use and safe for concurrent use.
type Discord struct {
	ClientID     string
	ClientSecret string

	// BotToken authorizes ResolveUser lookups. Optional; without it the
	// client cannot act as a UserResolver.
	BotToken string

	// BaseURL overrides DefaultBaseURL, mainly for tests.
	BaseURL string

	// HTTPClient overrides the lazily-created shared client.
	HTTPClient *http.Client

	once   sync.Once
	client *http.Client
}

var _ UserResolver = (*Discord)(nil)

func (d *Discord) httpClient() *http.Client {
	d.once.Do(func() {
		if d.HTTPClient != nil {
			d.client = d.HTTPClient
			return
		}
		d.client = &http.Client{Timeout: defaultHTTPTimeout}
	})
	return d.client
}

func (d *Discord) base() string {
	if d.BaseURL != "" {
		return strings.TrimRight(d.BaseURL, "/")
	}
	return DefaultBaseURL
}

// joinScopes percent-encodes each scope and joins them with an encoded space,
// the exact form the provider expects in the scope parameter.
func joinScopes(scopes []string) string {
	escaped := make([]string, len(scopes))
	for i, s := range scopes {
		escaped[i] = url.QueryEscape(s)
	}
	return strings.Join(escaped, "%20")
}

// AuthorizeURL resolves the UI-facing consent-screen URL for redirectURL and
// scopes. The provider answers the authorize request with a redirect; the
// final URL after following it is the one the browser must be sent to.
//
// Literal slashes in the query portion are re-encoded as %2F: the query embeds
// the redirect URI, and downstream URL handling must not clip it at a slash.
// When state is non-empty it is appended as a state query parameter.
func (d *Discord) AuthorizeURL(ctx context.Context, redirectURL string, scopes []string, state string) (string, error) {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", d.ClientID)
	q.Set("redirect_uri", redirectURL)
	endpoint := d.base() + "/oauth2/authorize?" + q.Encode() + "&scope=" + joinScopes(scopes)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.httpClient().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return "", err
	}

	final := resp.Request.URL.String()
	if i := strings.Index(final, "?"); i >= 0 {
		final = final[:i] + strings.ReplaceAll(final[i:], "/", "%2F")
	}
	if state != "" {
		final += "&state=" + url.QueryEscape(state)
	}
	return final, nil
}

// oauthConfig builds the oauth2 endpoint configuration. AuthStyleInParams
// puts client_id and client_secret into the form body, which is what the
// token endpoint expects.
func (d *Discord) oauthConfig(callbackURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     d.ClientID,
		ClientSecret: d.ClientSecret,
		RedirectURL:  callbackURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   d.base() + "/oauth2/authorize",
			TokenURL:  d.base() + "/oauth2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// withHTTPClient routes oauth2 round trips through the shared pooled client.
func (d *Discord) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, d.httpClient())
}

// Exchange swaps the authorization code returned to callbackURL for a token.
// Provider-side failures surface as *ProviderError carrying the HTTP status
// and response body.
func (d *Discord) Exchange(ctx context.Context, code, callbackURL string) (*oauth2.Token, error) {
	token, err := d.oauthConfig(callbackURL).Exchange(d.withHTTPClient(ctx), code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			return nil, &ProviderError{
				StatusCode: retrieveErr.Response.StatusCode,
				Body:       strings.TrimSpace(string(retrieveErr.Body)),
			}
		}
		return nil, err
	}
	return token, nil
}

// FetchUser retrieves the profile of the user the token belongs to.
func (d *Discord) FetchUser(ctx context.Context, token *oauth2.Token) (*User, error) {
	ctx = d.withHTTPClient(ctx)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(token))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.base()+"/users/@me", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ResolveUser looks up a user by ID with the bot token, implementing
// UserResolver. This is how cookie-carried IDs are rehydrated into full
// users without another OAuth round trip.
func (d *Discord) ResolveUser(ctx context.Context, id string) (*User, error) {
	if d.BotToken == "" {
		return nil, ErrNoBotToken
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.base()+"/users/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bot "+d.BotToken)

	resp, err := d.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, err
	}
	return &user, nil
}

// maxErrorBodyLen caps how much of an error response body is kept for the
// error message.
const maxErrorBodyLen = 512

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
	return &ProviderError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
