package auth

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// StateGenerator produces the CSRF state value sent along with a login
// redirect.
type StateGenerator func(r *http.Request) (string, error)

// StateChecker validates the state value the provider round-tripped back on
// the callback request. It must return false, never panic, on malformed or
// mismatching input.
type StateChecker func(r *http.Request, state string) bool

// stateAAD tags sealed state tokens so they cannot be confused with other
// values sealed under the same key.
const stateAAD = "csrf-state"

// stateClaims binds a login attempt to the origin that initiated it.
// Verifying a state only confirms that the callback arrived from the same
// host and client IP; it carries no replay protection unless MaxStateAge is
// configured, in which case IssuedAt adds a freshness bound.
type stateClaims struct {
	Host     string `cbor:"1,keyasint"`
	IP       string `cbor:"2,keyasint"`
	IssuedAt int64  `cbor:"3,keyasint,omitempty"`
}

// generateState is the default StateGenerator: it seals the requesting
// origin with the guard's URL-safe codec.
func (g *Guard) generateState(r *http.Request) (string, error) {
	claims := stateClaims{Host: r.Host, IP: g.clientIP(r)}
	if g.maxStateAge > 0 {
		claims.IssuedAt = time.Now().Unix()
	}
	b, err := cbor.Marshal(claims)
	if err != nil {
		return "", err
	}
	return g.stateCodec.Encode(b, []byte(stateAAD))
}

// checkState is the default StateChecker: the callback request must present
// the same host and client IP the state was generated for.
func (g *Guard) checkState(r *http.Request, state string) bool {
	b, err := g.stateCodec.Decode(state, []byte(stateAAD))
	if err != nil {
		return false
	}
	var claims stateClaims
	if err := cbor.Unmarshal(b, &claims); err != nil {
		return false
	}
	if claims.Host != r.Host || claims.IP != g.clientIP(r) {
		return false
	}
	if g.maxStateAge > 0 {
		if claims.IssuedAt == 0 {
			return false
		}
		if time.Since(time.Unix(claims.IssuedAt, 0)) > g.maxStateAge {
			return false
		}
	}
	return true
}

// clientIP returns the address the request came from. Forwarding headers are
// honored only when the guard was configured to trust the proxy in front of
// it.
func (g *Guard) clientIP(r *http.Request) string {
	if g.trustProxy {
		if ip := strings.TrimSpace(r.Header.Get("X-Real-Ip")); ip != "" {
			return ip
		}
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	return remoteIP(r)
}

// remoteIP returns the IP portion of the request's RemoteAddr, discarding
// the port.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
