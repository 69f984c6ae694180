package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieFormat  = errors.New("invalid secure cookie format")
	ErrCookieInvalid = errors.New("invalid secure cookie")
	ErrCookieConfig  = errors.New("invalid secure cookie configuration")
)

// maxValueLen bounds the amount of attacker-controlled data we will
// decode/allocate for a sealed value. Browsers typically cap individual cookie
// values around 4KB; we enforce our own limit regardless of transport.
const maxValueLen = 8192

// DefaultAEADKeySize is the expected key size (in bytes) for the default
// AEAD implementation (chacha20poly1305).
const DefaultAEADKeySize = chacha20poly1305.KeySize

// KeyFromSecret stretches an arbitrary secret string into an AEAD key of
// DefaultAEADKeySize bytes.
func KeyFromSecret(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// Encoding converts sealed bytes to and from their transport form.
//
// Sealed values travel through two different transports: cookie headers and
// URL query strings. Each transport gets an encoding that survives it
// unmodified.
type Encoding interface {
	EncodeToString(src []byte) string
	DecodeString(s string) ([]byte, error)
}

type hexEncoding struct{}

func (hexEncoding) EncodeToString(src []byte) string { return hex.EncodeToString(src) }

func (hexEncoding) DecodeString(s string) ([]byte, error) { return hex.DecodeString(s) }

var (
	// EncodingBase64 is the default, cookie-safe encoding.
	EncodingBase64 Encoding = base64.RawURLEncoding
	// EncodingHex is safe to embed in URL query strings.
	EncodingHex Encoding = hexEncoding{}
)

// Codec seals and opens small payloads with an AEAD.
//
// Value format: [keyID] "." [encoded]
// where encoded = Enc(nonce || AEAD.Seal(nil, nonce, plaintext, aad)).
// Key rotation: Keys contains all accepted keys; KeyID selects the current
// sealing key. The nonce is randomly generated per value.
type Codec struct {
	KeyID string
	Keys  map[string][]byte

	// NewAEAD constructs the AEAD used to seal/open values.
	// Defaults to chacha20poly1305.NewX.
	NewAEAD func(key []byte) (cipher.AEAD, error)

	// Enc is the transport encoding for sealed bytes.
	// Defaults to EncodingBase64.
	Enc Encoding
}

// NewCodec creates a codec. A nil newAEAD selects chacha20poly1305.NewX and a
// nil enc selects EncodingBase64.
func NewCodec(keyID string, keys map[string][]byte, newAEAD func(key []byte) (cipher.AEAD, error), enc Encoding) (*Codec, error) {
	if keys == nil {
		return nil, errors.New("keys must not be nil")
	}
	if _, ok := keys[keyID]; !ok {
		return nil, errors.New("keyID not found in keys")
	}
	if newAEAD == nil {
		newAEAD = chacha20poly1305.NewX
	}
	if enc == nil {
		enc = EncodingBase64
	}
	for id, k := range keys {
		if _, err := newAEAD(k); err != nil {
			return nil, fmt.Errorf("invalid key %s: %w", id, err)
		}
	}
	return &Codec{
		KeyID:   keyID,
		Keys:    keys,
		NewAEAD: newAEAD,
		Enc:     enc,
	}, nil
}

// Encode seals plainBytes. aad should be unique to the context the value is
// used in (e.g. cookie name + path, or a fixed token-purpose tag).
func (c *Codec) Encode(plainBytes []byte, aad []byte) (string, error) {
	if c == nil {
		return "", ErrCookieConfig
	}
	key, ok := c.Keys[c.KeyID]
	if !ok {
		return "", ErrCookieConfig
	}
	aead, err := c.NewAEAD(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := aead.Seal(nonce, nonce, plainBytes, aad)
	return c.KeyID + "." + c.Enc.EncodeToString(sealed), nil
}

// Decode opens value. Any tampering with the sealed bytes fails AEAD
// authentication and surfaces as ErrCookieInvalid.
func (c *Codec) Decode(value string, aad []byte) ([]byte, error) {
	if c == nil {
		return nil, ErrCookieConfig
	}
	if len(value) == 0 || len(value) > maxValueLen {
		return nil, ErrCookieFormat
	}
	keyID, encoded, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || encoded == "" {
		return nil, ErrCookieFormat
	}
	key, ok := c.Keys[keyID]
	if !ok {
		return nil, ErrCookieInvalid
	}

	sealed, err := c.Enc.DecodeString(encoded)
	if err != nil {
		return nil, ErrCookieFormat
	}

	aead, err := c.NewAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCookieFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	b, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrCookieInvalid
	}
	return b, nil
}

// SecureCookie marshals values and seals them into an http.Cookie.
//
// The AAD binds the cookie name, domain, path and secure flag to the sealed
// value, so a value lifted from one cookie cannot be replayed under another.
type SecureCookie struct {
	name     string
	path     string
	domain   string
	secure   bool
	sameSite http.SameSite

	Codec *Codec

	marshal   func(any) ([]byte, error)
	unmarshal func([]byte, any) error
	newAEAD   func([]byte) (cipher.AEAD, error)
	enc       Encoding
}

// Name returns the cookie name.
func (sc *SecureCookie) Name() string {
	if sc == nil {
		return ""
	}
	return sc.name
}

// SecureCookieOption configures a SecureCookie.
type SecureCookieOption func(*SecureCookie)

// WithMarshalUnmarshal configures custom marshal/unmarshal functions.
func WithMarshalUnmarshal(marshal func(any) ([]byte, error), unmarshal func([]byte, any) error) SecureCookieOption {
	return func(sc *SecureCookie) {
		sc.marshal = marshal
		sc.unmarshal = unmarshal
	}
}

// WithAEAD configures a custom AEAD factory (e.g. AES-GCM).
func WithAEAD(f func([]byte) (cipher.AEAD, error)) SecureCookieOption {
	return func(sc *SecureCookie) {
		sc.newAEAD = f
	}
}

// WithEncoding configures the transport encoding for the sealed value.
func WithEncoding(enc Encoding) SecureCookieOption {
	return func(sc *SecureCookie) {
		sc.enc = enc
	}
}

// WithPath configures the cookie path.
func WithPath(path string) SecureCookieOption {
	return func(sc *SecureCookie) {
		sc.path = path
	}
}

// WithDomain configures the cookie domain.
func WithDomain(domain string) SecureCookieOption {
	return func(sc *SecureCookie) {
		sc.domain = domain
	}
}

// WithSecure configures the cookie secure flag.
func WithSecure(secure bool) SecureCookieOption {
	return func(sc *SecureCookie) {
		sc.secure = secure
	}
}

// WithSameSite configures the cookie sameSite attribute.
func WithSameSite(sameSite http.SameSite) SecureCookieOption {
	return func(sc *SecureCookie) {
		sc.sameSite = sameSite
	}
}

// NewSecureCookie creates a SecureCookie sealed with ChaCha20-Poly1305 and
// CBOR-encoded by default.
//
// Defaults:
//   - Domain: ""
//   - Path: /
//   - HttpOnly: true
//   - Secure: true
//   - SameSite: Lax
func NewSecureCookie(cookieName string, keyID string, keys map[string][]byte, opts ...SecureCookieOption) (*SecureCookie, error) {
	sc := &SecureCookie{
		name:      cookieName,
		marshal:   cbor.Marshal,
		unmarshal: cbor.Unmarshal,
		domain:    "",
		path:      "/",
		secure:    true,
		sameSite:  http.SameSiteLaxMode,
	}
	for _, opt := range opts {
		opt(sc)
	}

	codec, err := NewCodec(keyID, keys, sc.newAEAD, sc.enc)
	if err != nil {
		return nil, err
	}
	sc.Codec = codec

	if sc.path == "" {
		sc.path = "/"
	}

	return sc, nil
}

// aad calculates the additional authenticated data for this cookie.
func (sc *SecureCookie) aad() []byte {
	secureStr := "f"
	if sc.secure {
		secureStr = "t"
	}
	return []byte(sc.name + ":" + sc.domain + ":" + sc.path + ":" + secureStr)
}

// Encode marshals and seals plain and returns an http.Cookie carrying the value.
func (sc *SecureCookie) Encode(plain any, maxAge int) (*http.Cookie, error) {
	if maxAge <= 0 {
		return nil, ErrCookieInvalid
	}
	if sc.Codec == nil || sc.marshal == nil {
		return nil, ErrCookieConfig
	}

	plainBytes, err := sc.marshal(plain)
	if err != nil {
		return nil, err
	}

	val, err := sc.Codec.Encode(plainBytes, sc.aad())
	if err != nil {
		return nil, err
	}

	return &http.Cookie{
		Name:     sc.name,
		Value:    val,
		Path:     sc.path,
		Domain:   sc.domain,
		MaxAge:   maxAge,
		Secure:   sc.secure,
		HttpOnly: true,
		SameSite: sc.sameSite,
		Expires:  time.Now().Add(time.Duration(maxAge) * time.Second),
	}, nil
}

// Decode opens the cookie value and unmarshals it into v.
func (sc *SecureCookie) Decode(cookie *http.Cookie, v any) error {
	if cookie == nil {
		return ErrCookieFormat
	}
	if sc.Codec == nil || sc.unmarshal == nil {
		return ErrCookieConfig
	}

	plainBytes, err := sc.Codec.Decode(cookie.Value, sc.aad())
	if err != nil {
		return err
	}

	return sc.unmarshal(plainBytes, v)
}

// Clear returns a cookie that clears this cookie in the client.
func (sc *SecureCookie) Clear() *http.Cookie {
	if sc == nil {
		return nil
	}
	return &http.Cookie{
		Name:     sc.name,
		Domain:   sc.domain,
		Path:     sc.path,
		HttpOnly: true,
		Secure:   sc.secure,
		SameSite: sc.sameSite,
		Value:    "",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	}
}
