package api

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const (
	defaultJWKSCacheTTL = 15 * time.Minute
	// LocalModeHS256 verifies tokens signed with a shared secret.
	LocalModeHS256 = "hs256"
)

// AuthOptions selects local verification and tunes the JWKS key cache.
type AuthOptions struct {
	LocalMode   string
	LocalSecret string
	// KeyCacheTTL defaults to 15 minutes when zero.
	KeyCacheTTL time.Duration
}

// Auth validates session tokens. The token subject is the ledger account
// the session acts for.
type Auth struct {
	JWKS        *keyfunc.JWKS
	Audience    string
	Issuer      string
	LocalSecret []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates an Auth that verifies RS256 tokens against jwks, or HS256
// tokens signed with opts.LocalSecret when opts.LocalMode is "hs256".
func NewAuth(jwks *keyfunc.JWKS, audience, issuer string, opts AuthOptions) (*Auth, error) {
	a := &Auth{JWKS: jwks, Audience: audience, Issuer: issuer, keyCacheTTL: defaultJWKSCacheTTL}
	if opts.KeyCacheTTL < 0 {
		return nil, fmt.Errorf("invalid key cache ttl %s", opts.KeyCacheTTL)
	}
	if opts.KeyCacheTTL > 0 {
		a.keyCacheTTL = opts.KeyCacheTTL
	}

	switch mode := strings.ToLower(opts.LocalMode); mode {
	case "":
		if jwks == nil {
			return nil, errors.New("jwks required unless a local auth mode is set")
		}
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	case LocalModeHS256:
		if opts.LocalSecret == "" {
			return nil, errors.New("shared secret required for hs256 auth")
		}
		a.LocalSecret = []byte(opts.LocalSecret)
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	default:
		return nil, fmt.Errorf("unsupported local auth mode %q", mode)
	}
	return a, nil
}

// AccountFromAuthHeader returns the account of a "Bearer <jwt>" header.
func (a *Auth) AccountFromAuthHeader(h string) (string, error) {
	token, err := bearerToken(h)
	if err != nil {
		return "", err
	}
	return a.AccountFromToken(token)
}

// AccountFromToken verifies a raw JWT and returns its subject.
func (a *Auth) AccountFromToken(token string) (string, error) {
	if token == "" {
		return "", errBadAuthorization
	}
	parsed, err := a.parser.Parse(token, a.keyFor)
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	now := time.Now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return "", errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return "", errors.New("token not valid yet")
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, false) {
		return "", errors.New("invalid audience")
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, false) {
		return "", errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub")
	}
	return normalizeAccount(sub), nil
}

func (a *Auth) keyFor(token *jwt.Token) (any, error) {
	if a.LocalSecret != nil {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.LocalSecret, nil
	}
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}
	key, err := a.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}
	if kid != "" && a.keyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}

// normalizeAccount lower-cases hex addresses so "0xABC" and "0xabc" name
// the same account.
func normalizeAccount(sub string) string {
	sub = strings.TrimSpace(sub)
	if strings.HasPrefix(sub, "0x") || strings.HasPrefix(sub, "0X") {
		return strings.ToLower(sub)
	}
	return sub
}

// LocalToken signs an HS256 session token for account, for use against a
// server in local auth mode.
func LocalToken(account, secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("shared secret required")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": normalizeAccount(account),
		"exp": time.Now().Add(ttl).Unix(),
	})
	return token.SignedString([]byte(secret))
}
