// Package auth verifies bearer tokens and carries the resulting session
// through request contexts.
package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Verifier validates bearer tokens and extracts user/role claims.
// Supports modes: dev (no verify), hmac (HS256), jwks (RS256 from JWKS URL).
type Verifier struct {
	Mode       string
	HMACSecret []byte
	JWKSURL    string
	UserClaim  string
	RoleClaim  string
	http       *http.Client
	mu         sync.RWMutex
	keys       map[string]*rsa.PublicKey
	lastFetch  time.Time
	cacheTTL   time.Duration
}

type Options struct {
	Mode       string
	HMACSecret string
	JWKSURL    string
	UserClaim  string
	RoleClaim  string
}

func NewVerifier(o Options) *Verifier {
	mode := strings.ToLower(strings.TrimSpace(o.Mode))
	if mode == "" {
		mode = "dev"
	}
	v := &Verifier{
		Mode:       mode,
		HMACSecret: []byte(o.HMACSecret),
		JWKSURL:    o.JWKSURL,
		UserClaim:  o.UserClaim,
		RoleClaim:  o.RoleClaim,
		http:       &http.Client{Timeout: 5 * time.Second},
		cacheTTL:   10 * time.Minute,
	}
	if v.UserClaim == "" {
		v.UserClaim = "sub"
	}
	if v.RoleClaim == "" {
		v.RoleClaim = "role"
	}
	return v
}

// Verify turns a bearer token into a Session.
func (v *Verifier) Verify(token string) (Session, error) {
	if v.Mode == "dev" {
		// token format: user:role
		parts := strings.SplitN(token, ":", 2)
		if len(parts) == 2 && parts[0] != "" {
			return Session{UserID: parts[0], Role: strings.ToLower(parts[1]), Token: token}, nil
		}
		return Session{}, errors.New("invalid dev token; expected user:role")
	}
	var keyFunc jwt.Keyfunc
	var methods []string
	switch v.Mode {
	case "hmac":
		methods = []string{"HS256"}
		keyFunc = func(*jwt.Token) (any, error) { return v.HMACSecret, nil }
	case "jwks":
		methods = []string{"RS256"}
		keyFunc = func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			return v.rsaKey(kid)
		}
	default:
		return Session{}, fmt.Errorf("unsupported auth mode %q", v.Mode)
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods(methods))
	if _, err := parser.ParseWithClaims(token, claims, keyFunc); err != nil {
		return Session{}, err
	}
	user, _ := claims[v.UserClaim].(string)
	role, _ := claims[v.RoleClaim].(string)
	if user == "" {
		return Session{}, errors.New("missing user claim")
	}
	if role == "" {
		role = "user"
	}
	return Session{UserID: user, Role: strings.ToLower(role), Token: token}, nil
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// rsaKey returns the JWKS key for kid, refetching when the cache is stale or the kid is unknown.
func (v *Verifier) rsaKey(kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	stale := time.Since(v.lastFetch) > v.cacheTTL
	v.mu.RUnlock()
	if ok && !stale {
		return key, nil
	}
	if err := v.fetchJWKS(); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if key, ok := v.keys[kid]; ok {
		return key, nil
	}
	return nil, errors.New("kid not found in JWKS")
}

func (v *Verifier) fetchJWKS() error {
	if v.JWKSURL == "" {
		return errors.New("jwks url not set")
	}
	resp, err := v.http.Get(v.JWKSURL)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	var set jwks
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return err
	}
	keys := map[string]*rsa.PublicKey{}
	for _, k := range set.Keys {
		if !strings.EqualFold(k.Kty, "RSA") {
			continue
		}
		n, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return err
		}
		e, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return err
		}
		keys[k.Kid] = &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(new(big.Int).SetBytes(e).Int64())}
	}
	v.mu.Lock()
	v.keys = keys
	v.lastFetch = time.Now()
	v.mu.Unlock()
	return nil
}
