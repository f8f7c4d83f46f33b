/**
 * @description
 * This file contains custom middleware for the HTTP router. The auth
 * middleware validates identity-provider JWTs against the provider's JWKS
 * endpoint and stashes the token subject in the request context; handlers
 * then resolve the subject into a Principal with an explicit role.
 *
 * @dependencies
 * - context, crypto/rsa, net/http, strings, sync: Standard Go libraries.
 * - github.com/golang-jwt/jwt/v5: JWT parsing and validation.
 */

package api

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SubjectContextKey is a custom type for the context key to avoid collisions.
type SubjectContextKey string

const authSubjectKey SubjectContextKey = "authSubject"

// AuthConfig carries the identity-provider settings the middleware validates
// tokens against. Audience and Issuer are optional; empty values skip the
// corresponding claim check.
type AuthConfig struct {
	JWKSURL  string
	Audience string
	Issuer   string
}

// jwksKeySet caches the provider's RSA keys by kid so every request does not
// refetch the JWKS document. Entries refresh together when stale or when an
// unknown kid shows up (key rotation).
type jwksKeySet struct {
	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

const jwksCacheTTL = 5 * time.Minute

var jwksCache jwksKeySet

// AuthMiddleware creates a middleware that validates JWT tokens issued by the
// identity provider.
func AuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	parserOptions := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"})}
	if cfg.Audience != "" {
		parserOptions = append(parserOptions, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(cfg.Issuer))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				denyAuth(w, "missing_header", "Authorization header required")
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				denyAuth(w, "malformed_header", "Invalid Authorization header format")
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				kid, ok := token.Header["kid"].(string)
				if !ok {
					return nil, fmt.Errorf("kid not found in token header")
				}
				return jwksCache.keyForKid(cfg.JWKSURL, kid)
			}, parserOptions...)

			if err != nil || !token.Valid {
				denyAuth(w, "invalid_token", "Invalid token")
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				denyAuth(w, "invalid_claims", "Invalid token claims")
				return
			}
			subject, ok := claims["sub"].(string)
			if !ok || subject == "" {
				denyAuth(w, "missing_subject", "Subject not found in token")
				return
			}

			ctx := context.WithValue(r.Context(), authSubjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// denyAuth rejects the request with the same JSON error shape the handlers
// use, logging the reason separately so token contents never reach clients.
func denyAuth(w http.ResponseWriter, reason, message string) {
	log.Printf("level=warn component=api middleware=auth outcome=reject reason=%s", reason)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// keyForKid returns the cached RSA key for kid, refetching the JWKS document
// when the cache is stale or the kid is unknown.
func (c *jwksKeySet) keyForKid(jwksURL, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.fetchedAt) < jwksCacheTTL {
		if key, ok := c.keys[kid]; ok {
			return key, nil
		}
	}

	keys, err := fetchJWKS(jwksURL)
	if err != nil {
		// A stale key beats an outage if the kid is still present.
		if key, ok := c.keys[kid]; ok {
			log.Printf("level=warn component=api middleware=auth msg=\"jwks refresh failed; using cached key\" err=%v", err)
			return key, nil
		}
		return nil, err
	}
	c.keys = keys
	c.fetchedAt = time.Now()

	key, ok := c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}
	return key, nil
}

// fetchJWKS downloads the JWKS document and parses every RSA key in it.
func fetchJWKS(jwksURL string) (map[string]*rsa.PublicKey, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(jwksURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, key := range jwks.Keys {
		if key.Kty != "RSA" {
			continue
		}
		parsed, err := parseRSAPublicKey(key.N, key.E)
		if err != nil {
			log.Printf("level=warn component=api middleware=auth msg=\"skipping unparsable jwks key\" kid=%s err=%v", key.Kid, err)
			continue
		}
		keys[key.Kid] = parsed
	}
	return keys, nil
}

// parseRSAPublicKey parses an RSA public key from its modulus and exponent.
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(exp),
	}, nil
}

// GetAuthSubject retrieves the validated token subject from the request
// context. Handlers use it to resolve the caller's Principal.
func GetAuthSubject(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(authSubjectKey).(string)
	return subject, ok
}
