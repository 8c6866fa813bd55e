// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// IdentityKey is the context key for the authenticated identity.
	IdentityKey ContextKey = "identity"
)

// Headers set by the App Service authentication front end.
const (
	HeaderAccessToken     = "X-Ms-Token-Aad-Access-Token"
	HeaderClientPrincipal = "X-MS-CLIENT-PRINCIPAL"
)

// DevToken is the access token the local front end sends in dev mode.
const DevToken = "test2"

// DevIdentity is used for unauthenticated requests in dev mode.
var DevIdentity = Identity{ID: "dev-user", Name: "Dev User"}

// Identity is the authenticated caller. ID owns conversations and projects.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Claims represents the claims of tokens signed with the API secret.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name"`
}

// AuthConfig selects the accepted credentials.
type AuthConfig struct {
	// JWTSecret verifies HS256 bearer tokens. Empty disables bearer auth.
	JWTSecret string
	// DevMode maps DevToken, or a request without credentials, to DevIdentity.
	DevMode bool
}

var errNoIdentity = errors.New("no identity in claims")

// Auth resolves the caller from, in order: the forwarded access token, the
// client principal header and a bearer token.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := Authenticate(r, cfg)
			if err != nil {
				writeUnauthorized(w, err)
				return
			}
			ctx := WithIdentity(r.Context(), id)
			setOwner(ctx, id.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Authenticate returns the identity of a request.
func Authenticate(r *http.Request, cfg AuthConfig) (Identity, error) {
	tok := r.Header.Get(HeaderAccessToken)
	if tok != "" && tok != DevToken {
		if id, err := identityFromAccessToken(tok); err == nil {
			return id, nil
		}
	}

	if cp := r.Header.Get(HeaderClientPrincipal); cp != "" {
		if id, err := identityFromClientPrincipal(cp); err == nil {
			return id, nil
		}
	}

	if authHeader := r.Header.Get("Authorization"); authHeader != "" && cfg.JWTSecret != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return Identity{}, errors.New("invalid authorization header format")
		}
		return identityFromBearer(parts[1], cfg.JWTSecret)
	}

	if cfg.DevMode && (tok == DevToken || tok == "") {
		return DevIdentity, nil
	}
	return Identity{}, errors.New("user not authenticated")
}

// identityFromAccessToken reads the claims of a token the front end has
// already validated.
func identityFromAccessToken(tok string) (Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return Identity{}, fmt.Errorf("parse access token: %w", err)
	}
	id := Identity{
		ID:   firstClaim(claims, "entra_oid", "oid", "sub"),
		Name: firstClaim(claims, "name", "preferred_username", "upn", "email"),
	}
	if id.ID == "" {
		return Identity{}, errNoIdentity
	}
	return id, nil
}

type clientPrincipal struct {
	Claims []struct {
		Typ string `json:"typ"`
		Val string `json:"val"`
	} `json:"claims"`
}

func identityFromClientPrincipal(b64 string) (Identity, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Identity{}, fmt.Errorf("decode client principal: %w", err)
	}
	var cp clientPrincipal
	if err := json.Unmarshal(raw, &cp); err != nil {
		return Identity{}, fmt.Errorf("decode client principal: %w", err)
	}
	claims := jwt.MapClaims{}
	for _, c := range cp.Claims {
		if _, seen := claims[c.Typ]; !seen {
			claims[c.Typ] = c.Val
		}
	}
	id := Identity{
		ID:   firstClaim(claims, "oid", "sub"),
		Name: firstClaim(claims, "name", "preferred_username", "upn", "email"),
	}
	if id.ID == "" {
		return Identity{}, errNoIdentity
	}
	return id, nil
}

func identityFromBearer(tokenString, secret string) (Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return Identity{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Identity{}, errNoIdentity
	}
	return Identity{ID: claims.Subject, Name: claims.Name}, nil
}

func firstClaim(claims jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		if v, ok := claims[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// WithIdentity stores an identity in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, id)
}

// GetIdentity gets the identity from context.
func GetIdentity(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(IdentityKey).(Identity)
	return id, ok
}

// GetOwner gets the owner id from context.
func GetOwner(ctx context.Context) string {
	id, _ := GetIdentity(ctx)
	return id.ID
}
