// Package authmw is a connection-open authentication wsrouter.OpenHook
// using HMAC-signed JWTs. It is grounded on example/hackernews/auth.go's
// jwt.Parse HMAC-keyfunc pattern, moved from an http.Handler wrapper to a
// connection-lifecycle hook: a browser WebSocket upgrade can't carry a
// custom Authorization header, so the token is read from a query
// parameter or the Sec-WebSocket-Protocol subprotocol list instead.
package authmw

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/andrewwphillips/wsrouter"
)

const (
	userIDClaim = "jti"
	expiryClaim = "exp"
	issuerClaim = "iss"
)

// TokenExtractor pulls the raw bearer token out of whatever the transport
// exposes for a connection attempt (a query parameter, a subprotocol
// entry, ...).
type TokenExtractor func(ctx context.Context) (token string, ok bool)

// Authenticator validates bearer JWTs signed with Secret and attaches the
// resulting user id to the connection as extension key "userId".
type Authenticator struct {
	Secret   []byte
	Issuer   string
	Extract  TokenExtractor
	Required bool // if false, a missing token is allowed through unauthenticated
}

// New builds an Authenticator. extract must be supplied by the caller
// since the extraction point is transport-specific.
func New(secret []byte, issuer string, extract TokenExtractor) *Authenticator {
	return &Authenticator{Secret: secret, Issuer: issuer, Extract: extract, Required: true}
}

// Hook returns a wsrouter.OpenHook suitable for Router.OnOpen.
func (a *Authenticator) Hook() wsrouter.OpenHook {
	return func(ctx context.Context, conn wsrouter.Conn) error {
		raw, ok := a.Extract(ctx)
		if !ok || raw == "" {
			if a.Required {
				return wsrouter.NewError(wsrouter.CodeAuthenticationFailed, "missing bearer token")
			}
			return nil
		}

		token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return a.Secret, nil
		})
		if err != nil || !token.Valid {
			return wsrouter.NewErrorf(wsrouter.CodeAuthenticationFailed, "invalid token: %v", err)
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return wsrouter.NewError(wsrouter.CodeAuthenticationFailed, "invalid claims")
		}
		if a.Issuer != "" {
			if iss, _ := claims[issuerClaim].(string); iss != a.Issuer {
				return wsrouter.NewErrorf(wsrouter.CodeAuthenticationFailed, "unexpected issuer %q", iss)
			}
		}
		userID, _ := claims[userIDClaim].(string)
		if userID == "" {
			return wsrouter.NewError(wsrouter.CodeAuthenticationFailed, "token missing user id claim")
		}
		conn.SetExtension("userId", userID)
		return nil
	}
}

// NewToken mints a bearer token for userID, signed with secret, valid for
// ttl and carrying issuer as the iss claim.
func NewToken(secret []byte, issuer, userID string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIDClaim: userID,
		expiryClaim: time.Now().Add(ttl).Unix(),
		issuerClaim: issuer,
	})
	return token.SignedString(secret)
}
