package idp

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token uses.
const (
	TokenUseID     = "id"
	TokenUseAccess = "access"
)

// Token errors.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingToken = errors.New("missing bearer token")
)

// Claims are the claims of an issued token.
type Claims struct {
	Username   string `json:"cognito:username"`
	Email      string `json:"email,omitempty"`
	IdentityID string `json:"identity_id,omitempty"`
	TokenUse   string `json:"token_use"`
	jwt.RegisteredClaims
}

func (p *Provider) signToken(u *user, use string, now time.Time) (string, error) {
	claims := &Claims{
		Username:   u.username,
		Email:      u.attributes[AttrEmail],
		IdentityID: u.identityID,
		TokenUse:   use,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.config.Issuer,
			Subject:   u.attributes[AttrSub],
			Audience:  []string{p.config.Audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(p.config.TokenTTL)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.config.Secret)
	if err != nil {
		return "", fmt.Errorf("signing %s token: %w", use, err)
	}
	return signed, nil
}

// VerifyToken checks the signature, issuer, audience and expiry of a
// token and returns its claims.
func (p *Provider) VerifyToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return p.config.Secret, nil
	},
		jwt.WithIssuer(p.config.Issuer),
		jwt.WithAudience(p.config.Audience),
		jwt.WithTimeFunc(p.config.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if _, exists := p.Attributes(claims.Username); !exists {
		return nil, fmt.Errorf("%w: unknown user %q", ErrInvalidToken, claims.Username)
	}
	return claims, nil
}

// Authenticate checks the bearer token of r. It fits
// transport.ServerConfig.Authenticate.
func (p *Provider) Authenticate(r *http.Request) error {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return ErrMissingToken
	}
	_, err := p.VerifyToken(token)
	return err
}
