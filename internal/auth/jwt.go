package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fmkit/filemanager/internal/fmerr"
)

// Claims carried by access tokens. The subject is the user uid.
type Claims struct {
	IsAdmin   bool   `json:"is_admin,omitempty"`
	CreatedBy string `json:"created_by,omitempty"`
	jwt.RegisteredClaims
}

// JWTResolver authenticates HS256 bearer tokens.
type JWTResolver struct {
	secret []byte
	issuer string
	leeway time.Duration
}

type JWTOption func(*JWTResolver)

// WithIssuer requires the iss claim to match.
func WithIssuer(issuer string) JWTOption {
	return func(r *JWTResolver) { r.issuer = issuer }
}

// WithLeeway tolerates clock skew on exp/nbf.
func WithLeeway(d time.Duration) JWTOption {
	return func(r *JWTResolver) { r.leeway = d }
}

func NewJWTResolver(secret string, opts ...JWTOption) (*JWTResolver, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	r := &JWTResolver{secret: []byte(secret)}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (j *JWTResolver) Resolve(r *http.Request) (Actor, error) {
	raw, err := BearerToken(r)
	if err != nil {
		return Actor{}, fmerr.Unauthenticated("authentication required")
	}

	claims, err := j.Parse(raw)
	if err != nil {
		return Actor{}, fmerr.Unauthenticated("invalid or expired token")
	}

	actor := Actor{UserUID: claims.Subject, IsAdmin: claims.IsAdmin}
	if claims.CreatedBy != "" {
		createdBy := claims.CreatedBy
		actor.CreatedBy = &createdBy
	}
	return actor, nil
}

// Parse validates raw and returns its claims.
func (j *JWTResolver) Parse(raw string) (*Claims, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(j.leeway),
	}
	if j.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(j.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return j.secret, nil
	}, parserOpts...)
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}
	return claims, nil
}

// Sign issues a token for actor valid for ttl. Used by tooling and tests.
func (j *JWTResolver) Sign(actor Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		IsAdmin: actor.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.UserUID,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if actor.CreatedBy != nil {
		claims.CreatedBy = *actor.CreatedBy
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

// BearerToken extracts the token from "Authorization: Bearer <token>".
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}
