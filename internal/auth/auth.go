// Package auth resolves the acting user from a bearer token
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"auction-engine/internal/biddingerrors"
	model "auction-engine/internal/models"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
)

// Config selects how tokens are verified. A JWKS URL wins over a shared secret.
type Config struct {
	Secret   string
	JWKSURL  string
	Audience string
	Issuer   string
}

// Authenticator validates tokens and maps their claims to a model.User
type Authenticator struct {
	jwks     *keyfunc.JWKS
	secret   []byte
	audience string
	issuer   string
	parser   *jwt.Parser
	now      func() time.Time
}

// New builds an Authenticator. With a JWKS URL the key set is fetched once and
// refreshed in the background until Close.
func New(cfg Config, logger log.FieldLogger) (*Authenticator, error) {
	switch {
	case cfg.JWKSURL != "":
		jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
			RefreshInterval:   time.Hour,
			RefreshRateLimit:  5 * time.Minute,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				if logger != nil {
					logger.WithError(err).Warn("jwks refresh failed")
				}
			},
		})
		if err != nil {
			return nil, fmt.Errorf("jwks: %w", err)
		}
		return &Authenticator{
			jwks:     jwks,
			audience: cfg.Audience,
			issuer:   cfg.Issuer,
			parser:   jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})),
			now:      time.Now,
		}, nil
	case cfg.Secret != "":
		return NewHS256([]byte(cfg.Secret), cfg.Audience, cfg.Issuer), nil
	default:
		return nil, errors.New("auth: either a jwt secret or a jwks url is required")
	}
}

// NewHS256 builds an Authenticator for tokens signed with a shared secret
func NewHS256(secret []byte, audience, issuer string) *Authenticator {
	return &Authenticator{
		secret:   secret,
		audience: audience,
		issuer:   issuer,
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
		now:      time.Now,
	}
}

// Close stops the background JWKS refresh
func (a *Authenticator) Close() {
	if a.jwks != nil {
		a.jwks.EndBackground()
	}
}

// UserFromHeader extracts the user from an "Authorization: Bearer <token>" value
func (a *Authenticator) UserFromHeader(h string) (model.User, error) {
	if h == "" {
		return model.User{}, fmt.Errorf("%w: missing authorization header", biddingerrors.ErrUnauthorized)
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return model.User{}, fmt.Errorf("%w: bad authorization header", biddingerrors.ErrUnauthorized)
	}
	return a.UserFromToken(strings.TrimSpace(token))
}

// UserFromToken validates a raw token. The user id comes from "sub", the
// display name from "name" and the role from "role" (bidder when absent).
func (a *Authenticator) UserFromToken(token string) (model.User, error) {
	parsed, err := a.parser.Parse(token, a.key)
	if err != nil {
		return model.User{}, fmt.Errorf("%w: %v", biddingerrors.ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return model.User{}, fmt.Errorf("%w: invalid claims", biddingerrors.ErrUnauthorized)
	}

	now := a.now().Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return model.User{}, fmt.Errorf("%w: token expired", biddingerrors.ErrUnauthorized)
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, true) {
		return model.User{}, fmt.Errorf("%w: invalid audience", biddingerrors.ErrUnauthorized)
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return model.User{}, fmt.Errorf("%w: invalid issuer", biddingerrors.ErrUnauthorized)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return model.User{}, fmt.Errorf("%w: missing sub", biddingerrors.ErrUnauthorized)
	}
	name, _ := claims["name"].(string)
	if name == "" {
		name = sub
	}

	role := model.RoleBidder
	if r, _ := claims["role"].(string); r != "" {
		switch model.Role(r) {
		case model.RoleBidder, model.RoleSeller, model.RoleAdmin:
			role = model.Role(r)
		default:
			return model.User{}, fmt.Errorf("%w: unknown role %q", biddingerrors.ErrUnauthorized, r)
		}
	}

	return model.User{UserID: sub, Username: name, Role: role}, nil
}

func (a *Authenticator) key(t *jwt.Token) (any, error) {
	if a.jwks != nil {
		return a.jwks.Keyfunc(t)
	}
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, errors.New("invalid signing method")
	}
	return a.secret, nil
}
