package provider

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pysugar/login-nexus/internal/autherr"
)

const stateIssuer = "login-nexus"

// stateClaims is carried in the OAuth state parameter. The JWT ID is a
// single-use nonce also recorded in the store.
type stateClaims struct {
	jwt.RegisteredClaims
	DisplayName string `json:"display_name,omitempty"`
}

func (f *Flow) signState(userID, displayName, nonce string) (string, error) {
	now := f.now()
	claims := stateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    stateIssuer,
			Audience:  jwt.ClaimStrings{f.cfg.Provider},
			Subject:   userID,
			ID:        nonce,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(f.cfg.StateTTL)),
		},
		DisplayName: displayName,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(f.cfg.StateSecret)
	if err != nil {
		return "", errors.Wrap(err, "sign state")
	}
	return signed, nil
}

func (f *Flow) parseState(raw string) (*stateClaims, error) {
	if raw == "" {
		return nil, autherr.InvalidArgument("state is required")
	}
	var claims stateClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return f.cfg.StateSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(stateIssuer),
		jwt.WithAudience(f.cfg.Provider),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return f.now() }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, autherr.InvalidArgument("authorization request expired")
		}
		return nil, errors.Mark(errors.Wrap(err, "invalid state"), autherr.ErrInvalidArgument)
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, autherr.InvalidArgument("state is missing subject or nonce")
	}
	return &claims, nil
}
