package session

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"tourkita/internal/errs"
)

// ErrNoSecret is returned by ParseToken when no signing secret is configured.
var ErrNoSecret = errors.New("session secret is not configured")

// Claims is the access token issued by the hosted auth backend.
type Claims struct {
	jwt.RegisteredClaims
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
}

// ParseToken verifies an HS256 access token with secret and turns it into a
// SignedIn action. A leading "Bearer " is accepted. Tokens must carry a
// subject and an expiry.
func ParseToken(secret []byte, token string) (SignedIn, error) {
	const op = "session.token"
	if len(secret) == 0 {
		return SignedIn{}, errs.New(errs.KindUnavailable, op, ErrNoSecret)
	}
	token = strings.TrimSpace(token)
	if t, ok := strings.CutPrefix(token, "Bearer "); ok {
		token = strings.TrimSpace(t)
	}
	if token == "" {
		return SignedIn{}, errs.New(errs.KindUnauthorized, op, errors.New("missing token"))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return SignedIn{}, errs.New(errs.KindUnauthorized, op, err)
	}
	if claims.Subject == "" {
		return SignedIn{}, errs.New(errs.KindUnauthorized, op, errors.New("token has no subject"))
	}

	out := SignedIn{
		UserID:      claims.Subject,
		Email:       claims.Email,
		DisplayName: metaString(claims.UserMetadata, "full_name", "name", "display_name"),
		AvatarURL:   metaString(claims.UserMetadata, "avatar_url", "picture"),
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

func metaString(meta map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := meta[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
