package chat

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

type Identity struct {
	UserId    Id
	ExpiresAt time.Time
}

// the signature is not verified. The backend owns validation,
// the client only needs the subject to highlight its own reactions.
func ParseIdentityUnverified(jwt string) (*Identity, error) {
	parser := gojwt.NewParser()
	claims := gojwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(jwt, claims); err != nil {
		return nil, err
	}

	identity := &Identity{}

	sub, ok := claims["sub"]
	if !ok {
		return nil, errors.New("Token does not have a sub.")
	}
	switch v := sub.(type) {
	case string:
		identity.UserId = Id(v)
	case float64:
		identity.UserId = Id(strconv.FormatFloat(v, 'f', -1, 64))
	default:
		return nil, fmt.Errorf("Token has invalid sub (%T).", v)
	}
	if identity.UserId.IsZero() {
		return nil, errors.New("Token has an empty sub.")
	}

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		identity.ExpiresAt = exp.Time
	}

	return identity, nil
}

func (self *Identity) Expired(now time.Time) bool {
	return !self.ExpiresAt.IsZero() && self.ExpiresAt.Before(now)
}
