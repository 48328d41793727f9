package chat

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func testToken(t *testing.T, claims gojwt.MapClaims) string {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte("test"))
	assert.Equal(t, err, nil)
	return tokenString
}

func TestParseIdentityUnverified(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	identity, err := ParseIdentityUnverified(testToken(t, gojwt.MapClaims{
		"sub": "42",
		"exp": exp.Unix(),
	}))
	assert.Equal(t, err, nil)
	assert.Equal(t, identity.UserId, Id("42"))
	assert.Equal(t, identity.ExpiresAt.Unix(), exp.Unix())
	assert.Equal(t, identity.Expired(time.Now()), false)
	assert.Equal(t, identity.Expired(exp.Add(time.Second)), true)

	// numeric sub
	identity, err = ParseIdentityUnverified(testToken(t, gojwt.MapClaims{
		"sub": 7,
	}))
	assert.Equal(t, err, nil)
	assert.Equal(t, identity.UserId, Id("7"))
	assert.Equal(t, identity.Expired(time.Now()), false)

	_, err = ParseIdentityUnverified(testToken(t, gojwt.MapClaims{
		"name": "no sub",
	}))
	assert.NotEqual(t, err, nil)

	_, err = ParseIdentityUnverified(testToken(t, gojwt.MapClaims{
		"sub": "",
	}))
	assert.NotEqual(t, err, nil)

	_, err = ParseIdentityUnverified("not.a.token")
	assert.NotEqual(t, err, nil)
}
