package user

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	headerAuthorization = "Authorization"
	headerAccessToken   = "X-Access-Token"
	headerBearer        = "Bearer"

	CredentialSession     = "session"
	CredentialAccessToken = "access_token"
)

var ErrInvalidCredential = errors.New("invalid credential")

// User is the verified identity behind a request. Tier selects the plan
// limits applied to uploads.
type User struct {
	ID         string `json:"id"`
	Tier       string `json:"tier"`
	Credential string `json:"-"`
}

type Config struct {
	SessionSecret     string `mapstructure:"session_secret"`
	AccessTokenSecret string `mapstructure:"access_token_secret"`
	DefaultTier       string `mapstructure:"default_tier"`
}

// JWTClaims are the claims carried by browser session tokens. The owner id is
// the registered subject.
type JWTClaims struct {
	Tier string `json:"tier,omitempty"`
	jwt.RegisteredClaims
}

// accessTokenClaims is the JWS payload of long-lived API access tokens.
type accessTokenClaims struct {
	Subject   string `json:"sub"`
	Tier      string `json:"tier,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

var timeNowFunc = time.Now

func extractBearerToken(authHeader string) (string, error) {
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != headerBearer || parts[1] == "" {
		return "", fmt.Errorf("invalid Authorization header format")
	}
	return parts[1], nil
}
