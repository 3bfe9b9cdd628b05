package user

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/valyala/fasthttp"
)

type UserService struct {
	config Config
}

func NewUserService(config Config) *UserService {
	if config.DefaultTier == "" {
		config.DefaultTier = "free"
	}
	return &UserService{config: config}
}

// ValidateCredentialFromRequest accepts either a bearer session token or an
// X-Access-Token header.
func (us *UserService) ValidateCredentialFromRequest(ctx *fasthttp.RequestCtx) (*User, error) {
	if accessToken := ctx.Request.Header.Peek(headerAccessToken); len(accessToken) > 0 {
		return us.ValidateAccessToken(string(accessToken))
	}

	authHeader := ctx.Request.Header.Peek(headerAuthorization)
	if authHeader == nil {
		return nil, fmt.Errorf("%w: missing authorization header", ErrInvalidCredential)
	}

	token, err := extractBearerToken(string(authHeader))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	return us.Verify(token)
}

// Verify resolves a token to its owner and tier. Session tokens are tried
// first; bearer access tokens are accepted as a fallback.
func (us *UserService) Verify(token string) (*User, error) {
	user, sessionErr := us.ValidateJWT(token)
	if sessionErr == nil {
		return user, nil
	}
	if us.config.AccessTokenSecret == "" {
		return nil, sessionErr
	}
	user, err := us.ValidateAccessToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: not a valid session or access token", ErrInvalidCredential)
	}
	return user, nil
}

func (us *UserService) ValidateJWT(tokenString string) (*User, error) {
	if us.config.SessionSecret == "" {
		return nil, fmt.Errorf("%w: session tokens are not configured", ErrInvalidCredential)
	}

	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(us.config.SessionSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(timeNowFunc))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: invalid token", ErrInvalidCredential)
	}

	return &User{
		ID:         claims.Subject,
		Tier:       us.tierOrDefault(claims.Tier),
		Credential: CredentialSession,
	}, nil
}

func (us *UserService) ValidateAccessToken(token string) (*User, error) {
	if us.config.AccessTokenSecret == "" {
		return nil, fmt.Errorf("%w: access tokens are not configured", ErrInvalidCredential)
	}

	payload, err := jws.Verify([]byte(token), jws.WithKey(jwa.HS256(), []byte(us.config.AccessTokenSecret)))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to verify access token: %v", ErrInvalidCredential, err)
	}

	var claims accessTokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal access token claims: %v", ErrInvalidCredential, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: access token has no subject", ErrInvalidCredential)
	}
	if claims.ExpiresAt != 0 && time.Unix(claims.ExpiresAt, 0).Before(timeNowFunc()) {
		return nil, fmt.Errorf("%w: access token has expired", ErrInvalidCredential)
	}

	return &User{
		ID:         claims.Subject,
		Tier:       us.tierOrDefault(claims.Tier),
		Credential: CredentialAccessToken,
	}, nil
}

func (us *UserService) tierOrDefault(tier string) string {
	if tier == "" {
		return us.config.DefaultTier
	}
	return tier
}
