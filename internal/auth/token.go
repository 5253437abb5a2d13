package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"page-collab/internal/models"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken  = errors.New("authentication token is required")
	ErrInvalidToken  = errors.New("invalid authentication token")
	ErrExpiredToken  = errors.New("authentication token has expired")
	ErrMissingClaims = errors.New("authentication token is missing user claims")
)

// Verifier checks HMAC-signed tokens issued by the external identity service.
// Tokens carry user_id and name claims plus iat/exp.
type Verifier struct {
	secret []byte
	method jwtlib.SigningMethod
	leeway time.Duration
}

func NewVerifier(secret []byte, alg string) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("token secret must not be empty")
	}
	method, err := signingMethod(alg)
	if err != nil {
		return nil, err
	}
	return &Verifier{secret: secret, method: method, leeway: 5 * time.Second}, nil
}

// Verify validates signature, algorithm and expiry and returns the identity
// carried by the token. Errors are one of the sentinels above, possibly wrapped.
func (v *Verifier) Verify(token string) (models.UserInfo, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return models.UserInfo{}, ErrMissingToken
	}

	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwtlib.WithValidMethods([]string{v.method.Alg()}),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithIssuedAt(),
		jwtlib.WithLeeway(v.leeway),
	)
	if err != nil {
		if errors.Is(err, jwtlib.ErrTokenExpired) {
			return models.UserInfo{}, ErrExpiredToken
		}
		return models.UserInfo{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return models.UserInfo{}, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return models.UserInfo{}, ErrInvalidToken
	}

	userID := claimString(claims, "user_id")
	if userID == "" {
		userID = claimString(claims, "sub")
	}
	if userID == "" {
		return models.UserInfo{}, ErrMissingClaims
	}

	return models.UserInfo{ID: userID, Name: claimString(claims, "name")}, nil
}

// claimString reads a claim that the issuer may encode as a string or a
// number (numeric database ids).
func claimString(claims jwtlib.MapClaims, key string) string {
	switch v := claims[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
