package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	// RoleTagExpiration is the lifetime of a role tag token.
	RoleTagExpiration = 24 * time.Hour

	// TokenIssuer identifies the issuer of the token.
	TokenIssuer = "relaychat"
)

var (
	ErrTokenInvalid    = errors.New("role tag is invalid")
	ErrTokenExpired    = errors.New("role tag has expired")
	ErrTokenIncomplete = errors.New("role tag is missing identity or role")
)

// IssueRoleTag signs a role tag for a registered participant, valid for RoleTagExpiration.
func IssueRoleTag(id, role, secretKey string) (string, error) {
	return GenerateToken(&Payload{ID: id, Role: role}, secretKey, RoleTagExpiration)
}

// GenerateToken signs payload with HS256. The standard claims are overwritten: the subject is
// the participant identity and the token expires after duration.
func GenerateToken(payload *Payload, secretKey string, duration time.Duration) (string, error) {
	now := time.Now()

	payload.StandardClaims = jwt.StandardClaims{
		Subject:   payload.ID,
		ExpiresAt: now.Add(duration).Unix(),
		IssuedAt:  now.Unix(),
		Issuer:    TokenIssuer,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, payload).SignedString([]byte(secretKey))
	if err != nil {
		return "", fmt.Errorf("sign role tag: %w", err)
	}
	return signed, nil
}

// ParseToken verifies tokenString against secretKey and returns its payload.
// Failures wrap ErrTokenExpired, ErrTokenIncomplete or ErrTokenInvalid.
func ParseToken(tokenString string, secretKey string) (*Payload, error) {
	claims := &Payload{}

	_, err := jwt.ParseWithClaims(tokenString, claims, hmacKey(secretKey))
	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if claims.ID == "" || claims.Role == "" {
		return nil, ErrTokenIncomplete
	}

	return claims, nil
}

func hmacKey(secretKey string) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(secretKey), nil
	}
}
