package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTManager signs and validates the bearer tokens presented at the realtime
// handshake and on the REST API. Issuing tokens for real accounts belongs to
// the external login service; GenerateToken exists for that service and for
// development tooling.
type JWTManager struct {
	keys      map[string]string // kid -> HMAC secret
	activeKID string            // kid used for new tokens
	duration  time.Duration     // token validity
}

// Claims is the custom JWT payload. The subject is the messenger user id.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// legacyKID is used when the manager is built from a single secret.
const legacyKID = "default"

// NewJWTManager returns a manager that signs and verifies with one secret.
func NewJWTManager(secretKey string, duration time.Duration) *JWTManager {
	return NewJWTManagerFromKeys(map[string]string{legacyKID: secretKey}, legacyKID, duration)
}

// NewJWTManagerFromKeys returns a manager that verifies tokens signed by any
// of keys (selected through the kid header) and signs new tokens with
// activeKID. Retired keys stay in the map until their tokens expire.
func NewJWTManagerFromKeys(keys map[string]string, activeKID string, duration time.Duration) *JWTManager {
	copied := make(map[string]string, len(keys))
	for kid, secret := range keys {
		copied[kid] = secret
	}
	if _, ok := copied[activeKID]; !ok {
		// Fall back to any configured key so the manager can still sign.
		for kid := range copied {
			activeKID = kid
			break
		}
	}
	return &JWTManager{keys: copied, activeKID: activeKID, duration: duration}
}

// GenerateToken issues a signed JWT for a user.
func (m *JWTManager) GenerateToken(userID string) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, errors.New("user id required")
	}
	secret, ok := m.keys[m.activeKID]
	if !ok {
		return "", time.Time{}, errors.New("no signing key configured")
	}

	now := time.Now()
	expiresAt := now.Add(m.duration)
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = m.activeKID

	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expiresAt, nil
}

// VerifyToken parses and validates a token and returns its claims.
func (m *JWTManager) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Only HMAC; rejects alg confusion with asymmetric or "none" tokens.
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			kid = legacyKID
		}
		secret, ok := m.keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value. A bare
// token without the scheme is accepted as well.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) >= 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}
