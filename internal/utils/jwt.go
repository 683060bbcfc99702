package utils

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Caller is the sliver of "authenticated user" the crypto core
// actually touches: which owner and which of their devices is making
// the call. Everything else about a session — how it was issued, how
// long it lasts, whether it can be revoked — belongs to the external
// collaborator that actually authenticates callers.
type Caller struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	DeviceID int    `json:"device_id"`
}

// JWTService resolves a bearer token into a Caller. It never issues
// tokens: that is the external auth collaborator's job, per the
// Boundary's own scope.
type JWTService struct {
	secretKey []byte
}

// NewJWTService builds a JWTService that verifies tokens signed with
// secretKey.
func NewJWTService(secretKey string) *JWTService {
	return &JWTService{secretKey: []byte(secretKey)}
}

// ResolveCaller validates tokenString and returns the (userID,
// deviceID) pair it asserts.
func (j *JWTService) ResolveCaller(tokenString string) (uuid.UUID, int, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Caller{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return j.secretKey, nil
	})
	if err != nil {
		return uuid.Nil, 0, err
	}

	caller, ok := token.Claims.(*Caller)
	if !ok || !token.Valid {
		return uuid.Nil, 0, errors.New("invalid token")
	}

	userID, err := uuid.Parse(caller.UserID)
	if err != nil {
		return uuid.Nil, 0, errors.New("invalid token subject")
	}

	return userID, caller.DeviceID, nil
}
