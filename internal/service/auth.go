// Package service holds the credential logic shared by the HTTP and
// WebSocket surfaces.
package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors for the auth service.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrJWTSecretMissing   = errors.New("auth: JWT_SECRET not configured")
	ErrMissingVehicle     = errors.New("auth: reporter token requires a vehicle id")
)

// Roles carried in tokens.
const (
	RoleReporter = "reporter"
	RoleViewer   = "viewer"
	RoleAdmin    = "admin"
)

const issuer = "qapac-tracker"

// ReporterClaims are the JWT claims embedded in access tokens. A reporter
// token is bound to exactly one vehicle.
type ReporterClaims struct {
	jwt.RegisteredClaims
	DriverID  string `json:"driver_id,omitempty"`
	VehicleID string `json:"vehicle_id,omitempty"`
	Role      string `json:"role"`
}

// AuthService issues and validates bearer tokens.
type AuthService struct {
	jwtSecret []byte
	accessTTL time.Duration
	now       func() time.Time
}

// NewAuthService creates an AuthService signing with jwtSecret.
func NewAuthService(jwtSecret string, accessTTL time.Duration) *AuthService {
	return &AuthService{jwtSecret: []byte(jwtSecret), accessTTL: accessTTL, now: time.Now}
}

// IssueToken signs an access token for the given identity.
func (s *AuthService) IssueToken(driverID, vehicleID, role string) (string, error) {
	if len(s.jwtSecret) == 0 {
		return "", ErrJWTSecretMissing
	}
	if role == RoleReporter && vehicleID == "" {
		return "", ErrMissingVehicle
	}

	now := s.now()
	subject := driverID
	if subject == "" {
		subject = vehicleID
	}
	claims := ReporterClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			Issuer:    issuer,
		},
		DriverID:  driverID,
		VehicleID: vehicleID,
		Role:      role,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign access token: %w", err)
	}
	return token, nil
}

// ValidateAccessToken parses and validates an access token, returning the claims.
func (s *AuthService) ValidateAccessToken(tokenString string) (*ReporterClaims, error) {
	if len(s.jwtSecret) == 0 {
		return nil, ErrJWTSecretMissing
	}

	token, err := jwt.ParseWithClaims(tokenString, &ReporterClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("auth: parse access token: %w", err)
	}

	claims, ok := token.Claims.(*ReporterClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidCredentials
	}
	if claims.Role == RoleReporter && claims.VehicleID == "" {
		return nil, ErrMissingVehicle
	}
	return claims, nil
}
