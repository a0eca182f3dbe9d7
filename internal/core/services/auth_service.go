package services

import (
	"errors"
	"time"

	"rillcall/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// AuthService issues and checks the tokens participants present to the relay.
type AuthService interface {
	GenerateToken(participant domain.ParticipantID) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	TokenTTL() time.Duration
}

type Claims struct {
	ParticipantID domain.ParticipantID `json:"participant_id"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret []byte
	issuer    string
	tokenTTL  time.Duration
}

// NewAuthService creates an HS256 token service.
func NewAuthService(jwtSecret, issuer string, tokenTTL time.Duration) AuthService {
	return &authService{
		jwtSecret: []byte(jwtSecret),
		issuer:    issuer,
		tokenTTL:  tokenTTL,
	}
}

func (s *authService) GenerateToken(participant domain.ParticipantID) (string, error) {
	now := time.Now()
	claims := &Claims{
		ParticipantID: participant,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(participant),
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ParticipantID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *authService) TokenTTL() time.Duration {
	return s.tokenTTL
}
