package services

import (
	"errors"
	"fmt"
	"time"

	"confhammer/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// AuthService produces the login material of each simulated participant.
type AuthService interface {
	Credentials(nickname string) (domain.Credentials, error)
}

// TokenUser is the user context of a room token.
type TokenUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TokenContext is the "context" claim of a room token.
type TokenContext struct {
	User TokenUser `json:"user"`
}

// Claims are the claims of a room token as verified by the server's token
// authentication module.
type Claims struct {
	Room    string       `json:"room"`
	Context TokenContext `json:"context"`
	jwt.RegisteredClaims
}

// AuthConfig selects the login mode.
type AuthConfig struct {
	Mode      domain.AuthMode
	Username  string
	Password  string
	AppID     string
	AppSecret string
	TokenTTL  time.Duration
	Domain    string
	Room      string
}

type authService struct {
	cfg AuthConfig
	now func() time.Time
}

func NewAuthService(cfg AuthConfig) AuthService {
	return &authService{cfg: cfg, now: time.Now}
}

func (s *authService) Credentials(nickname string) (domain.Credentials, error) {
	switch s.cfg.Mode {
	case domain.AuthPlain:
		return domain.Credentials{
			Mode:     domain.AuthPlain,
			Username: s.cfg.Username,
			Password: s.cfg.Password,
		}, nil
	case domain.AuthJWT:
		token, err := s.GenerateToken(nickname)
		if err != nil {
			return domain.Credentials{}, fmt.Errorf("generate room token: %w", err)
		}
		return domain.Credentials{Mode: domain.AuthJWT, Token: token}, nil
	default:
		return domain.Credentials{Mode: domain.AuthAnonymous}, nil
	}
}

// GenerateToken signs a room token for nickname.
func (s *authService) GenerateToken(nickname string) (string, error) {
	now := s.now()
	claims := &Claims{
		Room: s.cfg.Room,
		Context: TokenContext{
			User: TokenUser{ID: uuid.NewString(), Name: nickname},
		},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.AppID,
			Subject:   s.cfg.Domain,
			Audience:  jwt.ClaimStrings{"jitsi"},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.AppSecret))
}

// ValidateToken parses a room token signed with secret.
func ValidateToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}
