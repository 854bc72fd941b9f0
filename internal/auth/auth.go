package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/xtrntr/resale/internal/models"
	"github.com/xtrntr/resale/internal/store"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrUsernameTaken      = errors.New("username taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// TokenTTL is how long an issued token stays valid
const TokenTTL = 24 * time.Hour

// AuthService handles user authentication
type AuthService struct {
	users  store.UserStore
	secret []byte
	now    func() time.Time
}

// NewAuthService creates a new auth service signing tokens with secret
func NewAuthService(users store.UserStore, secret string) *AuthService {
	return &AuthService{users: users, secret: []byte(secret), now: time.Now}
}

// Register creates a new user with hashed password
func (s *AuthService) Register(ctx context.Context, username, password string) (*models.User, error) {
	// Validate input
	if username == "" {
		return nil, fmt.Errorf("username cannot be empty: %w", ErrInvalidInput)
	}
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty: %w", ErrInvalidInput)
	}
	if len(username) > 50 {
		return nil, fmt.Errorf("username too long (max 50 characters): %w", ErrInvalidInput)
	}
	// bcrypt only looks at the first 72 bytes
	if len(password) > 72 {
		return nil, fmt.Errorf("password too long (max 72 characters): %w", ErrInvalidInput)
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user, err := s.users.CreateUser(ctx, username, string(hashedPassword))
	if errors.Is(err, store.ErrDuplicate) {
		return nil, fmt.Errorf("%q: %w", username, ErrUsernameTaken)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Login verifies credentials and generates a JWT
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.users.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  user.ID,
		"username": user.Username,
		"exp":      s.now().Add(TokenTTL).Unix(),
	})
	return token.SignedString(s.secret)
}

// GetUserFromToken extracts the user ID from a JWT
func (s *AuthService) GetUserFromToken(tokenString string) (string, error) {
	userID, _, err := s.ParseToken(tokenString)
	return userID, err
}

// ParseToken validates a JWT and returns its user ID and username
func (s *AuthService) ParseToken(tokenString string) (string, string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", ErrInvalidToken
	}
	if exp, err := claims.GetExpirationTime(); err != nil || exp == nil {
		return "", "", fmt.Errorf("%w: missing exp", ErrInvalidToken)
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", "", fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	username, _ := claims["username"].(string)
	return userID, username, nil
}
