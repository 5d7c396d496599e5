package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"duo-sync-backend/internal/models"
	"duo-sync-backend/internal/repository"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const jwtExpDays = 365

// UserService handles identity and profile logic
type UserService struct {
	userRepo  *repository.UserRepository
	jwtSecret string
	now       func() time.Time
}

// NewUserService creates a new user service
func NewUserService(userRepo *repository.UserRepository, jwtSecret string) *UserService {
	return &UserService{
		userRepo:  userRepo,
		jwtSecret: jwtSecret,
		now:       time.Now,
	}
}

// GenerateJWT generates a JWT token for a user
func (s *UserService) GenerateJWT(userID string) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     now.AddDate(0, 0, jwtExpDays).Unix(),
		"iat":     now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// ValidateJWT validates a JWT token and returns the user ID
func (s *UserService) ValidateJWT(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid token claims")
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", errors.New("user_id not found in token")
	}
	return userID, nil
}

// CreateUser creates a new anonymous user and returns it with its token
func (s *UserService) CreateUser(ctx context.Context, name string) (*models.UserProfile, string, error) {
	userID := uuid.New().String()

	token, err := s.GenerateJWT(userID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate token: %w", err)
	}

	user := &models.UserProfile{
		ID:        userID,
		Name:      strings.TrimSpace(name),
		CreatedAt: s.now().UnixMilli(),
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// GetProfile returns the caller's profile
func (s *UserService) GetProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, translate(err)
	}
	return user, nil
}

// UpdateName changes the display name
func (s *UserService) UpdateName(ctx context.Context, userID, name string) (*models.UserProfile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("name is empty: %w", ErrInvalidInput)
	}
	if err := s.userRepo.UpdateName(ctx, userID, name); err != nil {
		return nil, translate(err)
	}
	return s.GetProfile(ctx, userID)
}

// UpdatePushToken stores the device push token; an empty token removes it
func (s *UserService) UpdatePushToken(ctx context.Context, userID, token string) error {
	var value *string
	if token = strings.TrimSpace(token); token != "" {
		value = &token
	}
	if err := s.userRepo.UpdatePushToken(ctx, userID, value); err != nil {
		return translate(err)
	}
	return nil
}
