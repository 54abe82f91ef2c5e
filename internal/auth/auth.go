// Package auth issues and verifies access tokens and owns password
// hashing. It implements the user-identity contract the session engine
// consumes: a token either resolves to a user or the caller is
// unauthenticated.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/mitchellvdhut/quizzap/internal/permission"
	"github.com/mitchellvdhut/quizzap/internal/store"
)

var (
	ErrUnauthenticated    = errors.New("auth: unauthenticated")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrUsernameTaken      = errors.New("auth: username already taken")
)

// UserSource is the slice of the store the auth service needs.
type UserSource interface {
	UserByUsername(ctx context.Context, username string) (*store.User, error)
	UserByID(ctx context.Context, userID uint) (*store.User, error)
	CreateUser(ctx context.Context, user *store.User) error
}

type Service struct {
	users  UserSource
	secret []byte
	ttl    time.Duration
}

func NewService(users UserSource, secret string, ttl time.Duration) *Service {
	return &Service{users: users, secret: []byte(secret), ttl: ttl}
}

// Register creates a user with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, username, password string) (*store.User, error) {
	if _, err := s.users.UserByUsername(ctx, username); err == nil {
		return nil, ErrUsernameTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := &store.User{Username: username, Password: string(hash)}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Login verifies the password and returns a signed access token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.users.UserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}
	return s.issue(user.ID)
}

func (s *Service) issue(userID uint) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatUint(uint64(userID), 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// UserFromToken resolves an access token to its user, or fails with
// ErrUnauthenticated.
func (s *Service) UserFromToken(ctx context.Context, accessToken string) (*store.User, error) {
	if accessToken == "" {
		return nil, ErrUnauthenticated
	}

	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(accessToken, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, ErrUnauthenticated
	}

	userID, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	user, err := s.users.UserByID(ctx, uint(userID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	return user, nil
}

// IsAuthenticated is the permission check for a valid access token.
func (s *Service) IsAuthenticated() permission.Expr {
	return permission.NewCheck("IsAuthenticated", func(ctx context.Context, pc permission.Context) bool {
		_, err := s.UserFromToken(ctx, pc.AccessToken)
		return err == nil
	})
}

// IsAdmin is the permission check for the user admin flag.
func (s *Service) IsAdmin() permission.Expr {
	return permission.NewCheck("IsAdmin", func(ctx context.Context, pc permission.Context) bool {
		user, err := s.UserFromToken(ctx, pc.AccessToken)
		return err == nil && user.IsAdmin
	})
}
