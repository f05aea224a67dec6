package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"

	"observatorio/internal/domain"
	"observatorio/internal/repo"
)

// ErrInvalidCredentials covers unknown logins, wrong passwords and wrong or
// expired one-time codes.
var ErrInvalidCredentials = errors.New("invalid credentials")

// NoAccessError indicates an identity without a usable profile.
type NoAccessError struct {
	UserID string
}

func (e NoAccessError) Error() string {
	return fmt.Sprintf("user %s has no access to the system", e.UserID)
}

const codeDigits = 6

// HashSecret returns a bcrypt digest of a password or one-time code.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret required")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CompareSecret reports whether secret matches the bcrypt digest.
func CompareSecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// GenerateCode returns a random numeric one-time code.
func GenerateCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < codeDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n), nil
}

// Service resolves profiles for authenticated identities.
type Service struct {
	Repo repo.Repo
}

// Profiles returns the profiles granted to a user. Users are issued a single
// profile; inactive users and unknown roles have none.
func (s Service) Profiles(ctx context.Context, userID string) ([]domain.Role, error) {
	u, err := s.Repo.GetUser(ctx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, NoAccessError{UserID: userID}
	}
	if err != nil {
		return nil, err
	}
	if !u.Active || !u.Role.Valid() {
		return nil, NoAccessError{UserID: userID}
	}
	return []domain.Role{u.Role}, nil
}

// Role returns the single profile of a user.
func (s Service) Role(ctx context.Context, userID string) (domain.Role, error) {
	profiles, err := s.Profiles(ctx, userID)
	if err != nil {
		return "", err
	}
	return profiles[0], nil
}
