// Package users stores console accounts and groups.
package users

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrUserExists     = errors.New("user already exists")
	ErrUserValidation = errors.New("invalid user")
	ErrGroupNotFound  = errors.New("group not found")
	ErrGroupExists    = errors.New("group already exists")
	ErrAccountLocked  = errors.New("account locked")
	ErrProtected      = errors.New("protected entry")
	ErrWeakPassword   = errors.New("password does not meet policy")
)

// Roles.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleUser     = "user"
)

// Authentication sources.
const (
	SourceLocal = "local"
	SourceLDAP  = "ldap"
)

// AdminUsername is the protected bootstrap account.
const AdminUsername = "admin"

const (
	MaxFailedAttempts = 5
	LockoutDuration   = 15 * time.Minute
	minPasswordLength = 8
)

// bcryptCost is the work factor used when hashing passwords.
// Tests lower it to keep runs fast.
var bcryptCost = bcrypt.DefaultCost

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._@-]{2,63}$`)

// User is an account row. PasswordHash never leaves the server.
type User struct {
	ID             int64    `json:"id"`
	Username       string   `json:"username"`
	PasswordHash   string   `json:"-"`
	Email          string   `json:"email"`
	FullName       string   `json:"fullName"`
	Role           string   `json:"role"`
	Active         bool     `json:"isActive"`
	AuthSource     string   `json:"authSource"`
	FailedAttempts int      `json:"failedAttempts"`
	LockedUntil    int64    `json:"lockedUntil,omitempty"`
	LastLogin      int64    `json:"lastLogin,omitempty"`
	CreatedAt      int64    `json:"createdAt"`
	UpdatedAt      int64    `json:"updatedAt"`
	Groups         []string `json:"groups"`
}

// Locked reports whether the account is locked at now.
func (u User) Locked(now time.Time) bool {
	return u.LockedUntil > now.Unix()
}

// CreateRequest is the payload for a new account.
type CreateRequest struct {
	Username   string   `json:"username"`
	Password   string   `json:"password"`
	Email      string   `json:"email"`
	FullName   string   `json:"fullName"`
	Role       string   `json:"role"`
	Active     *bool    `json:"isActive"`
	AuthSource string   `json:"-"`
	Groups     []string `json:"groups"`
}

// UpdateRequest carries optional fields; nil leaves the stored value.
type UpdateRequest struct {
	Email    *string   `json:"email"`
	FullName *string   `json:"fullName"`
	Role     *string   `json:"role"`
	Active   *bool     `json:"isActive"`
	Groups   *[]string `json:"groups"`
}

// ValidRole reports whether role is known.
func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleOperator, RoleUser:
		return true
	}
	return false
}

// ValidateUsername checks the allowed username shape.
func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("%w: username must be 3-64 characters of letters, digits, '.', '_', '@' or '-'", ErrUserValidation)
	}
	return nil
}

// ValidatePassword enforces the local password policy.
func ValidatePassword(password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: at least %d characters required", ErrWeakPassword, minPasswordLength)
	}
	var upper, lower, digit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	var missing []string
	if !upper {
		missing = append(missing, "an uppercase letter")
	}
	if !lower {
		missing = append(missing, "a lowercase letter")
	}
	if !digit {
		missing = append(missing, "a digit")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: must contain %s", ErrWeakPassword, strings.Join(missing, ", "))
	}
	return nil
}

// HashPassword returns the bcrypt hash of plain.
func HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword compares plain against a stored hash.
func CheckPassword(hash, plain string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// GeneratePassword returns a random password that satisfies the policy.
func GeneratePassword() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "Ov1" + base64.RawURLEncoding.EncodeToString(b), nil
}
