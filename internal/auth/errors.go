package auth

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("incorrect username or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrUserNotFound       = errors.New("user not found")
	ErrAccountDisabled    = errors.New("account is disabled")
	ErrEmailNotVerified   = errors.New("email not verified")

	ErrStudentClassRequired = errors.New("students must specify their class level")
)

// CredentialsError is returned on a failed password check while the account
// is still below the lockout threshold. It matches ErrInvalidCredentials
// under errors.Is so callers never leak whether the identity exists.
type CredentialsError struct {
	RemainingAttempts int
}

func (e CredentialsError) Error() string {
	return fmt.Sprintf("incorrect username or password, %d attempts remaining", e.RemainingAttempts)
}

func (e CredentialsError) Is(target error) bool {
	return target == ErrInvalidCredentials
}

// LockedError is returned while an account lockout window is active.
type LockedError struct {
	Until time.Time
}

func (e LockedError) Error() string {
	return fmt.Sprintf("account locked, try again in %d minutes", e.RemainingMinutes())
}

func (e LockedError) RemainingMinutes() int {
	minutes := int(math.Ceil(time.Until(e.Until).Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

// PolicyError carries every password policy violation so the caller can fix
// them all at once.
type PolicyError struct {
	Violations []string
}

func (e PolicyError) Error() string {
	return "password policy violation: " + strings.Join(e.Violations, "; ")
}

// IdentityTakenError reports a registration conflict on email or username.
type IdentityTakenError struct {
	Field string
}

func (e IdentityTakenError) Error() string {
	if e.Field == "email" {
		return "email already registered"
	}
	return "username already taken"
}

// RoleNotAllowedError rejects self-registration of privileged roles.
type RoleNotAllowedError struct {
	Role Role
}

func (e RoleNotAllowedError) Error() string {
	if e.Role == RoleAdmin {
		return "admin accounts cannot be created through registration"
	}
	return "teachers must be added by an administrator"
}
