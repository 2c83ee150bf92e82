package auth

import "time"

type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return true
	}
	return false
}

// SelfRegisterable reports whether an account with this role may be created
// through the public registration endpoint. Teachers and admins are
// provisioned by an administrator.
func (r Role) SelfRegisterable() bool {
	return r == RoleStudent
}

func (r Role) In(roles ...Role) bool {
	for _, allowed := range roles {
		if r == allowed {
			return true
		}
	}
	return false
}

type User struct {
	ID           string
	Email        string
	Username     string
	PasswordHash string

	FirstName string
	LastName  string
	Phone     string

	Role         Role
	StudentClass string

	IsActive   bool
	IsVerified bool
	IsLocked   bool

	FailedLoginAttempts int
	LockedUntil         *time.Time
	LastLogin           *time.Time
	PasswordChangedAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// FailureOutcome is the result of recording a failed login attempt against a
// user row. Exactly one of Locked/RemainingAttempts is meaningful.
type FailureOutcome struct {
	Locked            bool
	LockedUntil       time.Time
	RemainingAttempts int
}
