package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"penlet-backend/internal/audit"
	"penlet-backend/internal/observability"
)

const (
	defaultMaxAttempts  = 5
	defaultLockDuration = 30 * time.Minute
)

// Store is the persistence surface the auth flows depend on. The production
// implementation is *Repository; tests use an in-memory fake.
type Store interface {
	GetUserByIdentity(ctx context.Context, identity string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	CreateUser(ctx context.Context, user User) (User, error)
	RecordLoginSuccess(ctx context.Context, userID string, now time.Time) error
	RecordLoginFailure(ctx context.Context, userID string, maxAttempts int, lockFor time.Duration, now time.Time) (FailureOutcome, error)
	Unlock(ctx context.Context, userID string) error
	SaveResetToken(ctx context.Context, userID, tokenID string, expiresAt time.Time) error
	ResetPassword(ctx context.Context, tokenID, userID, passwordHash string, now time.Time) error
}

// Service orchestrates registration, login with lockout, token refresh and
// password reset. All user-facing failures are the typed errors in errors.go;
// anything else is an infrastructure fault for the handler to report
// generically.
type Service struct {
	store  Store
	hasher *Hasher
	policy Policy
	codec  *Codec
	audit  audit.Sink
	logger *observability.Logger

	maxAttempts   int
	lockDuration  time.Duration
	verifiedEmail bool

	now func() time.Time
}

func NewService(store Store, hasher *Hasher, policy Policy, codec *Codec, sink audit.Sink, logger *observability.Logger) *Service {
	return &Service{
		store:        store,
		hasher:       hasher,
		policy:       policy,
		codec:        codec,
		audit:        sink,
		logger:       logger,
		maxAttempts:  defaultMaxAttempts,
		lockDuration: defaultLockDuration,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithSecurityConfig(maxAttempts int, lockDuration time.Duration) *Service {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if lockDuration > 0 {
		s.lockDuration = lockDuration
	}
	return s
}

// WithVerifiedEmailRequired makes login and registration enforce email
// verification. Off by default: verification delivery is an external
// collaborator, and accounts register as verified until it is wired.
func (s *Service) WithVerifiedEmailRequired(required bool) *Service {
	s.verifiedEmail = required
	return s
}

type RegisterInput struct {
	Email        string
	Username     string
	Password     string
	FirstName    string
	LastName     string
	Phone        string
	Role         Role
	StudentClass string
}

func (s *Service) Register(ctx context.Context, input RegisterInput, ip string) (User, error) {
	input.Email = strings.ToLower(strings.TrimSpace(input.Email))
	input.Username = strings.ToLower(strings.TrimSpace(input.Username))

	role := input.Role
	if role == "" {
		role = RoleStudent
	}
	if !role.Valid() || !role.SelfRegisterable() {
		return User{}, RoleNotAllowedError{Role: role}
	}

	if ok, violations := s.policy.Validate(input.Password); !ok {
		return User{}, PolicyError{Violations: violations}
	}

	if role == RoleStudent && strings.TrimSpace(input.StudentClass) == "" {
		return User{}, ErrStudentClassRequired
	}

	hash, err := s.hasher.Hash(input.Password)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, User{
		Email:        input.Email,
		Username:     input.Username,
		PasswordHash: hash,
		FirstName:    input.FirstName,
		LastName:     input.LastName,
		Phone:        strings.TrimSpace(input.Phone),
		Role:         role,
		StudentClass: input.StudentClass,
		IsActive:     true,
		IsVerified:   !s.verifiedEmail,
	})
	if err != nil {
		return User{}, err
	}

	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionUserRegistered,
		ResourceType: "user",
		ResourceID:   user.ID,
		ActorID:      user.ID,
		Detail:       string(role),
		IP:           ip,
	})
	s.logger.Info("user_registered", map[string]any{"username": user.Username, "role": string(role)})

	return user, nil
}

func (s *Service) Login(ctx context.Context, identity, password, ip string) (Tokens, User, error) {
	identity = strings.ToLower(strings.TrimSpace(identity))
	if identity == "" || password == "" {
		return Tokens{}, User{}, ErrInvalidCredentials
	}

	now := s.now()

	user, err := s.store.GetUserByIdentity(ctx, identity)
	if err != nil {
		if err == ErrUserNotFound {
			// Same generic failure as a wrong password; unknown identities
			// must be indistinguishable from known ones.
			return Tokens{}, User{}, ErrInvalidCredentials
		}
		return Tokens{}, User{}, err
	}

	// Lock guard runs before any password verification.
	if user.IsLocked {
		if user.LockedUntil != nil && now.Before(*user.LockedUntil) {
			return Tokens{}, User{}, LockedError{Until: *user.LockedUntil}
		}
		if err := s.store.Unlock(ctx, user.ID); err != nil {
			return Tokens{}, User{}, err
		}
		user.IsLocked = false
		user.LockedUntil = nil
		user.FailedLoginAttempts = 0
	}

	ok, verifyErr := s.hasher.Verify(password, user.PasswordHash)
	if verifyErr != nil {
		s.logger.Warn("password_hash_unreadable", map[string]any{"user_id": user.ID, "error": verifyErr.Error()})
	}
	if !ok {
		outcome, failErr := s.store.RecordLoginFailure(ctx, user.ID, s.maxAttempts, s.lockDuration, now)
		if failErr != nil {
			return Tokens{}, User{}, failErr
		}
		if outcome.Locked {
			s.audit.Record(ctx, audit.Event{
				Action:       audit.ActionAccountLocked,
				ResourceType: "user",
				ResourceID:   user.ID,
				ActorID:      user.ID,
				Outcome:      "failure",
				Detail:       "max_failed_attempts",
				IP:           ip,
			})
			return Tokens{}, User{}, LockedError{Until: outcome.LockedUntil}
		}
		return Tokens{}, User{}, CredentialsError{RemainingAttempts: outcome.RemainingAttempts}
	}

	if err := s.store.RecordLoginSuccess(ctx, user.ID, now); err != nil {
		return Tokens{}, User{}, err
	}

	if !user.IsActive {
		return Tokens{}, User{}, ErrAccountDisabled
	}
	if s.verifiedEmail && !user.IsVerified {
		return Tokens{}, User{}, ErrEmailNotVerified
	}

	tokens, err := s.issueTokens(user)
	if err != nil {
		return Tokens{}, User{}, err
	}

	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionUserLogin,
		ResourceType: "user",
		ResourceID:   user.ID,
		ActorID:      user.ID,
		IP:           ip,
	})
	s.logger.Info("user_login", map[string]any{"username": user.Username})

	return tokens, user, nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	claims, err := s.codec.Decode(strings.TrimSpace(refreshToken))
	if err != nil || claims.Type != TokenTypeRefresh {
		return Tokens{}, ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		return Tokens{}, err
	}
	if !user.IsActive {
		return Tokens{}, ErrUserNotFound
	}

	return s.issueTokens(user)
}

// Logout is purely an audit event: tokens stay valid until natural expiry
// because the codec is stateless.
func (s *Service) Logout(ctx context.Context, user User, ip string) {
	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionUserLogout,
		ResourceType: "user",
		ResourceID:   user.ID,
		ActorID:      user.ID,
		IP:           ip,
	})
}

// RequestPasswordReset issues a reset token for the account behind email and
// persists its ID for single-use tracking. The returned token is empty when
// no account matches; the HTTP layer replies identically either way so the
// endpoint cannot be used to enumerate accounts.
func (s *Service) RequestPasswordReset(ctx context.Context, email, ip string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if err == ErrUserNotFound {
			return "", nil
		}
		return "", err
	}

	token, err := s.codec.IssuePasswordReset(user.Email)
	if err != nil {
		return "", fmt.Errorf("issue reset token: %w", err)
	}
	claims, err := s.codec.Decode(token)
	if err != nil {
		return "", fmt.Errorf("decode issued reset token: %w", err)
	}
	if err := s.store.SaveResetToken(ctx, user.ID, claims.ID, claims.ExpiresAt.Time); err != nil {
		return "", err
	}

	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionResetRequested,
		ResourceType: "user",
		ResourceID:   user.ID,
		IP:           ip,
	})
	// Mail delivery is an external collaborator; hand-off is logged only.
	s.logger.Info("password_reset_requested", map[string]any{"user_id": user.ID})

	return token, nil
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword, ip string) error {
	claims, err := s.codec.Decode(strings.TrimSpace(token))
	if err != nil || claims.Type != TokenTypePasswordReset {
		return ErrInvalidToken
	}

	if ok, violations := s.policy.Validate(newPassword); !ok {
		return PolicyError{Violations: violations}
	}

	user, err := s.store.GetUserByEmail(ctx, claims.Subject)
	if err != nil {
		return err
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if err := s.store.ResetPassword(ctx, claims.ID, user.ID, hash, s.now()); err != nil {
		return err
	}

	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionPasswordReset,
		ResourceType: "user",
		ResourceID:   user.ID,
		ActorID:      user.ID,
		IP:           ip,
	})
	s.logger.Info("password_reset_completed", map[string]any{"user_id": user.ID})

	return nil
}

// CurrentUser resolves a bearer access token to an account and enforces its
// status flags. Used by the request middleware.
func (s *Service) CurrentUser(ctx context.Context, token string) (User, error) {
	claims, err := s.codec.Decode(token)
	if err != nil || claims.Type != TokenTypeAccess {
		return User{}, ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		return User{}, err
	}

	if !user.IsActive {
		return User{}, ErrAccountDisabled
	}
	if user.IsLocked {
		if user.LockedUntil != nil && s.now().Before(*user.LockedUntil) {
			return User{}, LockedError{Until: *user.LockedUntil}
		}
		if err := s.store.Unlock(ctx, user.ID); err != nil {
			return User{}, err
		}
		user.IsLocked = false
		user.LockedUntil = nil
		user.FailedLoginAttempts = 0
	}

	return user, nil
}

func (s *Service) issueTokens(user User) (Tokens, error) {
	access, err := s.codec.IssueAccess(user.ID, user.Role)
	if err != nil {
		return Tokens{}, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := s.codec.IssueRefresh(user.ID)
	if err != nil {
		return Tokens{}, fmt.Errorf("issue refresh token: %w", err)
	}

	return Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.codec.AccessTTL().Seconds()),
	}, nil
}
