package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"penlet-backend/internal/audit"
	"penlet-backend/internal/observability"
)

// fakeStore is an in-memory Store with the same locking and single-use reset
// semantics as the Postgres repository.
type fakeStore struct {
	mu     sync.Mutex
	nextID int
	users  map[string]*User
	resets map[string]*fakeResetToken
}

type fakeResetToken struct {
	userID    string
	expiresAt time.Time
	usedAt    *time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:  make(map[string]*User),
		resets: make(map[string]*fakeResetToken),
	}
}

func (f *fakeStore) GetUserByIdentity(_ context.Context, identity string) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == identity || user.Username == identity {
			return *user, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == email {
			return *user, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user, ok := f.users[id]; ok {
		return *user, nil
	}
	return User{}, ErrUserNotFound
}

func (f *fakeStore) CreateUser(_ context.Context, user User) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, existing := range f.users {
		if existing.Email == user.Email {
			return User{}, IdentityTakenError{Field: "email"}
		}
		if existing.Username == user.Username {
			return User{}, IdentityTakenError{Field: "username"}
		}
	}

	f.nextID++
	user.ID = fmt.Sprintf("user-%d", f.nextID)
	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt
	stored := user
	f.users[user.ID] = &stored

	return user, nil
}

func (f *fakeStore) RecordLoginSuccess(_ context.Context, userID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	user, ok := f.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.FailedLoginAttempts = 0
	user.IsLocked = false
	user.LockedUntil = nil
	user.LastLogin = &now

	return nil
}

func (f *fakeStore) RecordLoginFailure(_ context.Context, userID string, maxAttempts int, lockFor time.Duration, now time.Time) (FailureOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	user, ok := f.users[userID]
	if !ok {
		return FailureOutcome{}, ErrUserNotFound
	}

	if user.IsLocked {
		if user.LockedUntil != nil && now.Before(*user.LockedUntil) {
			return FailureOutcome{Locked: true, LockedUntil: *user.LockedUntil}, nil
		}
		user.IsLocked = false
		user.LockedUntil = nil
		user.FailedLoginAttempts = 0
	}

	user.FailedLoginAttempts++
	if user.FailedLoginAttempts >= maxAttempts {
		until := now.Add(lockFor)
		user.IsLocked = true
		user.LockedUntil = &until
		user.FailedLoginAttempts = 0
		return FailureOutcome{Locked: true, LockedUntil: until}, nil
	}

	return FailureOutcome{RemainingAttempts: maxAttempts - user.FailedLoginAttempts}, nil
}

func (f *fakeStore) Unlock(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	user, ok := f.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.IsLocked = false
	user.LockedUntil = nil
	user.FailedLoginAttempts = 0

	return nil
}

func (f *fakeStore) SaveResetToken(_ context.Context, userID, tokenID string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets[tokenID] = &fakeResetToken{userID: userID, expiresAt: expiresAt}
	return nil
}

func (f *fakeStore) ResetPassword(_ context.Context, tokenID, userID, passwordHash string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	record, ok := f.resets[tokenID]
	if !ok || record.usedAt != nil || record.userID != userID || now.After(record.expiresAt) {
		return ErrInvalidToken
	}

	user, ok := f.users[userID]
	if !ok {
		return ErrUserNotFound
	}

	record.usedAt = &now
	user.PasswordHash = passwordHash
	user.PasswordChangedAt = &now
	user.FailedLoginAttempts = 0
	user.IsLocked = false
	user.LockedUntil = nil

	return nil
}

func (f *fakeStore) mustGet(t *testing.T, userID string) User {
	t.Helper()
	user, err := f.GetUserByID(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetUserByID(%s): %v", userID, err)
	}
	return user
}

func newTestService(t *testing.T) (*Service, *fakeStore) {
	t.Helper()

	store := newFakeStore()
	service := NewService(
		store,
		newTestHasher(t),
		DefaultPolicy(),
		NewCodec("test-secret", 30*time.Minute, 24*time.Hour),
		audit.NoopSink{},
		observability.NewLogger(),
	)

	return service, store
}

func seedUser(t *testing.T, service *Service, email, username, password string) User {
	t.Helper()

	user, err := service.Register(context.Background(), RegisterInput{
		Email:        email,
		Username:     username,
		Password:     password,
		FirstName:    "Test",
		LastName:     "User",
		Role:         RoleStudent,
		StudentClass: "10A",
	}, "127.0.0.1")
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}

	return user
}

func TestRegister(t *testing.T) {
	t.Parallel()
	service, store := newTestService(t)

	user, err := service.Register(context.Background(), RegisterInput{
		Email:        "Ana.Petrova@Example.COM",
		Username:     "AnaP",
		Password:     "Zq7!mWex",
		FirstName:    "Ana",
		LastName:     "Petrova",
		StudentClass: "10A",
	}, "127.0.0.1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if user.Email != "ana.petrova@example.com" {
		t.Errorf("email not normalized: %q", user.Email)
	}
	if user.Username != "anap" {
		t.Errorf("username not normalized: %q", user.Username)
	}
	if user.Role != RoleStudent {
		t.Errorf("role = %q, want default student", user.Role)
	}
	if !user.IsActive || !user.IsVerified {
		t.Errorf("new account flags: active=%v verified=%v", user.IsActive, user.IsVerified)
	}
	if user.PasswordHash == "Zq7!mWex" || user.PasswordHash == "" {
		t.Error("password must be stored hashed")
	}

	stored := store.mustGet(t, user.ID)
	if stored.Email != user.Email {
		t.Errorf("stored email = %q", stored.Email)
	}
}

func TestRegisterRejectsPrivilegedRoles(t *testing.T) {
	t.Parallel()
	service, _ := newTestService(t)

	for _, role := range []Role{RoleTeacher, RoleAdmin} {
		_, err := service.Register(context.Background(), RegisterInput{
			Email:    string(role) + "@example.com",
			Username: string(role),
			Password: "Zq7!mWex",
			Role:     role,
		}, "")
		var roleErr RoleNotAllowedError
		if !errors.As(err, &roleErr) {
			t.Fatalf("Register(%s): got %v, want RoleNotAllowedError", role, err)
		}
	}
}

func TestRegisterEnforcesPolicy(t *testing.T) {
	t.Parallel()
	service, _ := newTestService(t)

	_, err := service.Register(context.Background(), RegisterInput{
		Email:        "weak@example.com",
		Username:     "weak",
		Password:     "short",
		StudentClass: "10A",
	}, "")

	var policyErr PolicyError
	if !errors.As(err, &policyErr) {
		t.Fatalf("got %v, want PolicyError", err)
	}
	if len(policyErr.Violations) == 0 {
		t.Fatal("expected violations to be reported")
	}
}

func TestRegisterStudentClassRequired(t *testing.T) {
	t.Parallel()
	service, _ := newTestService(t)

	_, err := service.Register(context.Background(), RegisterInput{
		Email:    "student@example.com",
		Username: "student",
		Password: "Zq7!mWex",
		Role:     RoleStudent,
	}, "")
	if !errors.Is(err, ErrStudentClassRequired) {
		t.Fatalf("got %v, want ErrStudentClassRequired", err)
	}
}

func TestRegisterDuplicateIdentity(t *testing.T) {
	t.Parallel()
	service, _ := newTestService(t)
	seedUser(t, service, "ana@example.com", "ana", "Zq7!mWex")

	_, err := service.Register(context.Background(), RegisterInput{
		Email:        "ana@example.com",
		Username:     "other",
		Password:     "Zq7!mWex",
		StudentClass: "10A",
	}, "")

	var taken IdentityTakenError
	if !errors.As(err, &taken) {
		t.Fatalf("got %v, want IdentityTakenError", err)
	}
	if taken.Field != "email" {
		t.Errorf("conflict field = %q, want email", taken.Field)
	}
}

func TestLoginSuccess(t *testing.T) {
	t.Parallel()
	service, store := newTestService(t)
	seeded := seedUser(t, service, "ana@example.com", "ana", "Zq7!mWex")

	tokens, user, err := service.Login(context.Background(), "ANA@example.com", "Zq7!mWex", "127.0.0.1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if user.ID != seeded.ID {
		t.Errorf("user ID = %q, want %q", user.ID, seeded.ID)
	}
	if tokens.TokenType != "bearer" {
		t.Errorf("token type = %q", tokens.TokenType)
	}

	claims, err := service.codec.Decode(tokens.AccessToken)
	if err != nil {
		t.Fatalf("decode access token: %v", err)
	}
	if claims.Subject != seeded.ID || claims.Type != TokenTypeAccess {
		t.Errorf("access claims: sub=%q typ=%q", claims.Subject, claims.Type)
	}

	stored := store.mustGet(t, seeded.ID)
	if stored.LastLogin == nil {
		t.Error("expected last login to be recorded")
	}
}

func TestLoginUnknownIdentity(t *testing.T) {
	t.Parallel()
	service, _ := newTestService(t)

	_, _, err := service.Login(context.Background(), "ghost@example.com", "Zq7!mWex", "")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("got %v, want ErrInvalidCredentials", err)
	}

	// Unknown identities must not leak attempt counters.
	var creds CredentialsError
	if errors.As(err, &creds) {
		t.Fatal("unknown identity must return the bare credentials error")
	}
}

func TestLoginWrongPassword(t *testing.T) {
	t.Parallel()
	service, _ := newTestService(t)
	seedUser(t, service, "ana@example.com", "ana", "Zq7!mWex")

	_, _, err := service.Login(context.Background(), "ana", "wrong-pass", "")
	var creds CredentialsError
	if !errors.As(err, &creds) {
		t.Fatalf("got %v, want CredentialsError", err)
	}
	if creds.RemainingAttempts != 4 {
		t.Errorf("remaining attempts = %d, want 4", creds.RemainingAttempts)
	}
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Error("CredentialsError must match ErrInvalidCredentials")
	}
}

func TestLoginLockoutLifecycle(t *testing.T) {
	t.Parallel()
	service, store := newTestService(t)
	seeded := seedUser(t, service, "ana@example.com", "ana", "Zq7!mWex")

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return base }

	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _, err := service.Login(ctx, "ana", "wrong-pass", "")
		var creds CredentialsError
		if !errors.As(err, &creds) {
			t.Fatalf("attempt %d: got %v, want CredentialsError", i+1, err)
		}
		if creds.RemainingAttempts != 4-i {
			t.Fatalf("attempt %d: remaining = %d, want %d", i+1, creds.RemainingAttempts, 4-i)
		}
	}

	// Fifth failure trips the lock.
	_, _, err := service.Login(ctx, "ana", "wrong-pass", "")
	var locked LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("got %v, want LockedError", err)
	}
	if want := base.Add(30 * time.Minute); !locked.Until.Equal(want) {
		t.Errorf("locked until %v, want %v", locked.Until, want)
	}

	// The correct password is rejected while the lock is active.
	_, _, err = service.Login(ctx, "ana", "Zq7!mWex", "")
	if !errors.As(err, &locked) {
		t.Fatalf("login during lock: got %v, want LockedError", err)
	}

	// After the window expires the account unlocks itself.
	service.now = func() time.Time { return base.Add(31 * time.Minute) }
	_, _, err = service.Login(ctx, "ana", "Zq7!mWex", "")
	if err != nil {
		t.Fatalf("login after lock expiry: %v", err)
	}

	stored := store.mustGet(t, seeded.ID)
	if stored.IsLocked || stored.FailedLoginAttempts != 0 || stored.LockedUntil != nil {
		t.Errorf("lock state not cleared: locked=%v attempts=%d", stored.IsLocked, stored.FailedLoginAttempts)
	}
}

func TestLoginConcurrentFailures(t *testing.T) {
	t.Parallel()
	service, store := newTestService(t)
	seeded := seedUser(t, service, "ana@example.com", "ana", "Zq7!mWex")

	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = service.Login(ctx, "ana", "wrong-pass", "")
		}()
	}
	wg.Wait()

	stored := store.mustGet(t, seeded.ID)
	if !stored.IsLocked {
		t.Error("expected account to be locked after sustained failures")
	}
	if stored.FailedLoginAttempts != 0 {
		t.Errorf("counter = %d, want 0 after lock", stored.FailedLoginAttempts)
	}
}

func TestLoginDisabledAccount(t *testing.T) {
	t.Parallel()
	service, store := newTestService(t)
	seeded := seedUser(t, service, "ana@example.com", "ana", "Zq7!mWex")

	store.mu.Lock()
	store.users[seeded.ID].IsActive = false
	store.mu.Unlock()

	_, _, err := service.Login(context.Background(), "ana", "Zq7!mWex", "")
	if !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("got %v, want ErrAccountDisabled", err)
	}
}

func TestLoginUnverifiedEmail(t *testing.T) {
	t.Parallel()
	service, store := newTestService(t)
	seeded := seedUser(t, service, "ana@example.com", "ana", "Zq7!mWex")
	service.WithVerifiedEmailRequired(true)

	store.mu.Lock()
	store.users[seeded.ID].IsVerified = false
	store.mu.Unlock()

	_, _, err := service.Login(context.Background(), "ana", "Zq7!mWex", "")
	if !errors.Is(err, ErrEmailNotVerified) {
		t.Fatalf("got %v, want ErrEmailNotVerified", err)
	}
}

func TestRefresh(t *testing.T) {
	t.Parallel()
	service, _ := newTestService(t)
	seedUser(t, service, "ana@example.com", "ana", "Zq7!mWex")

	ctx := context.Background()
	tokens, _, err := service.Login(ctx, "ana", "Zq7!mWex", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	renewed, err := service.Refresh(ctx, tokens.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if renewed.AccessToken == "" || renewed.RefreshToken == "" {
		t.Fatal("expected a fresh token pair")
	}

	// An access token is not accepted as a refresh token.
	if _, err := service.Refresh(ctx, tokens.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Refresh with access token: got %v, want ErrInvalidToken", err)
	}
}

func TestRefreshDisabledAccount(t *testing.T) {
	t.Parallel()
	service, store := newTestService(t)
	seeded := seedUser(t, service, "ana@example.com", "ana", "Zq7!mWex")

	ctx := context.Background()
	tokens, _, err := service.Login(ctx, "ana", "Zq7!mWex", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	store.mu.Lock()
	store.users[seeded.ID].IsActive = false
	store.mu.Unlock()

	if _, err := service.Refresh(ctx, tokens.RefreshToken); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("got %v, want ErrUserNotFound", err)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	t.Parallel()
	service, _ := newTestService(t)
	seedUser(t, service, "ana@example.com", "ana", "Zq7!mWex")

	ctx := context.Background()

	token, err := service.RequestPasswordReset(ctx, "ana@example.com", "")
	if err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	if token == "" {
		t.Fatal("expected a reset token for a known account")
	}

	if err := service.ResetPassword(ctx, token, "Vb4!nKrp", ""); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}

	if _, _, err := service.Login(ctx, "ana", "Vb4!nKrp", ""); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
	if _, _, err := service.Login(ctx, "ana", "Zq7!mWex", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("login with old password: got %v, want ErrInvalidCredentials", err)
	}

	// The token is single-use.
	if err := service.ResetPassword(ctx, token, "Gm2!wQsd", ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token reuse: got %v, want ErrInvalidToken", err)
	}
}

func TestRequestPasswordResetUnknownEmail(t *testing.T) {
	t.Parallel()
	service, _ := newTestService(t)

	token, err := service.RequestPasswordReset(context.Background(), "ghost@example.com", "")
	if err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	if token != "" {
		t.Fatal("unknown email must not yield a token")
	}
}

func TestResetPasswordEnforcesPolicy(t *testing.T) {
	t.Parallel()
	service, _ := newTestService(t)
	seedUser(t, service, "ana@example.com", "ana", "Zq7!mWex")

	ctx := context.Background()
	token, err := service.RequestPasswordReset(ctx, "ana@example.com", "")
	if err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}

	var policyErr PolicyError
	if err := service.ResetPassword(ctx, token, "weak", ""); !errors.As(err, &policyErr) {
		t.Fatalf("got %v, want PolicyError", err)
	}
}

func TestCurrentUser(t *testing.T) {
	t.Parallel()
	service, _ := newTestService(t)
	seeded := seedUser(t, service, "ana@example.com", "ana", "Zq7!mWex")

	ctx := context.Background()
	tokens, _, err := service.Login(ctx, "ana", "Zq7!mWex", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	user, err := service.CurrentUser(ctx, tokens.AccessToken)
	if err != nil {
		t.Fatalf("CurrentUser: %v", err)
	}
	if user.ID != seeded.ID {
		t.Errorf("user ID = %q, want %q", user.ID, seeded.ID)
	}

	// Refresh tokens do not authenticate requests.
	if _, err := service.CurrentUser(ctx, tokens.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("CurrentUser with refresh token: got %v, want ErrInvalidToken", err)
	}
}
