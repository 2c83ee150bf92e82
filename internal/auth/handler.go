package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-playground/validator/v10"

	"penlet-backend/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

var validate = validator.New()

type Handler struct {
	service *Service
	logger  *observability.Logger
}

func NewHandler(service *Service, logger *observability.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

type registerRequest struct {
	Email        string `json:"email" validate:"required,email,max=255"`
	Username     string `json:"username" validate:"required,min=3,max=100"`
	Password     string `json:"password" validate:"required,max=200"`
	FirstName    string `json:"first_name" validate:"required,max=100"`
	LastName     string `json:"last_name" validate:"required,max=100"`
	Phone        string `json:"phone" validate:"omitempty,max=20"`
	Role         string `json:"role" validate:"omitempty,oneof=student teacher admin"`
	StudentClass string `json:"student_class" validate:"omitempty,max=10"`
}

type loginRequest struct {
	Username string `json:"username" validate:"required,max=255"`
	Password string `json:"password" validate:"required,max=200"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type resetRequestRequest struct {
	Email string `json:"email" validate:"required,email,max=255"`
}

type resetRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,max=200"`
}

type userResponse struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Username     string     `json:"username"`
	FirstName    string     `json:"first_name"`
	LastName     string     `json:"last_name"`
	Phone        string     `json:"phone,omitempty"`
	Role         Role       `json:"role"`
	StudentClass string     `json:"student_class,omitempty"`
	IsActive     bool       `json:"is_active"`
	IsVerified   bool       `json:"is_verified"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toUserResponse(user User) userResponse {
	return userResponse{
		ID:           user.ID,
		Email:        user.Email,
		Username:     user.Username,
		FirstName:    user.FirstName,
		LastName:     user.LastName,
		Phone:        user.Phone,
		Role:         user.Role,
		StudentClass: user.StudentClass,
		IsActive:     user.IsActive,
		IsVerified:   user.IsVerified,
		LastLogin:    user.LastLogin,
		CreatedAt:    user.CreatedAt,
	}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !decodeBody(w, r, &body) {
		return
	}

	user, err := h.service.Register(r.Context(), RegisterInput{
		Email:        body.Email,
		Username:     body.Username,
		Password:     body.Password,
		FirstName:    body.FirstName,
		LastName:     body.LastName,
		Phone:        body.Phone,
		Role:         Role(body.Role),
		StudentClass: body.StudentClass,
	}, observability.ClientIP(r))
	if err != nil {
		var (
			roleErr   RoleNotAllowedError
			policyErr PolicyError
			takenErr  IdentityTakenError
		)
		switch {
		case errors.As(err, &roleErr):
			writeError(w, http.StatusForbidden, roleErr.Error())
		case errors.As(err, &policyErr):
			writeJSON(w, http.StatusBadRequest, map[string]any{"password_errors": policyErr.Violations})
		case errors.As(err, &takenErr):
			writeError(w, http.StatusBadRequest, takenErr.Error())
		case errors.Is(err, ErrStudentClassRequired):
			writeError(w, http.StatusBadRequest, ErrStudentClassRequired.Error())
		default:
			h.internalError(w, "failed to register", err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, toUserResponse(user))
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeBody(w, r, &body) {
		return
	}

	tokens, _, err := h.service.Login(r.Context(), body.Username, body.Password, observability.ClientIP(r))
	if err != nil {
		var locked LockedError
		switch {
		case errors.As(err, &locked):
			minutes := locked.RemainingMinutes()
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(locked.Until).Seconds())+1))
			writeError(w, http.StatusLocked, "Account locked. Try again in "+strconv.Itoa(minutes)+" minutes.")
		case errors.Is(err, ErrInvalidCredentials):
			var creds CredentialsError
			message := "Incorrect username or password"
			if errors.As(err, &creds) {
				message += ". " + strconv.Itoa(creds.RemainingAttempts) + " attempts remaining."
			}
			writeError(w, http.StatusUnauthorized, message)
		case errors.Is(err, ErrAccountDisabled):
			writeError(w, http.StatusForbidden, "Account is disabled")
		case errors.Is(err, ErrEmailNotVerified):
			writeError(w, http.StatusForbidden, "Email not verified")
		default:
			h.internalError(w, "failed to login", err)
		}
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeBody(w, r, &body) {
		return
	}

	tokens, err := h.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidToken):
			writeError(w, http.StatusUnauthorized, "Invalid refresh token")
		case errors.Is(err, ErrUserNotFound):
			writeError(w, http.StatusUnauthorized, "User not found")
		default:
			h.internalError(w, "failed to refresh token", err)
		}
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	h.service.Logout(r.Context(), user, observability.ClientIP(r))
	writeJSON(w, http.StatusOK, map[string]string{"message": "Successfully logged out"})
}

func (h *Handler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var body resetRequestRequest
	if !decodeBody(w, r, &body) {
		return
	}

	if _, err := h.service.RequestPasswordReset(r.Context(), body.Email, observability.ClientIP(r)); err != nil {
		h.internalError(w, "failed to process reset request", err)
		return
	}

	// Identical response whether or not the account exists.
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "If an account exists with this email, a password reset link has been sent.",
	})
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body resetRequest
	if !decodeBody(w, r, &body) {
		return
	}

	if err := h.service.ResetPassword(r.Context(), body.Token, body.NewPassword, observability.ClientIP(r)); err != nil {
		var policyErr PolicyError
		switch {
		case errors.Is(err, ErrInvalidToken):
			writeError(w, http.StatusBadRequest, "Invalid or expired reset token")
		case errors.As(err, &policyErr):
			writeJSON(w, http.StatusBadRequest, map[string]any{"password_errors": policyErr.Violations})
		case errors.Is(err, ErrUserNotFound):
			writeError(w, http.StatusNotFound, "User not found")
		default:
			h.internalError(w, "failed to reset password", err)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Password successfully reset"})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(user))
}

func (h *Handler) internalError(w http.ResponseWriter, message string, err error) {
	sentry.CaptureException(err)
	h.logger.Error("auth_handler_error", map[string]any{"error": err.Error()})
	writeError(w, http.StatusInternalServerError, message)
}

func decodeBody(w http.ResponseWriter, r *http.Request, body any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}

	if err := validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}

	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
