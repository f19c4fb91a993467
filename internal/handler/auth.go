package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/minimalgames/giftledger/internal/auth"
	"github.com/minimalgames/giftledger/internal/domain"
)

const tokenExpiry = 24 * time.Hour

type accountGetter interface {
	GetByUsername(ctx context.Context, username string) (*domain.Account, error)
}

type AuthHandler struct {
	accounts  accountGetter
	jwtSecret string
}

func NewAuthHandler(accounts accountGetter, jwtSecret string) *AuthHandler {
	return &AuthHandler{accounts: accounts, jwtSecret: jwtSecret}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (r *loginRequest) Validate() []FieldError {
	var fields []FieldError
	if r.Username == "" {
		fields = append(fields, FieldError{"username", "username is required"})
	}
	if r.Password == "" {
		fields = append(fields, FieldError{"password", "password is required"})
	}
	return fields
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	account, err := h.accounts.GetByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			RespondAppError(w, ErrInvalidCredentials, nil)
			return
		}
		RespondDomainError(w, err)
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.Password)) != nil {
		RespondAppError(w, ErrInvalidCredentials, nil)
		return
	}

	token, err := auth.GenerateToken(account.Username, h.jwtSecret, tokenExpiry)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresIn: int64(tokenExpiry.Seconds()),
	})
}
