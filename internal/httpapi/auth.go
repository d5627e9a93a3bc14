package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"agrispare-be/internal/identity"
	"agrispare-be/internal/logger"
	"agrispare-be/internal/user"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type AuthHandler struct {
	svc user.Service
}

func NewAuthHandler(svc user.Service) *AuthHandler {
	return &AuthHandler{svc: svc}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token    string        `json:"token"`
	UserID   uuid.UUID     `json:"user_id"`
	Email    string        `json:"email"`
	FullName string        `json:"full_name"`
	Role     identity.Role `json:"role"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		respondWithError(w, http.StatusUnprocessableEntity, "validation_failed", "email and password are required")
		return
	}

	token, u, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if errors.Is(err, user.ErrInvalidCredentials) {
		respondWithError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
		return
	}
	if err != nil {
		logger.FromCtx(r.Context()).Error("login failed",
			zap.String("layer", "httpapi"),
			zap.Error(err),
		)
		respondWithError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}

	respondWithJSON(w, http.StatusOK, loginResponse{
		Token:    token,
		UserID:   u.ID,
		Email:    u.Email,
		FullName: u.FullName,
		Role:     u.Role,
	})
}
