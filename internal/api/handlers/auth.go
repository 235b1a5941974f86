package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dom/chat-relay/internal/api/middleware"
	"github.com/dom/chat-relay/internal/api/respond"
	"github.com/dom/chat-relay/internal/config"
	"github.com/dom/chat-relay/internal/domain"
	"github.com/dom/chat-relay/internal/service"
)

const (
	refreshTokenCookie = "refresh_token"
	refreshCookiePath  = "/api/v1/auth"
)

type AuthHandler struct {
	authService *service.AuthService
	cfg         *config.Config
	logger      *slog.Logger
}

func NewAuthHandler(authService *service.AuthService, cfg *config.Config, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{authService: authService, cfg: cfg, logger: logger}
}

type SignUpRequest struct {
	Username string `json:"username" validate:"required,min=3,max=32,alphanum"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// LoginRequest is not validated here; missing fields are reported by the
// service as MISSING_CREDENTIALS.
type LoginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type AuthResponse struct {
	User             *domain.PublicUser `json:"user"`
	AccessToken      string             `json:"accessToken"`
	RefreshToken     string             `json:"refreshToken"`
	AccessExpiresAt  time.Time          `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time          `json:"refreshExpiresAt"`
}

func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req SignUpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	result, err := h.authService.SignUp(r.Context(), service.SignUpInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.writeAuthResult(w, http.StatusCreated, result)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	result, err := h.authService.Login(r.Context(), service.LoginInput{
		Identifier: req.Identifier,
		Password:   req.Password,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.writeAuthResult(w, http.StatusOK, result)
}

// Refresh rotates the refresh token from the cookie or the request body.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	token := refreshTokenFromRequest(r)
	if token == "" {
		h.fail(w, r, domain.ErrAuthFailure)
		return
	}

	result, err := h.authService.Refresh(r.Context(), token)
	if err != nil {
		if domain.KindOf(err) != domain.KindInternal {
			h.clearCookies(w)
		}
		h.fail(w, r, err)
		return
	}

	h.writeAuthResult(w, http.StatusOK, result)
}

// Logout always clears both cookies, with or without a session.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.authService.Logout(r.Context(), refreshTokenFromRequest(r)); err != nil {
		h.logger.Error("failed to revoke refresh lineage on logout", "error", err)
	}

	h.clearCookies(w)
	respond.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		h.fail(w, r, domain.ErrAuthFailure)
		return
	}

	user, err := h.authService.GetUser(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	respond.JSON(w, http.StatusOK, user)
}

func (h *AuthHandler) writeAuthResult(w http.ResponseWriter, status int, result *service.AuthResult) {
	h.setCookies(w, result.Tokens)
	respond.JSON(w, status, AuthResponse{
		User:             result.User,
		AccessToken:      result.Tokens.AccessToken,
		RefreshToken:     result.Tokens.RefreshToken,
		AccessExpiresAt:  result.Tokens.AccessExpiresAt,
		RefreshExpiresAt: result.Tokens.RefreshExpiresAt,
	})
}

func (h *AuthHandler) setCookies(w http.ResponseWriter, tokens *domain.TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.AccessTokenCookie,
		Value:    tokens.AccessToken,
		Path:     "/",
		Expires:  tokens.AccessExpiresAt,
		HttpOnly: true,
		Secure:   h.cfg.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshTokenCookie,
		Value:    tokens.RefreshToken,
		Path:     refreshCookiePath,
		Expires:  tokens.RefreshExpiresAt,
		HttpOnly: true,
		Secure:   h.cfg.IsProduction(),
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *AuthHandler) clearCookies(w http.ResponseWriter) {
	for _, c := range []struct{ name, path string }{
		{middleware.AccessTokenCookie, "/"},
		{refreshTokenCookie, refreshCookiePath},
	} {
		http.SetCookie(w, &http.Cookie{
			Name:     c.name,
			Value:    "",
			Path:     c.path,
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   h.cfg.IsProduction(),
		})
	}
}

func (h *AuthHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	respond.Error(w, r, h.logger, err, h.cfg.ShowDiagnostics())
}

// refreshTokenFromRequest prefers the cookie and falls back to a JSON body.
func refreshTokenFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(refreshTokenCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if r.Body == nil || r.ContentLength == 0 {
		return ""
	}
	var req RefreshRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		return ""
	}
	return req.RefreshToken
}
