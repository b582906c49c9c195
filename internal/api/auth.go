// Package api holds the HTTP handlers: authentication, health, and the
// WebSocket upgrade endpoints for clients and gateways.
package api

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/agentim-chat/agentim/internal/auth"
	"github.com/agentim-chat/agentim/internal/config"
	"github.com/agentim-chat/agentim/internal/httputil"
	"github.com/agentim-chat/agentim/internal/user"
)

// AuthHandler serves the login, refresh, and logout endpoints.
type AuthHandler struct {
	users user.Repository
	rdb   *redis.Client
	cfg   *config.Config
	log   zerolog.Logger
}

// NewAuthHandler creates an authentication handler.
func NewAuthHandler(users user.Repository, rdb *redis.Client, cfg *config.Config, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{users: users, rdb: rdb, cfg: cfg, log: logger.With().Str("component", "api.auth").Logger()}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type userInfo struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	IsAdmin     bool   `json:"isAdmin"`
}

type tokenResponse struct {
	User         *userInfo `json:"user,omitempty"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
}

func toUserInfo(u *user.User) *userInfo {
	info := &userInfo{ID: u.ID.String(), Username: u.Username, IsAdmin: u.IsAdmin}
	if u.DisplayName != nil {
		info.DisplayName = *u.DisplayName
	}
	return info
}

// Login handles POST /api/v1/auth/login.
func (h *AuthHandler) Login(c fiber.Ctx) error {
	var body loginRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeBadRequest, "Invalid request body")
	}
	if body.Username == "" || body.Password == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeBadRequest, "username and password are required")
	}

	u, err := h.users.GetByUsername(c, body.Username)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			// Hash anyway so unknown usernames cost the same as bad passwords.
			_, _ = auth.HashPassword(body.Password)
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeInvalidCredentials, "invalid username or password")
		}
		h.log.Error().Err(err).Msg("Login lookup failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "internal error")
	}

	ok, err := auth.VerifyPassword(body.Password, u.PasswordHash)
	if err != nil {
		h.log.Error().Err(err).Msg("Password verification failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "internal error")
	}
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeInvalidCredentials, "invalid username or password")
	}

	access, err := auth.NewAccessToken(u.ID, h.cfg.JWTSecret, h.cfg.JWTAccessTTL, h.cfg.ServerURL)
	if err != nil {
		h.log.Error().Err(err).Msg("Access token issue failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "internal error")
	}
	refresh, err := auth.CreateRefreshToken(c, h.rdb, u.ID, h.cfg.JWTRefreshTTL)
	if err != nil {
		h.log.Error().Err(err).Msg("Refresh token issue failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "internal error")
	}

	h.log.Info().Str("user", u.Username).Msg("User logged in")
	return httputil.Success(c, tokenResponse{
		User:         toUserInfo(u),
		AccessToken:  access,
		RefreshToken: refresh,
	})
}

// Refresh handles POST /api/v1/auth/refresh. The presented refresh token is
// consumed atomically; a token seen twice is treated as stolen.
func (h *AuthHandler) Refresh(c fiber.Ctx) error {
	var body refreshRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeBadRequest, "Invalid request body")
	}
	if body.RefreshToken == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeBadRequest, "refreshToken is required")
	}

	userID, newRefresh, err := auth.RotateRefreshToken(c, h.rdb, body.RefreshToken, h.cfg.JWTRefreshTTL)
	if err != nil {
		if errors.Is(err, auth.ErrRefreshTokenNotFound) {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeInvalidRefreshToken, "refresh token is invalid or already used")
		}
		h.log.Error().Err(err).Msg("Refresh rotation failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "internal error")
	}

	access, err := auth.NewAccessToken(userID, h.cfg.JWTSecret, h.cfg.JWTAccessTTL, h.cfg.ServerURL)
	if err != nil {
		h.log.Error().Err(err).Msg("Access token issue failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "internal error")
	}

	return httputil.Success(c, tokenResponse{
		AccessToken:  access,
		RefreshToken: newRefresh,
	})
}

// Logout handles POST /api/v1/auth/logout. It revokes every refresh token for
// the caller and bumps the revocation epoch so live access tokens die too.
func (h *AuthHandler) Logout(c fiber.Ctx) error {
	claims, err := h.bearerClaims(c)
	if err != nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "valid access token required")
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "valid access token required")
	}

	if err := auth.RevokeAllRefreshTokens(c, h.rdb, userID, h.cfg.JWTAccessTTL); err != nil {
		h.log.Error().Err(err).Msg("Logout revocation failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "internal error")
	}

	h.log.Info().Str("user_id", userID.String()).Msg("User logged out")
	return httputil.Success(c, fiber.Map{"loggedOut": true})
}

// bearerClaims validates the Authorization header and returns the claims.
func (h *AuthHandler) bearerClaims(c fiber.Ctx) (*auth.AccessClaims, error) {
	header := c.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, errors.New("missing bearer token")
	}
	return auth.ValidateAccessToken(token, h.cfg.JWTSecret, h.cfg.ServerURL)
}
