package middleware

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/orrn/printqueue/internal/db"
)

const (
	cookieName           = "printq_auth"
	tokenDuration        = 24 * time.Hour
	tokenIssuer          = "printqueue"
	secretLength         = 32
	settingsKeyPassword  = "admin_password"
	settingsKeyJWTSecret = "jwt_secret"
)

type Claims struct {
	jwt.RegisteredClaims
	Authenticated bool `json:"authenticated"`
}

type AuthMiddleware struct {
	settings     *db.SettingsOperations
	secret       []byte
	secureCookie bool
}

type LoginRequest struct {
	Password string `json:"password" binding:"required"`
}

// AuthResponse is the body of every auth endpoint except status. Token is set
// whenever a new session was issued.
type AuthResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Token   string `json:"token,omitempty"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required,min=6"`
}

type SetupRequest struct {
	Password string `json:"password" binding:"required,min=6"`
}

type StatusResponse struct {
	Authenticated bool `json:"authenticated"`
	SetupRequired bool `json:"setup_required"`
}

// NewAuthMiddleware loads the signing secret from settings, generating and
// storing one on first start.
func NewAuthMiddleware(settings *db.SettingsOperations, secureCookie bool) (*AuthMiddleware, error) {
	a := &AuthMiddleware{settings: settings, secureCookie: secureCookie}

	secret, err := a.getOrCreateSecret(context.Background())
	if err != nil {
		return nil, err
	}
	a.secret = secret

	return a, nil
}

func (a *AuthMiddleware) getOrCreateSecret(ctx context.Context) ([]byte, error) {
	setting, err := a.settings.GetSetting(ctx, settingsKeyJWTSecret)
	if err == nil {
		return hex.DecodeString(setting.Value)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	secret := make([]byte, secretLength)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate jwt secret: %w", err)
	}
	if err := a.settings.SetSetting(ctx, settingsKeyJWTSecret, hex.EncodeToString(secret), false); err != nil {
		return nil, err
	}
	return secret, nil
}

func (a *AuthMiddleware) isSetupRequired(ctx context.Context) bool {
	_, err := a.settings.GetSetting(ctx, settingsKeyPassword)
	return errors.Is(err, sql.ErrNoRows)
}

func (a *AuthMiddleware) generateToken() (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenDuration)),
			Issuer:    tokenIssuer,
		},
		Authenticated: true,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}

func (a *AuthMiddleware) getTokenFromRequest(c *gin.Context) string {
	if cookie, err := c.Cookie(cookieName); err == nil && cookie != "" {
		return cookie
	}

	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return ""
}

func (a *AuthMiddleware) setAuthCookie(c *gin.Context, token string) {
	c.SetCookie(cookieName, token, int(tokenDuration.Seconds()), "/", "", a.secureCookie, true)
}

func (a *AuthMiddleware) clearAuthCookie(c *gin.Context) {
	c.SetCookie(cookieName, "", -1, "/", "", a.secureCookie, true)
}

func fail(c *gin.Context, code int, msg string) {
	c.JSON(code, AuthResponse{Error: msg})
}

// verifyPassword checks password against the stored hash. On mismatch or
// lookup failure it writes the response and returns false.
func (a *AuthMiddleware) verifyPassword(c *gin.Context, password string) bool {
	setting, err := a.settings.GetSetting(c.Request.Context(), settingsKeyPassword)
	if errors.Is(err, sql.ErrNoRows) {
		fail(c, http.StatusForbidden, "Setup required")
		return false
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, "Server error")
		return false
	}
	if err := bcrypt.CompareHashAndPassword([]byte(setting.Value), []byte(password)); err != nil {
		fail(c, http.StatusUnauthorized, "Invalid password")
		return false
	}
	return true
}

func (a *AuthMiddleware) savePassword(c *gin.Context, password string) bool {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		fail(c, http.StatusInternalServerError, "Failed to hash password")
		return false
	}
	if err := a.settings.SetSetting(c.Request.Context(), settingsKeyPassword, string(hashed), false); err != nil {
		fail(c, http.StatusInternalServerError, "Failed to save password")
		return false
	}
	return true
}

// respondWithToken starts a new session: it signs a token, sets the cookie
// and returns the token in the body as well.
func (a *AuthMiddleware) respondWithToken(c *gin.Context, message string) {
	token, err := a.generateToken()
	if err != nil {
		fail(c, http.StatusInternalServerError, "Failed to generate token")
		return
	}
	a.setAuthCookie(c, token)
	c.JSON(http.StatusOK, AuthResponse{Success: true, Message: message, Token: token})
}

// SetupHandler sets the admin password once. Later calls are rejected.
func (a *AuthMiddleware) SetupHandler(c *gin.Context) {
	if !a.isSetupRequired(c.Request.Context()) {
		fail(c, http.StatusBadRequest, "Setup already completed")
		return
	}

	var req SetupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request, password must be at least 6 characters")
		return
	}
	if a.savePassword(c, req.Password) {
		a.respondWithToken(c, "Setup completed")
	}
}

func (a *AuthMiddleware) LoginHandler(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request")
		return
	}
	if a.verifyPassword(c, req.Password) {
		a.respondWithToken(c, "")
	}
}

func (a *AuthMiddleware) LogoutHandler(c *gin.Context) {
	a.clearAuthCookie(c)
	c.JSON(http.StatusOK, AuthResponse{Success: true, Message: "Logged out"})
}

// ChangePasswordHandler replaces the password and issues a fresh session.
// Tokens signed before the change stay valid until they expire.
func (a *AuthMiddleware) ChangePasswordHandler(c *gin.Context) {
	var req ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request")
		return
	}
	if a.verifyPassword(c, req.CurrentPassword) && a.savePassword(c, req.NewPassword) {
		a.respondWithToken(c, "Password changed")
	}
}

func (a *AuthMiddleware) StatusHandler(c *gin.Context) {
	st := StatusResponse{}
	if token := a.getTokenFromRequest(c); token != "" {
		if claims, err := a.validateToken(token); err == nil {
			st.Authenticated = claims.Authenticated
		}
	}
	if !st.Authenticated {
		st.SetupRequired = a.isSetupRequired(c.Request.Context())
	}
	c.JSON(http.StatusOK, st)
}

func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := a.getTokenFromRequest(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		claims, err := a.validateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		if !claims.Authenticated {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
			return
		}

		c.Set("authenticated", true)
		c.Set("claims", claims)
		c.Next()
	}
}
