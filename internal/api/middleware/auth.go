package middleware

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/wreuel/bambuddy-sub000/internal/db"
)

const (
	cookieName           = "bambuddy_auth"
	tokenDuration        = 24 * time.Hour
	settingsKeyPassword  = "admin_password"
	settingsKeyJWTSecret = "jwt_secret"
)

type Claims struct {
	jwt.RegisteredClaims
	Authenticated bool `json:"authenticated"`
}

type AuthMiddleware struct {
	store  *db.Store
	secret []byte
}

type LoginRequest struct {
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
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

func NewAuthMiddleware(store *db.Store) (*AuthMiddleware, error) {
	a := &AuthMiddleware{store: store}

	secret, err := a.getOrCreateSecret()
	if err != nil {
		return nil, err
	}
	a.secret = secret

	return a, nil
}

func (a *AuthMiddleware) getOrCreateSecret() ([]byte, error) {
	ctx := context.Background()
	setting, err := a.store.Settings.GetSetting(ctx, settingsKeyJWTSecret)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			secret := make([]byte, 32)
			if _, err := rand.Read(secret); err != nil {
				return nil, err
			}
			if err := a.store.Settings.SetSetting(ctx, settingsKeyJWTSecret, hex.EncodeToString(secret)); err != nil {
				return nil, err
			}
			return secret, nil
		}
		return nil, err
	}
	return hex.DecodeString(setting.Value)
}

func (a *AuthMiddleware) isSetupRequired() bool {
	_, err := a.store.Settings.GetSetting(context.Background(), settingsKeyPassword)
	return errors.Is(err, sql.ErrNoRows)
}

func (a *AuthMiddleware) generateToken() (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenDuration)),
			Issuer:    "bambuddy",
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
	})

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
	c.SetCookie(cookieName, token, int(tokenDuration.Seconds()), "/", "", true, true)
}

func (a *AuthMiddleware) clearAuthCookie(c *gin.Context) {
	c.SetCookie(cookieName, "", -1, "/", "", true, true)
}

func (a *AuthMiddleware) LoginHandler(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, LoginResponse{Success: false, Message: "Invalid request"})
		return
	}

	if a.isSetupRequired() {
		c.JSON(http.StatusForbidden, LoginResponse{Success: false, Message: "Setup required"})
		return
	}

	setting, err := a.store.Settings.GetSetting(c.Request.Context(), settingsKeyPassword)
	if err != nil {
		c.JSON(http.StatusInternalServerError, LoginResponse{Success: false, Message: "Server error"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(setting.Value), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, LoginResponse{Success: false, Message: "Invalid password"})
		return
	}

	token, err := a.generateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, LoginResponse{Success: false, Message: "Failed to generate token"})
		return
	}

	a.setAuthCookie(c, token)
	c.JSON(http.StatusOK, LoginResponse{Success: true})
}

func (a *AuthMiddleware) LogoutHandler(c *gin.Context) {
	a.clearAuthCookie(c)
	c.JSON(http.StatusOK, LoginResponse{Success: true, Message: "Logged out"})
}

func (a *AuthMiddleware) StatusHandler(c *gin.Context) {
	token := a.getTokenFromRequest(c)
	if token == "" {
		c.JSON(http.StatusOK, StatusResponse{Authenticated: false, SetupRequired: a.isSetupRequired()})
		return
	}

	claims, err := a.validateToken(token)
	if err != nil {
		c.JSON(http.StatusOK, StatusResponse{Authenticated: false, SetupRequired: a.isSetupRequired()})
		return
	}

	c.JSON(http.StatusOK, StatusResponse{Authenticated: claims.Authenticated, SetupRequired: false})
}

func (a *AuthMiddleware) ChangePasswordHandler(c *gin.Context) {
	var req ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	ctx := c.Request.Context()
	setting, err := a.store.Settings.GetSetting(ctx, settingsKeyPassword)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server error"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(setting.Value), []byte(req.CurrentPassword)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Current password is incorrect"})
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to hash password"})
		return
	}

	if err := a.store.Settings.SetSetting(ctx, settingsKeyPassword, string(hashedPassword)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update password"})
		return
	}

	token, err := a.generateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	a.setAuthCookie(c, token)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Password changed"})
}

func (a *AuthMiddleware) SetupHandler(c *gin.Context) {
	if !a.isSetupRequired() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Setup already completed"})
		return
	}

	var req SetupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request, password must be at least 6 characters"})
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to hash password"})
		return
	}

	if err := a.store.Settings.SetSetting(c.Request.Context(), settingsKeyPassword, string(hashedPassword)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save password"})
		return
	}

	token, err := a.generateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	a.setAuthCookie(c, token)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Setup completed"})
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
