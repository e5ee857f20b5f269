package handlers

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arcwire/relay/internal/crypto"
)

// AuthHandler issues connection tokens. Issuance is meant for trusted
// backends, so requests must present the master secret.
type AuthHandler struct {
	jwtManager   *crypto.JWTManager
	masterSecret string
}

func NewAuthHandler(jwtManager *crypto.JWTManager, masterSecret string) *AuthHandler {
	return &AuthHandler{
		jwtManager:   jwtManager,
		masterSecret: masterSecret,
	}
}

// TokenRequest represents the request to mint a connection token
type TokenRequest struct {
	UserID   string   `json:"userId" binding:"required"`
	DeviceID string   `json:"deviceId"`
	Roles    []string `json:"roles"`
	// TTLSeconds bounds token validity. Zero means no expiry claim.
	TTLSeconds int `json:"ttlSeconds"`
}

// PostToken handles POST /v1/auth/token
func (h *AuthHandler) PostToken(c *gin.Context) {
	secret := c.GetHeader("X-Relay-Secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(h.masterSecret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid master secret"})
		return
	}

	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	token, err := h.jwtManager.CreateToken(req.UserID, req.DeviceID, req.Roles, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token})
}
