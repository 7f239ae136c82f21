package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/parlorview/parlor/internal/middleware"
)

// IdentityRequest asks for a participant identity token. The host flag is
// trusted as-is: vetting who may claim host happens upstream of this service.
type IdentityRequest struct {
	DisplayName string `json:"displayName" binding:"required"`
	Host        bool   `json:"host"`
}

type IdentityResponse struct {
	Token         string `json:"token"`
	ParticipantID string `json:"participantId"`
}

// Identity mints a signed participant identity (stable id, display name,
// host flag) good for the lifetime of a session.
func Identity(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req IdentityRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		participantID := uuid.New().String()
		now := time.Now()
		claims := middleware.IdentityClaims{
			DisplayName: req.DisplayName,
			Host:        req.Host,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   participantID,
				ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
				IssuedAt:  jwt.NewNumericDate(now),
				NotBefore: jwt.NewNumericDate(now),
			},
		}

		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		tokenString, err := token.SignedString([]byte(jwtSecret))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
			return
		}

		c.JSON(http.StatusOK, IdentityResponse{
			Token:         tokenString,
			ParticipantID: participantID,
		})
	}
}
