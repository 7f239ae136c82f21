package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/parlorview/parlor/internal/models"
)

// IdentityClaims is the participant identity carried in a signed token:
// stable id (subject), display name and host flag.
type IdentityClaims struct {
	DisplayName string `json:"displayName"`
	Host        bool   `json:"host"`
	jwt.RegisteredClaims
}

// ParseIdentity validates tokenString and returns the participant it names.
func ParseIdentity(tokenString, jwtSecret string) (models.Participant, error) {
	if tokenString == "" {
		return models.Participant{}, errors.New("missing token")
	}

	token, err := jwt.ParseWithClaims(tokenString, &IdentityClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(jwtSecret), nil
	})
	if err != nil {
		return models.Participant{}, err
	}

	claims, ok := token.Claims.(*IdentityClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return models.Participant{}, errors.New("invalid token claims")
	}
	return models.Participant{
		ID:          claims.Subject,
		DisplayName: claims.DisplayName,
		Host:        claims.Host,
	}, nil
}

// JWTAuth validates the Authorization bearer token and stores the participant
// in the request context.
func JWTAuth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header required",
			})
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid authorization header format",
			})
			return
		}

		participant, err := ParseIdentity(parts[1], jwtSecret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid token",
			})
			return
		}

		c.Set("participant", participant)
		c.Next()
	}
}

// ParticipantFrom retrieves the participant stored by JWTAuth.
func ParticipantFrom(c *gin.Context) (models.Participant, bool) {
	v, exists := c.Get("participant")
	if !exists {
		return models.Participant{}, false
	}
	p, ok := v.(models.Participant)
	return p, ok
}
