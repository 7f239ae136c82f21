package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/parlorview/parlor/config"
	"github.com/parlorview/parlor/internal/middleware"
	"github.com/parlorview/parlor/internal/models"
	"github.com/parlorview/parlor/internal/turnrest"
)

// ICECredentials serves the relay hints a client needs to build its
// connection profiles: STUN URLs always, plus short-lived TURN credentials
// when a TURN deployment is configured. Clients degrade to direct-only when
// this endpoint is unreachable or returns no TURN section.
func ICECredentials(iceCfg config.ICEConfig, gen *turnrest.Generator) gin.HandlerFunc {
	return func(c *gin.Context) {
		participant, ok := middleware.ParticipantFrom(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		resp := models.ICECredentialsResponse{
			STUNURLs: iceCfg.STUNURLs,
		}

		if gen != nil && len(iceCfg.TURNURLs) > 0 {
			creds, err := gen.Generate(participant.ID)
			if err != nil {
				slog.Error("mint turn credentials", "participant", participant.ID, "err", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to mint credentials"})
				return
			}
			resp.TURNURLs = iceCfg.TURNURLs
			resp.Username = creds.Username
			resp.Credential = creds.Credential
			resp.TTLSeconds = int64(gen.TTL().Seconds())
		}

		c.JSON(http.StatusOK, resp)
	}
}
