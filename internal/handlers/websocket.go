package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parlorview/parlor/internal/middleware"
	"github.com/parlorview/parlor/internal/redis"
	"github.com/parlorview/parlor/internal/relay"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// HandleSignaling upgrades the connection and hands the socket to the relay.
// Identity comes from the token minted by the identity endpoint; everything
// after the upgrade is the relay's business.
func HandleSignaling(jwtSecret string, r *relay.Relay) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomIdentifier := c.Param("roomId")
		if roomIdentifier == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
			return
		}

		participant, err := middleware.ParseIdentity(c.Query("token"), jwtSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid identity token"})
			return
		}

		roomID, _, err := ValidateRoomExists(roomIdentifier)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("websocket upgrade", "err", err)
			return
		}

		sessionID := uuid.New().String()
		client := relay.NewClient(sessionID, roomID, participant, conn)

		ctx := context.Background()
		if err := r.Register(ctx, client); err != nil {
			slog.Error("register session", "participant", participant.ID, "err", err)
			conn.Close()
			return
		}

		// Room roster, for occupancy reporting on the rooms API.
		rdb := redis.GetClient()
		rdb.SAdd(ctx, "room:"+roomID+":members", participant.ID)
		rdb.Expire(ctx, "room:"+roomID+":members", 24*time.Hour)

		slog.Info("signaling socket open", "room", roomID,
			"participant", participant.ID, "name", participant.DisplayName,
			"host", participant.Host)

		r.Serve(client)
	}
}

// RosterCleanup is installed as the relay's pre-removal hook so ungraceful
// disconnects still shrink the room roster.
func RosterCleanup(c *relay.Client) {
	rdb := redis.GetClient()
	rdb.SRem(redis.GetContext(), "room:"+c.RoomID+":members", c.Participant.ID)
}
