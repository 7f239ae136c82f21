package handlers

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/parlorview/parlor/internal/middleware"
	"github.com/parlorview/parlor/internal/models"
	"github.com/parlorview/parlor/internal/redis"
)

const (
	roomCodeLength = 6
	roomTTL        = 24 * time.Hour
	codeChars      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

// CreateRoom creates a new room (requires authentication)
func CreateRoom(c *gin.Context) {
	participant, ok := middleware.ParticipantFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.MaxParticipants == 0 {
		req.MaxParticipants = 8
	}

	roomID := uuid.New().String()
	roomCode := generateRoomCode()

	room := models.RoomMetadata{
		ID:              roomID,
		Code:            roomCode,
		CreatorID:       participant.ID,
		CreatedAt:       time.Now(),
		MaxParticipants: req.MaxParticipants,
	}

	redisClient := redis.GetClient()
	ctx := redis.GetContext()

	roomData, err := json.Marshal(room)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	if err := redisClient.Set(ctx, "room:"+roomID, roomData, roomTTL).Err(); err != nil {
		slog.Error("store room", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	// Store code-to-ID mapping for easy lookup
	if err := redisClient.Set(ctx, "code:"+roomCode, roomID, roomTTL).Err(); err != nil {
		slog.Error("store room code", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	slog.Info("room created", "room", roomID, "code", roomCode, "creator", participant.ID)

	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		RoomID: roomID,
		Code:   roomCode,
	})
}

// GetRoom gets room information by code or ID (public)
func GetRoom(c *gin.Context) {
	roomID, room, err := lookupRoom(c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	count, _ := redis.GetClient().SCard(redis.GetContext(), "room:"+roomID+":members").Result()
	room.ParticipantCount = int(count)

	c.JSON(http.StatusOK, room)
}

// DeleteRoom deletes a room (requires authentication and creator)
func DeleteRoom(c *gin.Context) {
	participant, ok := middleware.ParticipantFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	roomID := c.Param("roomId")

	redisClient := redis.GetClient()
	ctx := redis.GetContext()

	roomData, err := redisClient.Get(ctx, "room:"+roomID).Result()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	var room models.RoomMetadata
	if err := json.Unmarshal([]byte(roomData), &room); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to parse room data"})
		return
	}

	if room.CreatorID != participant.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
		return
	}

	redisClient.Del(ctx, "room:"+roomID)
	redisClient.Del(ctx, "code:"+room.Code)
	redisClient.Del(ctx, "room:"+roomID+":members")

	slog.Info("room deleted", "room", roomID, "by", participant.ID)

	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

// generateRoomCode generates a random room code
func generateRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}

// lookupRoom resolves a shareable code or raw id to room metadata.
func lookupRoom(roomIdentifier string) (string, *models.RoomMetadata, error) {
	redisClient := redis.GetClient()
	ctx := redis.GetContext()

	roomID := roomIdentifier

	// Check if it's a code (6 chars) vs UUID
	if len(roomIdentifier) == roomCodeLength {
		id, err := redisClient.Get(ctx, "code:"+roomIdentifier).Result()
		if err != nil {
			return "", nil, fmt.Errorf("room not found")
		}
		roomID = id
	}

	roomData, err := redisClient.Get(ctx, "room:"+roomID).Result()
	if err != nil {
		return "", nil, fmt.Errorf("room not found")
	}

	var room models.RoomMetadata
	if err := json.Unmarshal([]byte(roomData), &room); err != nil {
		return "", nil, fmt.Errorf("failed to parse room data")
	}
	return roomID, &room, nil
}

// ValidateRoomExists checks that the room exists and has space for another
// connection. This is room occupancy, not the per-modality mesh cap; the
// relay enforces that separately on mesh join.
func ValidateRoomExists(roomIdentifier string) (string, *models.RoomMetadata, error) {
	roomID, room, err := lookupRoom(roomIdentifier)
	if err != nil {
		return "", nil, err
	}

	count, _ := redis.GetClient().SCard(redis.GetContext(), "room:"+roomID+":members").Result()
	if int(count) >= room.MaxParticipants {
		return "", nil, fmt.Errorf("room is full")
	}

	return roomID, room, nil
}
