package models

import "time"

// RoomMetadata stores information about a room
type RoomMetadata struct {
	ID               string    `json:"id"`
	Code             string    `json:"code"` // Short, shareable room code (e.g., "ABCD123")
	CreatorID        string    `json:"creatorId"`
	CreatedAt        time.Time `json:"createdAt"`
	MaxParticipants  int       `json:"maxParticipants"`
	ParticipantCount int       `json:"participantCount"`
}

// Participant identifies a room member for the lifetime of its session.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Host        bool   `json:"host"`
}

// CreateRoomRequest is the request body for creating a room
type CreateRoomRequest struct {
	MaxParticipants int `json:"maxParticipants" binding:"min=0,max=16"`
}

// CreateRoomResponse is the response for creating a room
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

// ICECredentialsResponse is returned by the ICE credentials endpoint.
type ICECredentialsResponse struct {
	STUNURLs   []string `json:"stunUrls"`
	TURNURLs   []string `json:"turnUrls,omitempty"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
	TTLSeconds int64    `json:"ttlSeconds,omitempty"`
}
