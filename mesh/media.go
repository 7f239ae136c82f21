package mesh

import (
	"context"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/parlorview/parlor/internal/models"
)

// LocalMedia is the acquired microphone/camera capture for one session.
// Mute and camera toggles gate the tracks in place; no renegotiation happens.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	SetMuted(muted bool)
	SetCameraOff(off bool)
	Close() error
}

// CaptureFunc acquires local media for a modality. It is the session's
// capture boundary: a permission failure must return an error, which the
// session surfaces as ErrMediaPermissionDenied.
type CaptureFunc func(ctx context.Context, modality models.Modality) (LocalMedia, error)

// SampleMedia is a LocalMedia backed by static sample tracks, fed by the
// embedder (an encoder, a file, a test tone). Mute drops writes instead of
// renegotiating, mirroring track-enabled semantics.
type SampleMedia struct {
	audio     *webrtc.TrackLocalStaticSample
	video     *webrtc.TrackLocalStaticSample
	muted     atomic.Bool
	cameraOff atomic.Bool
}

// NewSampleMedia builds an opus audio track, plus a VP8 video track for the
// video modality.
func NewSampleMedia(modality models.Modality) (*SampleMedia, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "parlor")
	if err != nil {
		return nil, err
	}
	m := &SampleMedia{audio: audio}

	if modality == models.ModalityVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "parlor")
		if err != nil {
			return nil, err
		}
		m.video = video
	}
	return m, nil
}

func (m *SampleMedia) Tracks() []webrtc.TrackLocal {
	tracks := []webrtc.TrackLocal{m.audio}
	if m.video != nil {
		tracks = append(tracks, m.video)
	}
	return tracks
}

func (m *SampleMedia) SetMuted(muted bool) { m.muted.Store(muted) }

func (m *SampleMedia) SetCameraOff(off bool) { m.cameraOff.Store(off) }

func (m *SampleMedia) Muted() bool { return m.muted.Load() }

func (m *SampleMedia) CameraOff() bool { return m.cameraOff.Load() }

// WriteAudio forwards one audio sample unless muted.
func (m *SampleMedia) WriteAudio(sample media.Sample) error {
	if m.muted.Load() {
		return nil
	}
	return m.audio.WriteSample(sample)
}

// WriteVideo forwards one video sample unless the camera is toggled off.
func (m *SampleMedia) WriteVideo(sample media.Sample) error {
	if m.video == nil || m.cameraOff.Load() {
		return nil
	}
	return m.video.WriteSample(sample)
}

func (m *SampleMedia) Close() error {
	// Static tracks hold no OS resources; senders are closed with their
	// peer connections.
	return nil
}
