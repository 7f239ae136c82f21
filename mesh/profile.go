package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/parlorview/parlor/internal/models"
)

// ProfileSet bundles the three connection-setup profiles the attempt ladder
// walks through. Profiles are value types; callers may hold them across
// attempts.
type ProfileSet struct {
	Hybrid     webrtc.Configuration
	DirectOnly webrtc.Configuration
	RelayOnly  webrtc.Configuration
}

// ForTier picks the profile the given ladder tier negotiates with. Both
// hybrid tiers share hints; only the relay-only tier changes the transport
// policy.
func (p ProfileSet) ForTier(t Tier) webrtc.Configuration {
	if t.RelayOnly() {
		return p.RelayOnly
	}
	return p.Hybrid
}

// BuildProfiles derives the three profiles from STUN hints and optional TURN
// servers. With no TURN servers, hybrid and relay-only collapse to
// direct-only: there is simply no relay to force traffic through.
func BuildProfiles(stunURLs []string, turn []webrtc.ICEServer) ProfileSet {
	var stun []webrtc.ICEServer
	if len(stunURLs) > 0 {
		stun = []webrtc.ICEServer{{URLs: stunURLs}}
	}

	direct := webrtc.Configuration{ICEServers: stun}
	if len(turn) == 0 {
		return ProfileSet{Hybrid: direct, DirectOnly: direct, RelayOnly: direct}
	}

	hybrid := webrtc.Configuration{ICEServers: append(append([]webrtc.ICEServer{}, stun...), turn...)}
	relayOnly := webrtc.Configuration{
		ICEServers:         turn,
		ICETransportPolicy: webrtc.ICETransportPolicyRelay,
	}
	return ProfileSet{Hybrid: hybrid, DirectOnly: direct, RelayOnly: relayOnly}
}

// Resolver produces ProfileSets, fetching short-lived TURN credentials from
// the relay-hint endpoint and caching them for a bounded TTL. It never
// fails: when the endpoint is unreachable or returns no TURN section, the
// result degrades to direct-only using the fallback STUN hints.
type Resolver struct {
	BaseURL string // e.g. https://parlor.example.com
	Token   string // identity token, sent as a bearer credential

	// FallbackSTUNURLs are used when the endpoint cannot be reached.
	FallbackSTUNURLs []string

	// HTTPClient defaults to a client with a 5s timeout.
	HTTPClient *http.Client

	mu        sync.Mutex
	cached    ProfileSet
	cachedOK  bool
	expiresAt time.Time
}

const (
	defaultProfileCacheTTL = 15 * time.Minute
	resolveTimeout         = 5 * time.Second
)

// Profiles returns the current ProfileSet, fetching credentials at most once
// per cache window.
func (r *Resolver) Profiles(ctx context.Context) ProfileSet {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cachedOK && time.Now().Before(r.expiresAt) {
		return r.cached
	}

	set, ttl, err := r.fetch(ctx)
	if err != nil {
		slog.Warn("relay credential fetch failed, degrading to direct-only", "err", err)
		degraded := BuildProfiles(r.FallbackSTUNURLs, nil)
		if r.cachedOK {
			// Keep serving the stale profile set over a fresh but
			// relay-less one; the credentials may still be valid.
			return r.cached
		}
		return degraded
	}

	r.cached = set
	r.cachedOK = true
	r.expiresAt = time.Now().Add(ttl)
	return set
}

func (r *Resolver) fetch(ctx context.Context) (ProfileSet, time.Duration, error) {
	client := r.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: resolveTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.BaseURL+"/api/ice", nil)
	if err != nil {
		return ProfileSet{}, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+r.Token)

	resp, err := client.Do(req)
	if err != nil {
		return ProfileSet{}, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ProfileSet{}, 0, fmt.Errorf("ice endpoint returned %d", resp.StatusCode)
	}

	var creds models.ICECredentialsResponse
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return ProfileSet{}, 0, err
	}

	stun := creds.STUNURLs
	if len(stun) == 0 {
		stun = r.FallbackSTUNURLs
	}

	var turn []webrtc.ICEServer
	if len(creds.TURNURLs) > 0 && creds.Username != "" {
		turn = []webrtc.ICEServer{{
			URLs:       creds.TURNURLs,
			Username:   creds.Username,
			Credential: creds.Credential,
		}}
	}

	// Cache for half the credential lifetime so a set handed to a new
	// attempt is never on the verge of expiry.
	ttl := defaultProfileCacheTTL
	if creds.TTLSeconds > 0 {
		ttl = time.Duration(creds.TTLSeconds) * time.Second / 2
	}

	return BuildProfiles(stun, turn), ttl, nil
}
