package mesh

import "time"

// Tier is one rung of the connection attempt ladder. The tier number doubles
// as the attempt counter: a peer entry at TierRelayOnly is on its third and
// final attempt.
type Tier int

const (
	// TierHybrid is the first attempt: direct-path candidates plus relay
	// fallback, everything optimistic.
	TierHybrid Tier = iota + 1
	// TierHybridConservative is the second attempt: same hint set, but the
	// soft-restart shortcut has been spent and timeouts tighten.
	TierHybridConservative
	// TierRelayOnly is the final attempt: all traffic forced through the
	// relay, trading latency for near-guaranteed traversal.
	TierRelayOnly
)

const maxTier = TierRelayOnly

func (t Tier) String() string {
	switch t {
	case TierHybrid:
		return "hybrid"
	case TierHybridConservative:
		return "hybrid-conservative"
	case TierRelayOnly:
		return "relay-only"
	default:
		return "invalid"
	}
}

func (t Tier) RelayOnly() bool {
	return t == TierRelayOnly
}

// NextTier computes the ladder transition. Without force the tier never
// moves. A forced step from the final tier reports exhaustion: the caller
// tears the peer down instead of making a fourth attempt.
func NextTier(current Tier, forced bool) (Tier, bool) {
	if !forced {
		return current, true
	}
	if current >= maxTier {
		return current, false
	}
	return current + 1, true
}

// NegotiationTimeout is the deadline for a remote description to land on
// this attempt before escalation is forced. The post-soft-restart window on
// the first tier gets its own, shorter slot.
func (t Tier) NegotiationTimeout(softRestarted bool) time.Duration {
	switch {
	case t == TierHybrid && !softRestarted:
		return 5 * time.Second
	case t == TierHybrid:
		return 4 * time.Second
	case t == TierHybridConservative:
		return 3 * time.Second
	default:
		return 2 * time.Second
	}
}
