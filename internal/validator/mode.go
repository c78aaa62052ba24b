package validator

import (
	"fmt"
	"strings"
)

// Mode selects how much the validator relies on the authority.
type Mode uint8

const (
	// ModeOnline asks the authority on every scan; a timeout degrades to the offline path.
	ModeOnline Mode = iota
	// ModeOffline never contacts the authority.
	ModeOffline
	// ModeHybrid decides locally while the Bloom snapshot is clean and asks the authority on a hit.
	ModeHybrid
)

func (m Mode) String() string {
	switch m {
	case ModeOnline:
		return "online"
	case ModeOffline:
		return "offline"
	case ModeHybrid:
		return "hybrid"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode parses "online", "offline" or "hybrid".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online":
		return ModeOnline, nil
	case "offline":
		return ModeOffline, nil
	case "hybrid":
		return ModeHybrid, nil
	}
	return 0, fmt.Errorf("unknown validator mode %q", s)
}

// route is the next step after a ticket passed every local check.
type route uint8

const (
	routeAuthority    route = iota // authoritative insert-if-absent
	routeOffline                   // optimistic local acceptance
	routeAlreadySpent              // this validator already accepted the same ledger key
)

// localFacts are the non-cryptographic observations the routing depends on.
type localFacts struct {
	duplicate bool // local duplicate cache hit
	bloomHit  bool // snapshot says "possibly spent"
}

// plan dispatches on the mode. A Bloom hit alone never rejects.
func plan(m Mode, f localFacts) route {
	if f.duplicate {
		return routeAlreadySpent
	}
	switch m {
	case ModeOnline:
		return routeAuthority
	case ModeHybrid:
		if f.bloomHit {
			return routeAuthority
		}
		return routeOffline
	default:
		return routeOffline
	}
}
