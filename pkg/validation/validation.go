package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// ParticipantIDRegex validates participant ID format
	ParticipantIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.@-]+$`)
)

const maxParticipantIDLength = 128

// ValidateParticipantID validates participant ID
func ValidateParticipantID(id string) error {
	if id == "" {
		return fmt.Errorf("participant ID is required")
	}
	if len(id) > maxParticipantIDLength {
		return fmt.Errorf("participant ID is too long (max %d characters)", maxParticipantIDLength)
	}
	if !ParticipantIDRegex.MatchString(id) {
		return fmt.Errorf("invalid participant ID format")
	}
	return nil
}

// ValidateParticipantList validates every id of a comma separated list and
// returns them trimmed.
func ValidateParticipantList(list string) ([]string, error) {
	var ids []string
	for _, raw := range strings.Split(list, ",") {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if err := ValidateParticipantID(id); err != nil {
			return nil, fmt.Errorf("participant %q: %w", id, err)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("participant list is empty")
	}
	return ids, nil
}

// ValidateURL validates URL format against the allowed schemes
func ValidateURL(urlStr string, schemes ...string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if len(schemes) == 0 {
		schemes = []string{"http", "https", "ws", "wss"}
	}
	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("invalid URL scheme %q (must be one of %s)", u.Scheme, strings.Join(schemes, ", "))
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateICEServerURL validates a STUN or TURN url such as
// stun:stun.l.google.com:19302.
func ValidateICEServerURL(raw string) error {
	for _, prefix := range []string{"stun:", "stuns:", "turn:", "turns:"} {
		if strings.HasPrefix(raw, prefix) {
			if len(raw) == len(prefix) {
				return fmt.Errorf("ICE server URL %q has no host", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("ICE server URL %q must start with stun:, stuns:, turn: or turns:", raw)
}

// ValidatePortRange validates an ephemeral UDP port range. Zero for both
// means any port.
func ValidatePortRange(min, max uint16) error {
	if min == 0 && max == 0 {
		return nil
	}
	if min == 0 || max == 0 {
		return fmt.Errorf("port range needs both ends")
	}
	if min > max {
		return fmt.Errorf("port range min %d is above max %d", min, max)
	}
	return nil
}
