package signaling

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPath is returned when a path or path segment violates the key
// rules of the namespace.
var ErrInvalidPath = errors.New("signaling: invalid path")

// Candidate collections, one per role.
const (
	CallerCandidates = "callerCandidates"
	CalleeCandidates = "calleeCandidates"
)

// RoomPath returns the root of a room's subtree.
func RoomPath(roomID string) string { return "rooms/" + roomID }

// OfferPath returns the path of the creator's session description.
func OfferPath(roomID string) string { return RoomPath(roomID) + "/offer" }

// AnswerPath returns the path of the joiner's session description.
func AnswerPath(roomID string) string { return RoomPath(roomID) + "/answer" }

// CandidatesPath returns the candidate collection named by side
// ([CallerCandidates] or [CalleeCandidates]).
func CandidatesPath(roomID, side string) string { return RoomPath(roomID) + "/" + side }

// ParticipantsPath returns the presence collection of a room.
func ParticipantsPath(roomID string) string { return RoomPath(roomID) + "/participants" }

// Join concatenates path segments with "/".
func Join(parts ...string) string { return strings.Join(parts, "/") }

// ValidateSegment reports whether seg can be used as a single path segment.
// Segments must be non-empty and must not contain '.', '#', '$', '[', ']',
// '/' or ASCII control characters.
func ValidateSegment(seg string) error {
	if seg == "" {
		return fmt.Errorf("%w: empty segment", ErrInvalidPath)
	}
	for _, r := range seg {
		switch {
		case r < 0x20 || r == 0x7f:
			return fmt.Errorf("%w: control character in %q", ErrInvalidPath, seg)
		case strings.ContainsRune(".#$[]/", r):
			return fmt.Errorf("%w: %q contains %q", ErrInvalidPath, seg, r)
		}
	}
	return nil
}

// CleanPath trims surrounding slashes and validates every segment.
func CleanPath(p string) (string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	for seg := range strings.SplitSeq(p, "/") {
		if err := ValidateSegment(seg); err != nil {
			return "", err
		}
	}
	return p, nil
}

// IsAncestor reports whether a is a strict ancestor of b.
func IsAncestor(a, b string) bool {
	return len(b) > len(a) && strings.HasPrefix(b, a) && b[len(a)] == '/'
}

// Related reports whether a change at one path can alter the subtree at the
// other: the paths are equal or one is an ancestor of the other.
func Related(a, b string) bool {
	return a == b || IsAncestor(a, b) || IsAncestor(b, a)
}

// lastSegment returns the final segment of p.
func lastSegment(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}
