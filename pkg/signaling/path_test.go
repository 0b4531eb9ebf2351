package signaling

import (
	"errors"
	"testing"
)

func TestRoomPaths(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"room", RoomPath("alpha"), "rooms/alpha"},
		{"offer", OfferPath("alpha"), "rooms/alpha/offer"},
		{"answer", AnswerPath("alpha"), "rooms/alpha/answer"},
		{"caller", CandidatesPath("alpha", CallerCandidates), "rooms/alpha/callerCandidates"},
		{"callee", CandidatesPath("alpha", CalleeCandidates), "rooms/alpha/calleeCandidates"},
		{"participants", ParticipantsPath("alpha"), "rooms/alpha/participants"},
		{"join", Join(ParticipantsPath("alpha"), "k1"), "rooms/alpha/participants/k1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestValidateSegment(t *testing.T) {
	t.Parallel()

	valid := []string{"alpha", "room-1", "ROOM_2", "sala de estar", "ção"}
	for _, seg := range valid {
		if err := ValidateSegment(seg); err != nil {
			t.Errorf("ValidateSegment(%q) = %v, want nil", seg, err)
		}
	}

	invalid := []string{"", "a.b", "a#b", "a$b", "a[b", "a]b", "a/b", "a\nb", "\x7f"}
	for _, seg := range invalid {
		err := ValidateSegment(seg)
		if !errors.Is(err, ErrInvalidPath) {
			t.Errorf("ValidateSegment(%q) = %v, want ErrInvalidPath", seg, err)
		}
	}
}

func TestCleanPath(t *testing.T) {
	t.Parallel()

	got, err := CleanPath("/rooms/alpha/offer/")
	if err != nil {
		t.Fatalf("CleanPath: %v", err)
	}
	if got != "rooms/alpha/offer" {
		t.Errorf("CleanPath = %q, want %q", got, "rooms/alpha/offer")
	}

	for _, p := range []string{"", "/", "rooms//alpha", "rooms/a.b"} {
		if _, err := CleanPath(p); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("CleanPath(%q) err = %v, want ErrInvalidPath", p, err)
		}
	}
}

func TestRelated(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want bool
	}{
		{"rooms/alpha", "rooms/alpha", true},
		{"rooms/alpha", "rooms/alpha/offer", true},
		{"rooms/alpha/offer", "rooms/alpha", true},
		{"rooms/alpha", "rooms/alphabet", false},
		{"rooms/alpha/offer", "rooms/alpha/answer", false},
	}
	for _, tt := range tests {
		if got := Related(tt.a, tt.b); got != tt.want {
			t.Errorf("Related(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
