package session

import (
	"encoding/json"
	"testing"
)

func TestState_TextRoundTrip(t *testing.T) {
	t.Parallel()

	for st := StateIdle; st <= StateFailed; st++ {
		b, err := st.MarshalText()
		if err != nil {
			t.Fatalf("%v: MarshalText: %v", st, err)
		}
		var got State
		if err := got.UnmarshalText(b); err != nil {
			t.Fatalf("%s: UnmarshalText: %v", b, err)
		}
		if got != st {
			t.Errorf("round trip of %s = %v", b, got)
		}
	}

	var st State
	if err := st.UnmarshalText([]byte("ringing")); err == nil {
		t.Error("unknown state accepted")
	}
}

func TestStatus_JSON(t *testing.T) {
	t.Parallel()

	in := Status{State: StateConnected, Role: RoleJoiner, RoomID: "alpha", InCall: true, Participants: 2}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["state"] != "connected" {
		t.Errorf("state field = %v, want \"connected\"", raw["state"])
	}

	var out Status
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Errorf("decoded = %+v, want %+v", out, in)
	}
}
