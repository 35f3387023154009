package spec

import "testing"

func TestSenderIDIsUserID(t *testing.T) {
	tests := map[string]struct {
		id     SenderID
		wantOk bool
	}{
		"basic":       {id: SenderID("@localpart:domain"), wantOk: true},
		"empty":       {id: SenderID(""), wantOk: false},
		"not_a_sigil": {id: SenderID("bGFja19vZl9hX3NpZ2ls"), wantOk: false},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if got := tc.id.IsUserID(); got != tc.wantOk {
				t.Fatalf("IsUserID() = %v, want %v", got, tc.wantOk)
			}
		})
	}
}

func TestSenderIDString(t *testing.T) {
	id := SenderID("@alice:example.org")
	if id.String() != "@alice:example.org" {
		t.Fatalf("String() = %s", id.String())
	}
}
