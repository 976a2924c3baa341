package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenRoundTrip(t *testing.T) {
	inputs := []Input{
		Select(FieldCategory, "m"),
		Select(FieldGrade, "g5"),
		Select(FieldTrack, "m46_t2"),
		Select(FieldOption, "o3"),
		Cancel(),
		Confirm(),
		Edit(),
		Back(),
	}
	for _, in := range inputs {
		got, ok := DecodeToken(in.Token())
		assert.True(t, ok, in.Token())
		assert.Equal(t, in, got)
	}
}

func TestDecodeToken(t *testing.T) {
	cases := []struct {
		token string
		want  Input
		ok    bool
	}{
		{"cat:f", Select(FieldCategory, "f"), true},
		{"gender:m", Select(FieldCategory, "m"), true},
		{"opt:m46_t2:o3", Select(FieldOption, "o3"), true},
		{"back_to_tracks", Back(), true},
		{"track:", Input{}, false},
		{"opt:m46_t2:", Input{}, false},
		{"level:o1", Input{}, false},
		{"", Input{}, false},
		{"confirm!", Input{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.token, func(t *testing.T) {
			got, ok := DecodeToken(tc.token)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestTextHasNoToken(t *testing.T) {
	assert.Empty(t, Text("Ali").Token())
	assert.Empty(t, Attachment().Token())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting_option", StateAwaitingOption.String())
	assert.Equal(t, "terminal", StateTerminal.String())
	assert.Equal(t, "unknown", State(99).String())
}
