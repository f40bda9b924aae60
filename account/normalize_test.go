package account

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUsername(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase passthrough", "alice", "alice"},
		{"uppercase folded", "ALICE", "alice"},
		{"surrounding whitespace trimmed", "  alice  ", "alice"},
		{"interior whitespace collapsed", "alice \t smith", "alice smith"},
		{"newline collapsed", "alice\nsmith", "alice smith"},
		{"mixed", "  Alice   SMITH ", "alice smith"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeUsername(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeUsername_Idempotent(t *testing.T) {
	once, err := NormalizeUsername("  Älice   Smith ")
	require.NoError(t, err)
	twice, err := NormalizeUsername(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestNormalizeUsername_Rejects(t *testing.T) {
	for _, in := range []string{"", "   ", "\t\n", "alice\x00"} {
		_, err := NormalizeUsername(in)
		assert.ErrorIs(t, err, ErrInvalidUsername, "input %q", in)
	}
}
