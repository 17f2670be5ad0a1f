package nurture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatDelay(t *testing.T) {
	cases := []struct {
		hours int
		want  string
	}{
		{0, "0h"},
		{-3, "0h"},
		{1, "1h"},
		{23, "23h"},
		{24, "1d"},
		{25, "1d 1h"},
		{72, "3d"},
		{168, "7d"},
		{170, "7d 2h"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FormatDelay(tc.hours), "hours=%d", tc.hours)
	}
}

func TestParseDelay(t *testing.T) {
	t.Run("Inverts FormatDelay", func(t *testing.T) {
		for _, h := range []int{0, 1, 5, 24, 25, 48, 71, 168, 1000} {
			got, err := ParseDelay(FormatDelay(h))
			require.NoError(t, err)
			assert.Equal(t, h, got)
		}
	})

	t.Run("Accepts extra whitespace", func(t *testing.T) {
		got, err := ParseDelay("  2d   3h ")
		require.NoError(t, err)
		assert.Equal(t, 51, got)
	})

	t.Run("Rejects malformed input", func(t *testing.T) {
		for _, in := range []string{"", "h", "3", "3m", "1h 1d", "1d 1d", "-1h", "1d 2h 3h", "xd"} {
			_, err := ParseDelay(in)
			assert.Error(t, err, "input %q", in)
		}
	})
}
