package log4gox

import (
	"testing"

	"github.com/alecthomas/log4go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ParseLevel(t *testing.T) {
	cases := map[string]log4go.Level{
		"debug":   log4go.DEBUG,
		"INFO":    log4go.INFO,
		"":        log4go.INFO,
		" warn ":  log4go.WARNING,
		"warning": log4go.WARNING,
		"error":   log4go.ERROR,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}
