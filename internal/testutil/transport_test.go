package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, st *ScriptedTransport, s string) {
	t.Helper()
	_, err := st.Write([]byte(s))
	require.NoError(t, err)
}

func TestTransmittedLinesIgnoresControlSequences(t *testing.T) {
	st := NewScriptedTransport()

	// A full exchange as the driver produces it: the raw-mode handshake
	// is not CR-LF terminated, so the first code line lands in the same
	// split segment as the handshake bytes.
	write(t, st, "\r\x03\x03")
	write(t, st, "\r\x01")
	write(t, st, "a = 1")
	write(t, st, "\r\n")
	write(t, st, "b = 2")
	write(t, st, "\r\n")
	write(t, st, "\r\x04")

	assert.Equal(t, []string{"a = 1", "b = 2"}, st.TransmittedLines())
}

func TestTransmittedLinesEmptyForControlOnlyTraffic(t *testing.T) {
	st := NewScriptedTransport()

	write(t, st, "\r\x03\x03")
	write(t, st, "\r\x01")
	write(t, st, "\r\x04")
	write(t, st, "\r\x02")

	assert.Empty(t, st.TransmittedLines())
}
