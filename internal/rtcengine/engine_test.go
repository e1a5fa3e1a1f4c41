package rtcengine

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name  string
		first byte
		want  packetKind
	}{
		{"stun request", 0x00, kindSTUN},
		{"stun success", 0x01, kindSTUN},
		{"dtls change cipher spec", 20, kindDTLS},
		{"dtls handshake", 22, kindDTLS},
		{"dtls application data", 23, kindDTLS},
		{"rtp version 2", 0x80, kindRTP},
		{"rtcp range upper bound", 191, kindRTP},
		{"ascii G is none of them", 'G', kindUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classify([]byte{tc.first, 0x00}))
		})
	}

	assert.Equal(t, kindUnknown, classify(nil))
}

func TestEngineFingerprintFormat(t *testing.T) {
	e, err := New(Config{LocalUfrag: "loc", LocalPwd: "pwd"})
	require.NoError(t, err)
	defer e.Close()

	fp := e.FingerprintSHA256()
	assert.Regexp(t, regexp.MustCompile(`^([0-9A-F]{2}:){31}[0-9A-F]{2}$`), fp)

	// The fingerprint is stable for the life of the engine: the answer's
	// a=fingerprint must match what the DTLS handshake later presents.
	assert.Equal(t, fp, e.FingerprintSHA256())
}

func TestEngineLifecycle(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)

	assert.Equal(t, StateNew, e.State())
	assert.True(t, e.NextTimeout().After(time.Now().Add(-time.Second)))

	require.NoError(t, e.HandleTimeout())
	assert.True(t, e.NextTimeout().After(time.Now()))

	require.NoError(t, e.Close())
	assert.Equal(t, StateClosed, e.State())
	require.NoError(t, e.Close(), "close is idempotent")
}

func TestWriteRTPBeforeHandshakeFails(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)
	defer e.Close()

	assert.Error(t, e.WriteRTP(true, nil), "srtp keys are not derived before the dtls handshake")
	assert.Error(t, e.WriteData([]byte("ping"), true), "data channel is not open before sctp comes up")
}
