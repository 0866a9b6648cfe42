package transport

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrame_RoundTrips(t *testing.T) {
	msg := Message{
		MessageID:     "m1",
		Kind:          KindHeartbeat,
		HopsRemaining: 3,
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
		SenderNodeID:  "node-a",
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, msg))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, msg.MessageID, got.MessageID)
	assert.Equal(t, msg.Kind, got.Kind)
	assert.Equal(t, msg.HopsRemaining, got.HopsRemaining)
	assert.True(t, msg.CreatedAt.Equal(got.CreatedAt))
}

func TestReadFrame_RejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	header := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	buf.Write(header)

	_, err := ReadFrame(&buf)
	assert.Error(t, err)
}

func TestMessage_Expired(t *testing.T) {
	now := time.Now()
	msg := Message{CreatedAt: now.Add(-10 * time.Second)}
	assert.True(t, msg.Expired(5*time.Second, now))
	assert.False(t, msg.Expired(30*time.Second, now))
}
