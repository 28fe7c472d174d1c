package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inputd/internal/event"
)

func keyMessage(seq uint32) Message {
	return Message{Type: MessageTypeKey, Seq: seq, KeyCode: event.KeycodeA}
}

func TestPublishReceiveRoundTrip(t *testing.T) {
	server, client := Pair("test", 4)

	require.NoError(t, server.Publish(keyMessage(1)))
	require.NoError(t, server.Publish(keyMessage(2)))

	msg, err := client.ReceiveEvent()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), msg.Seq)

	msg, err = client.ReceiveEvent()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), msg.Seq)

	_, err = client.ReceiveEvent()
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestPublishWouldBlockAtCapacity(t *testing.T) {
	server, _ := Pair("test", 2)

	require.NoError(t, server.Publish(keyMessage(1)))
	require.NoError(t, server.Publish(keyMessage(2)))
	assert.ErrorIs(t, server.Publish(keyMessage(3)), ErrWouldBlock)
}

func TestFinishedSignalOrdering(t *testing.T) {
	server, client := Pair("test", 4)

	require.NoError(t, client.SendFinishedSignal(9, true))
	require.NoError(t, client.SendFinishedSignal(10, false))

	sig, err := server.ReceiveFinishedSignal()
	require.NoError(t, err)
	assert.Equal(t, FinishedSignal{Seq: 9, Handled: true}, sig)

	sig, err = server.ReceiveFinishedSignal()
	require.NoError(t, err)
	assert.Equal(t, FinishedSignal{Seq: 10, Handled: false}, sig)

	_, err = server.ReceiveFinishedSignal()
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestFinishedCallbackFiresOnFirstSignal(t *testing.T) {
	server, client := Pair("test", 4)

	calls := 0
	server.SetFinishedCallback(func() { calls++ })

	require.NoError(t, client.SendFinishedSignal(1, true))
	require.NoError(t, client.SendFinishedSignal(2, true))
	assert.Equal(t, 1, calls, "callback fires on empty-to-non-empty only")

	_, _ = server.ReceiveFinishedSignal()
	_, _ = server.ReceiveFinishedSignal()
	require.NoError(t, client.SendFinishedSignal(3, true))
	assert.Equal(t, 2, calls)
}

func TestClosedClientReportsDeadObject(t *testing.T) {
	server, client := Pair("test", 4)
	client.Close()

	assert.ErrorIs(t, server.Publish(keyMessage(1)), ErrDeadObject)
	_, err := server.ReceiveFinishedSignal()
	assert.ErrorIs(t, err, ErrDeadObject)
}

func TestClosedServerReportsDeadObject(t *testing.T) {
	server, client := Pair("test", 4)
	server.Close()

	_, err := client.ReceiveEvent()
	assert.ErrorIs(t, err, ErrDeadObject)
	assert.ErrorIs(t, client.SendFinishedSignal(1, true), ErrDeadObject)
}

func TestCloseWakesPeerCallback(t *testing.T) {
	server, client := Pair("test", 4)
	woken := false
	server.SetFinishedCallback(func() { woken = true })
	client.Close()
	assert.True(t, woken, "closing the client must wake the server side")
}

func TestPendingEvents(t *testing.T) {
	server, client := Pair("test", 4)
	require.NoError(t, server.Publish(keyMessage(1)))
	assert.Equal(t, 1, server.PendingEvents())
	_, _ = client.ReceiveEvent()
	assert.Equal(t, 0, server.PendingEvents())
}
