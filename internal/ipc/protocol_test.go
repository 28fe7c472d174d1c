package ipc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	msg, err := NewJSONMessage(MsgStatusResponse, 7, &StatusPayload{
		Version:   "1.2.3",
		UptimeSec: 42,
		Alive:     true,
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, msg.Write(&buf))

	decoded, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgStatusResponse, decoded.Header.Type)
	assert.Equal(t, uint32(7), decoded.Header.RequestID)

	var status StatusPayload
	require.NoError(t, decoded.Unmarshal(&status))
	assert.Equal(t, "1.2.3", status.Version)
	assert.True(t, status.Alive)
}

func TestReadHeaderRejectsBadMagic(t *testing.T) {
	msg := NewMessage(MsgPing, 1, nil)
	var buf bytes.Buffer
	require.NoError(t, msg.Write(&buf))
	raw := buf.Bytes()
	raw[0] ^= 0xff

	_, err := ReadMessage(bytes.NewReader(raw))
	require.Error(t, err)
}

func TestReadHeaderRejectsOversizedPayload(t *testing.T) {
	h := Header{
		Magic:   ProtocolMagic,
		Version: ProtocolVersion,
		Type:    MsgPing,
		Length:  MaxPayloadSize + 1,
	}
	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))

	_, err := ReadHeader(&buf)
	require.Error(t, err)
}

func TestInjectSchemaAcceptsValidKey(t *testing.T) {
	payload := []byte(`{"kind":"key","action":"down","key_code":29}`)
	assert.NoError(t, ValidateInjectPayload(payload))
}

func TestInjectSchemaAcceptsValidMotion(t *testing.T) {
	payload := []byte(`{"kind":"motion","action":"down","pointers":[{"id":0,"x":10,"y":20}]}`)
	assert.NoError(t, ValidateInjectPayload(payload))
}

func TestInjectSchemaRejections(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"missing kind", `{"action":"down"}`},
		{"unknown kind", `{"kind":"wheel","action":"down"}`},
		{"unknown action", `{"kind":"key","action":"sideways"}`},
		{"pointer id out of range", `{"kind":"motion","action":"down","pointers":[{"id":64,"x":1,"y":2}]}`},
		{"too many pointers", func() string {
			s := `{"kind":"motion","action":"down","pointers":[`
			for i := 0; i < 17; i++ {
				if i > 0 {
					s += ","
				}
				s += `{"id":1,"x":0,"y":0}`
			}
			return s + `]}`
		}()},
		{"not json", `{{{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, ValidateInjectPayload([]byte(tc.payload)))
		})
	}
}
