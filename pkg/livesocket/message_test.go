package livesocket

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	payload := []byte(`{"type":"update","project_id":3}`)
	msg, err := DecodeMessage(payload)
	require.NoError(t, err)
	require.Equal(t, "update", msg.Type())

	payload[2] = 'X'
	require.JSONEq(t, `{"type":"update","project_id":3}`, string(msg.Raw), "raw must not alias the read buffer")

	var v struct {
		ProjectID int `json:"project_id"`
	}
	require.NoError(t, msg.Decode(&v))
	require.Equal(t, 3, v.ProjectID)
}

func TestDecodeMessage_NonObjectHasNoType(t *testing.T) {
	msg, err := DecodeMessage([]byte(`[1,2]`))
	require.NoError(t, err)
	require.Equal(t, "", msg.Type())
	require.Equal(t, []any{float64(1), float64(2)}, msg.Value)
}

func TestDecodeMessage_Malformed(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"type":`))
	require.Error(t, err)

	_, err = DecodeMessage(nil)
	require.Error(t, err)
}

func TestInertTransport(t *testing.T) {
	var tr Transport = InertTransport{}
	require.NoError(t, tr.Send(context.Background(), []byte(`{}`)))
	require.NoError(t, tr.Close())
	require.True(t, InertTransport{}.IsOpen())
	require.Equal(t, "inert", StateInert.String())
	require.Equal(t, "State(9)", State(9).String())
}
