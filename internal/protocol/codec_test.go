package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_FixesSentAt(t *testing.T) {
	req := require.New(t)
	fixed := time.Date(2025, 7, 27, 16, 5, 5, 0, time.UTC)
	restore := Now
	Now = func() time.Time { return fixed }
	defer func() { Now = restore }()

	env := New(KindRoomMsg, "alice", Room("general"), Body("hi"))

	req.Equal(KindRoomMsg, env.Kind)
	req.Equal("alice", env.From)
	req.Equal("general", env.Room)
	req.Equal("hi", env.Body)
	req.Empty(env.To)
	req.Equal(fixed, env.SentAt)
}

func TestEncodeDecode_PreservesFields(t *testing.T) {
	req := require.New(t)
	env := New(KindPrivateMsg, "alice", To("bob"), Body("psst"))

	data, err := Encode(env)
	req.NoError(err)
	req.NotContains(string(data), "\n")

	got, err := Decode(append(data, '\r', '\n'))
	req.NoError(err)
	req.Equal(env.Kind, got.Kind)
	req.Equal(env.From, got.From)
	req.Equal(env.To, got.To)
	req.Equal(env.Body, got.Body)
	req.True(env.SentAt.Equal(got.SentAt))
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantErr error
	}{
		{name: "not json", line: "hello there", wantErr: ErrMalformed},
		{name: "truncated", line: `{"kind":"ROOM_MSG"`, wantErr: ErrMalformed},
		{name: "array", line: `["ROOM_MSG"]`, wantErr: ErrMalformed},
		{name: "missing kind", line: `{"from":"alice"}`, wantErr: ErrMissingKind},
		{name: "null", line: `null`, wantErr: ErrMissingKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.line))
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDecode_UnknownKindIsNamed(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"SHOUT","body":"x"}`))

	var unknown *UnknownKindError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, Kind("SHOUT"), unknown.Kind)
	assert.Contains(t, err.Error(), "SHOUT")
}

func TestDecode_ClientDisconnectHasNoFields(t *testing.T) {
	env, err := Decode([]byte(`{"kind":"DISCONNECT"}`))
	require.NoError(t, err)
	assert.Equal(t, KindDisconnect, env.Kind)
	assert.True(t, env.SentAt.IsZero())
}

func TestError_IsFromServer(t *testing.T) {
	env := Error("room not found: dev")
	assert.Equal(t, KindError, env.Kind)
	assert.Equal(t, ServerName, env.From)
	assert.Equal(t, "room not found: dev", env.Body)
}
