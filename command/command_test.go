package command

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/weave/errors"
)

func TestNewSetInstances(t *testing.T) {
	m := NewSetInstances("worker", 3)
	require.NoError(t, m.Validate())

	data, err := m.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"SYSTEM","scope":"RUNNABLE","runnableName":"worker",
		"command":{"command":"instances","options":{"count":"3"}}}`, string(data))

	back, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, m, back)
}

func TestMessage_Validate(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"unknown type", Message{Type: "X", Scope: ScopeApplication, Command: Command{Command: "c"}}},
		{"unknown scope", Message{Type: TypeUser, Scope: "X", Command: Command{Command: "c"}}},
		{"runnable scope without name", Message{Type: TypeUser, Scope: ScopeRunnable, Command: Command{Command: "c"}}},
		{"name outside runnable scope", Message{Type: TypeUser, Scope: ScopeApplication, RunnableName: "r", Command: Command{Command: "c"}}},
		{"empty command", Message{Type: TypeUser, Scope: ScopeAllRunnables}},
		{"negative count", NewSetInstances("r", -1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			_, err = tt.msg.Encode()
			assert.Error(t, err)
		})
	}

	user := Message{Type: TypeUser, Scope: ScopeAllRunnables, Command: Command{Command: "flush"}}
	data, err := user.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"options":{}`)
}

func TestDecodeReply(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Reply
		wantErr bool
	}{
		{"ok with result", `{"status":"OK","result":4}`, Reply{Status: StatusOK, Result: json.RawMessage("4")}, false},
		{"failed", `{"status":"FAILED","message":"no capacity"}`, Reply{Status: StatusFailed, Message: "no capacity"}, false},
		{"bad status", `{"status":"MAYBE"}`, Reply{}, true},
		{"not json", `garbage`, Reply{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeReply([]byte(tt.payload))
			if tt.wantErr {
				assert.True(t, errors.IsInvalid(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReply_Err(t *testing.T) {
	assert.NoError(t, Reply{Status: StatusOK}.Err())

	err := Reply{Status: StatusFailed, Message: "no capacity"}.Err()
	assert.ErrorIs(t, err, errors.ErrCommandFailed)
	assert.Contains(t, err.Error(), "no capacity")
}
