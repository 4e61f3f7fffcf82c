package coordination

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToKey(t *testing.T) {
	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{"/", "", false},
		{"/run-42", "run-42", false},
		{"/run-42/messages/msg0000000001", "run-42.messages.msg0000000001", false},
		{"/a_b=c", "a_b=c", false},
		{"", "", true},
		{"run", "", true},
		{"/a/", "", true},
		{"/a b", "", true},
		{"/a>b", "", true},
		{"/run/__seq", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := toKey(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJoinAndSplit(t *testing.T) {
	assert.Equal(t, "/run-42/messages", JoinPath("/run-42", "messages"))
	assert.Equal(t, "/a/b/c", JoinPath("/a/", "b", "/c"))
	assert.Equal(t, "/x", JoinPath("/", "x"))
	assert.Equal(t, "/", JoinPath("/"))

	parent, name := ParentAndName("/run-42/messages/msg")
	assert.Equal(t, "/run-42/messages", parent)
	assert.Equal(t, "msg", name)

	parent, name = ParentAndName("/run-42")
	assert.Equal(t, "/", parent)
	assert.Equal(t, "run-42", name)

	assert.Equal(t, "msg0000000042", sequentialName("msg", 42))
	assert.Equal(t, "__seq", counterKey(""))
	assert.Equal(t, "run.messages.__seq", counterKey("run.messages"))
}

func TestNodeDataEqual(t *testing.T) {
	a := NodeData{Data: []byte("x"), Stat: Stat{Version: 3}}
	assert.True(t, a.Equal(NodeData{Data: []byte("x"), Stat: Stat{Version: 3}}))
	assert.False(t, a.Equal(NodeData{Data: []byte("y"), Stat: Stat{Version: 3}}))
	assert.False(t, a.Equal(NodeData{Data: []byte("x"), Stat: Stat{Version: 4}}))
	assert.Equal(t, "deleted", NodeDeleted.String())
}
