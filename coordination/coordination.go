// Package coordination is a hierarchical node store with versioned writes and
// data watches. Paths look like "/run-42/messages/msg0000000001"; each segment is
// limited to letters, digits, '-', '_' and '='.
package coordination

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/c360/weave/errors"
)

// AnyVersion skips the version check of Set and Delete.
const AnyVersion int64 = -1

// CreateMode selects how Create names the node.
type CreateMode int

const (
	// Persistent creates the node at exactly the given path.
	Persistent CreateMode = iota
	// PersistentSequential appends a zero-padded, per-parent increasing counter
	// to the last path segment.
	PersistentSequential
)

// Stat is the metadata of a node version.
type Stat struct {
	Version  int64
	Modified time.Time
}

// Equal reports whether both stats describe the same node version.
func (s Stat) Equal(o Stat) bool {
	return s.Version == o.Version && s.Modified.Equal(o.Modified)
}

// NodeData is the content of a node together with its stat. The stat is what a
// later Set passes as expected version.
type NodeData struct {
	Data []byte
	Stat Stat
}

// Equal reports whether both the bytes and the stat match.
func (n NodeData) Equal(o NodeData) bool {
	return bytes.Equal(n.Data, o.Data) && n.Stat.Equal(o.Stat)
}

// EventType classifies a watch event.
type EventType int

const (
	NodeCreated EventType = iota
	NodeDataChanged
	NodeDeleted
)

func (t EventType) String() string {
	switch t {
	case NodeCreated:
		return "created"
	case NodeDataChanged:
		return "changed"
	case NodeDeleted:
		return "deleted"
	}
	return "unknown"
}

// Event reports a change of a watched node. Node is nil for NodeDeleted.
type Event struct {
	Type EventType
	Path string
	Node *NodeData
}

// Client is a session with the coordination service. Every operation fails with
// an error wrapping errors.ErrSessionLost once Expired is closed.
type Client interface {
	// Create makes a node and returns its actual path.
	Create(ctx context.Context, path string, data []byte, mode CreateMode) (string, error)
	// Get returns the node or errors.ErrNodeNotFound.
	Get(ctx context.Context, path string) (*NodeData, error)
	// Exists returns the stat of the node, or nil when it does not exist.
	Exists(ctx context.Context, path string) (*Stat, error)
	// Set replaces the data of an existing node. Unless version is AnyVersion the
	// write only succeeds if the node is still at that version (errors.ErrBadVersion).
	Set(ctx context.Context, path string, data []byte, version int64) (Stat, error)
	// Delete removes a node, with the same version rule as Set.
	Delete(ctx context.Context, path string, version int64) error
	// Children lists the names of the existing direct children of path.
	Children(ctx context.Context, path string) ([]string, error)
	// WatchData returns the current node (nil if absent) and a channel of later
	// changes. The channel is closed when ctx ends or the session expires.
	WatchData(ctx context.Context, path string) (*NodeData, <-chan Event, error)
	// Expired is closed when the session is lost for good.
	Expired() <-chan struct{}
}

const reservedPrefix = "__"

// validatePath checks path and returns its segments.
func validatePath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, invalidPath(path, "must start with /")
	}
	if path == "/" {
		return nil, nil
	}
	segments := strings.Split(path[1:], "/")
	for _, seg := range segments {
		if seg == "" {
			return nil, invalidPath(path, "empty segment")
		}
		if strings.HasPrefix(seg, reservedPrefix) {
			return nil, invalidPath(path, "segments starting with __ are reserved")
		}
		for _, r := range seg {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '=') {
				return nil, invalidPath(path, fmt.Sprintf("illegal character %q", r))
			}
		}
	}
	return segments, nil
}

func invalidPath(path, why string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: path %q %s", errors.ErrInvalidData, path, why),
		"coordination", "validatePath", "validate path")
}

// JoinPath joins path segments under a parent path.
func JoinPath(parent string, segments ...string) string {
	p := strings.TrimSuffix(parent, "/")
	for _, s := range segments {
		p += "/" + strings.Trim(s, "/")
	}
	if p == "" {
		return "/"
	}
	return p
}

// ParentAndName splits a path into its parent path and last segment.
func ParentAndName(path string) (string, string) {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "/", path[i+1:]
	}
	return path[:i], path[i+1:]
}

func sequentialName(name string, seq int64) string {
	return fmt.Sprintf("%s%010d", name, seq)
}

func sessionLost(method string) error {
	return errors.WrapFatal(errors.ErrSessionLost, "coordination", method, "use session")
}
