package weave

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/c360/weave/errors"
)

// RunID identifies one running application.
type RunID string

// NewRunID returns a fresh random run id.
func NewRunID() RunID {
	return RunID(uuid.NewString())
}

// ParseRunID validates s as a run id. Run ids become KV key tokens and stream
// names, so they may not contain separators, wildcards or whitespace.
func ParseRunID(s string) (RunID, error) {
	if s == "" {
		return "", errors.WrapInvalid(fmt.Errorf("empty run id"), "RunID", "Parse", "validate run id")
	}
	if i := strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(".*>/\\", r)
	}); i >= 0 {
		return "", errors.WrapInvalid(fmt.Errorf("run id %q contains illegal character %q", s, s[i]),
			"RunID", "Parse", "validate run id")
	}
	return RunID(s), nil
}

// String returns the run id as a string.
func (id RunID) String() string {
	return string(id)
}

// LogTopic returns the broker topic carrying the run's log entries.
func LogTopic(id RunID) string {
	return string(id) + "-log"
}
