package sealog

import (
	"strings"

	"github.com/google/uuid"
)

// newOperationID returns a short unique id used to name rotation operations
// and their scratch files.
func newOperationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
