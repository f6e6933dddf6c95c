package deploy

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const versionPrefix = "zcp-"

// NewVersionID returns a version name unique to one deployment attempt:
// UTC timestamp with microseconds plus 8 random hex chars.
//
//	zcp-20261018T101501.123456-1a2b3c4d
func NewVersionID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return versionPrefix + now.UTC().Format("20060102T150405.000000") + "-" + suffix
}
