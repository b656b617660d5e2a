// Package version implements HiDRA's sender version string and the
// major.minor compatibility rule used during the external control
// handshake (spec.md §6 "Sender version compatibility rule").
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Current is the sender's own version string, reported by GET_VERSION and
// embedded in every VERSION_CONFLICT reply.
var Current = "1.4.0"

// Compatible reports whether peer and Current agree on major and minor
// version components; the patch component is ignored (P5).
func Compatible(peer string) bool {
	pMajor, pMinor, ok := majorMinor(peer)
	if !ok {
		return false
	}
	cMajor, cMinor, _ := majorMinor(Current)
	return pMajor == cMajor && pMinor == cMinor
}

func majorMinor(v string) (major, minor int, ok bool) {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 {
		return 0, 0, false
	}
	major, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return major, minor, true
}

// ConflictReply formats the single-frame VERSION_CONFLICT reply payload.
func ConflictReply() string {
	return fmt.Sprintf("VERSION_CONFLICT %s", Current)
}
