// Package sessionid validates and canonicalizes session identifiers.
//
// Two historical shapes are accepted on input: the hyphenated form
// (8-4-4-4-12 hex groups) and the compact form (32 bare hex digits).
// Both normalize to the lowercase hyphenated form, so lookups and
// persistence deal with exactly one spelling.
package sessionid

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	hyphenated = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	compact    = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
)

// ErrInvalid is returned for identifiers matching neither accepted shape.
var ErrInvalid = errors.New("invalid session identifier")

// Normalize returns the canonical hyphenated lowercase form of id.
func Normalize(id string) (string, error) {
	id = strings.TrimSpace(id)
	switch {
	case hyphenated.MatchString(id):
		return strings.ToLower(id), nil
	case compact.MatchString(id):
		id = strings.ToLower(id)
		return id[0:8] + "-" + id[8:12] + "-" + id[12:16] + "-" + id[16:20] + "-" + id[20:32], nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalid, id)
	}
}

// Synthetic returns the pid-derived identifier used when a spawned child
// never self-reported within the wait window.
func Synthetic(pid int) string {
	return "pid-" + strconv.Itoa(pid)
}

// SyntheticPID extracts the pid from a synthetic identifier. ok is false
// for anything that is not of the pid-<n> form.
func SyntheticPID(id string) (int, bool) {
	rest, found := strings.CutPrefix(id, "pid-")
	if !found {
		return 0, false
	}
	pid, err := strconv.Atoi(rest)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
