package sync

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

var ErrInvalidPath = errors.New("invalid path")

// RelPath is a canonical path relative to the HQ root: forward slashes, no
// leading slash, no traversal segments.
type RelPath string

func (p RelPath) String() string {
	return string(p)
}

// NormalizeRelPath canonicalizes raw into a RelPath. Backslashes become
// forward slashes and a single leading slash is stripped; empty paths,
// absolute remainders and ".." traversal are rejected.
func NormalizeRelPath(raw string) (RelPath, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}

	s := strings.ReplaceAll(raw, "\\", "/")
	s = strings.TrimPrefix(s, "/")
	if s == "" || strings.HasPrefix(s, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, raw)
	}

	s = path.Clean(s)
	if s == "." || s == ".." || strings.HasPrefix(s, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, raw)
	}

	return RelPath(s), nil
}

// KeyPrefix returns the remote prefix all of a user's HQ objects live under.
func KeyPrefix(userID string) string {
	return userID + "/hq/"
}

// Key derives the object key for p under userID's HQ prefix.
func (p RelPath) Key(userID string) string {
	return KeyPrefix(userID) + string(p)
}

// MarkerKey derives the directory marker key for p.
func (p RelPath) MarkerKey(userID string) string {
	return p.Key(userID) + "/"
}

// RelPathFromKey strips the user prefix from an object key. Marker keys keep
// their trailing slash; use IsMarkerKey first.
func RelPathFromKey(key string, userID string) (RelPath, error) {
	prefix := KeyPrefix(userID)
	rel, ok := strings.CutPrefix(key, prefix)
	if !ok {
		return "", fmt.Errorf("%w: key %q outside prefix %q", ErrInvalidPath, key, prefix)
	}
	return NormalizeRelPath(rel)
}

// IsMarkerKey reports whether key denotes a directory marker object.
func IsMarkerKey(key string) bool {
	return strings.HasSuffix(key, "/")
}
