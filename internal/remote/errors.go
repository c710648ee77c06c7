package remote

import (
	"errors"
	"strings"
)

var (
	// ErrUnavailable marks transient failures: no connectivity, timeouts, server hiccups.
	ErrUnavailable = errors.New("remote unavailable")
	// ErrPermissionDenied marks writes or reads the caller is not allowed to make.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
)

// IsPermission reports whether err is an authorization failure.
func IsPermission(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// IsTransient reports whether err is worth retrying. Errors that are not
// classified as permanent are treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermission(err) && !errors.Is(err, ErrNotFound)
}

// SplitPath splits "a/b/c/d" into collection "a/b/c" and id "d".
func SplitPath(path string) (collection, id string, ok bool) {
	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return "", "", false
	}
	return path[:i], path[i+1:], true
}
