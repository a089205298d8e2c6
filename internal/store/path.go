package store

import (
	"fmt"
	"strings"
)

// Paths alternate collection and document segments:
//
//	calls                         collection
//	calls/{id}                    document
//	calls/{id}/offerCandidates    collection
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

func splitPath(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	parts := strings.Split(path, "/")
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return nil, fmt.Errorf("%w: bad segment in %q", ErrInvalidPath, path)
		}
	}
	return parts, nil
}

// IsDocument reports whether path names a document rather than a collection.
func IsDocument(path string) bool {
	parts, err := splitPath(path)
	return err == nil && len(parts)%2 == 0
}

// SplitDoc returns the collection path and id of a document path.
func SplitDoc(path string) (collection, id string, err error) {
	parts, err := splitPath(path)
	if err != nil {
		return "", "", err
	}
	if len(parts)%2 != 0 {
		return "", "", fmt.Errorf("%w: %q is a collection", ErrInvalidPath, path)
	}
	return Join(parts[:len(parts)-1]...), parts[len(parts)-1], nil
}

// CleanCollection validates a collection path and returns it normalised.
func CleanCollection(path string) (string, error) {
	parts, err := splitPath(path)
	if err != nil {
		return "", err
	}
	if len(parts)%2 == 0 {
		return "", fmt.Errorf("%w: %q is a document", ErrInvalidPath, path)
	}
	return Join(parts...), nil
}
