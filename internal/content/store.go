// Package content resolves content references and sub-paths to bytes.
package content

import (
	"context"
	"errors"
	"strings"

	"cas-player/internal/media"
)

// ErrNotFound is returned when a reference or path does not resolve.
var ErrNotFound = errors.New("content not found")

// Store fetches the bytes at ref, optionally below a slash-separated path.
type Store interface {
	Get(ctx context.Context, ref media.Ref, path string) ([]byte, error)
}

// Address returns the canonical /ipfs/<ref>[/<path>] form of a lookup.
func Address(ref media.Ref, path string) string {
	path = strings.Trim(path, "/")
	if path == "" {
		return "/ipfs/" + ref.String()
	}
	return "/ipfs/" + ref.String() + "/" + path
}
