// Package version resolves requested release versions against the
// repository HEAD.
package version

import (
	"context"
	"fmt"

	"github.com/mhutton/shipline/internal/pipeline"
)

// Latest is the sentinel meaning "whatever HEAD is at call time".
const Latest = 0

// HeadReader reports the repository HEAD revision.
type HeadReader interface {
	Head(ctx context.Context) (int, error)
}

// Resolver validates requested versions. It performs no writes.
type Resolver struct {
	repo HeadReader
}

// NewResolver returns a resolver backed by the given repository.
func NewResolver(repo HeadReader) Resolver {
	return Resolver{repo: repo}
}

// Resolve substitutes HEAD for the Latest sentinel and requires any
// explicit version to be a positive integer no newer than HEAD. The
// malformed-version check runs before the HEAD lookup so a bad request
// costs no network round trip.
func (r Resolver) Resolve(ctx context.Context, requested int) (int, error) {
	if requested < 0 {
		return 0, fmt.Errorf("%w: %d", pipeline.ErrInvalidVersion, requested)
	}
	head, err := r.repo.Head(ctx)
	if err != nil {
		return 0, fmt.Errorf("query repository head: %w", err)
	}
	if requested == Latest {
		return head, nil
	}
	if requested > head {
		return 0, fmt.Errorf("%w: requested %d, head is %d", pipeline.ErrVersionTooNew, requested, head)
	}
	return requested, nil
}
