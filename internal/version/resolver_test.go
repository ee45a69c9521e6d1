package version

import (
	"context"
	"errors"
	"testing"

	"github.com/mhutton/shipline/internal/pipeline"
)

type fakeHead struct {
	head  int
	err   error
	calls int
}

func (f *fakeHead) Head(ctx context.Context) (int, error) {
	f.calls++
	return f.head, f.err
}

func TestResolveLatestSubstitutesHead(t *testing.T) {
	repo := &fakeHead{head: 500}
	v, err := NewResolver(repo).Resolve(context.Background(), Latest)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 500 {
		t.Fatalf("expected head 500, got %d", v)
	}
}

func TestResolveAcceptsVersionAtOrBelowHead(t *testing.T) {
	repo := &fakeHead{head: 500}
	for _, requested := range []int{1, 499, 500} {
		v, err := NewResolver(repo).Resolve(context.Background(), requested)
		if err != nil {
			t.Fatalf("version %d: unexpected error: %v", requested, err)
		}
		if v != requested {
			t.Fatalf("version %d changed to %d", requested, v)
		}
	}
}

func TestResolveRejectsVersionAboveHead(t *testing.T) {
	repo := &fakeHead{head: 500}
	_, err := NewResolver(repo).Resolve(context.Background(), 501)
	if !errors.Is(err, pipeline.ErrVersionTooNew) {
		t.Fatalf("expected ErrVersionTooNew, got %v", err)
	}
}

func TestResolveRejectsNegativeBeforeHeadLookup(t *testing.T) {
	repo := &fakeHead{head: 500}
	_, err := NewResolver(repo).Resolve(context.Background(), -3)
	if !errors.Is(err, pipeline.ErrInvalidVersion) {
		t.Fatalf("expected ErrInvalidVersion, got %v", err)
	}
	if repo.calls != 0 {
		t.Fatalf("head was queried %d times for a malformed version", repo.calls)
	}
}

func TestResolvePropagatesHeadError(t *testing.T) {
	repo := &fakeHead{err: errors.New("repository unreachable")}
	if _, err := NewResolver(repo).Resolve(context.Background(), Latest); err == nil {
		t.Fatalf("expected error from head lookup")
	}
}
