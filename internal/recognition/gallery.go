package recognition

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Source lists every enrolled descriptor.
type Source interface {
	Descriptors(ctx context.Context) ([]Entry, error)
}

// Gallery is an in-memory snapshot of the registry. Readers never block;
// Reload builds a new snapshot and swaps it in.
type Gallery struct {
	src  Source
	mu   sync.Mutex
	snap atomic.Pointer[[]Entry]
}

// NewGallery creates an empty gallery over src.
func NewGallery(src Source) *Gallery {
	g := &Gallery{src: src}
	empty := []Entry{}
	g.snap.Store(&empty)
	return g
}

// Reload replaces the snapshot with the current contents of the source.
func (g *Gallery) Reload(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	entries, err := g.src.Descriptors(ctx)
	if err != nil {
		return fmt.Errorf("load descriptors: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	g.snap.Store(&entries)
	return nil
}

// Entries returns the current snapshot. Callers must not modify it.
func (g *Gallery) Entries() []Entry {
	return *g.snap.Load()
}

// Len reports the number of descriptors in the snapshot.
func (g *Gallery) Len() int {
	return len(g.Entries())
}
