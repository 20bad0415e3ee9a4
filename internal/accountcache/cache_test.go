package accountcache

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeSource struct {
	mu      sync.Mutex
	active  map[int64]bool
	queries int
	err     error
}

func (f *fakeSource) ActiveAccountIDs(context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var ids []int64
	for id, ok := range f.active {
		if ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeSource) IsActive(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.err != nil {
		return false, f.err
	}
	return f.active[id], nil
}

func TestValidate_MissQueriesOnceThenHits(t *testing.T) {
	src := &fakeSource{active: map[int64]bool{1: true}}
	c := New(src, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := c.Validate(ctx, 1)
		if err != nil || !ok {
			t.Fatalf("expected valid account, got %v, %v", ok, err)
		}
	}
	if src.queries != 1 {
		t.Fatalf("expected 1 store query, got %d", src.queries)
	}
}

func TestValidate_UnknownAccount(t *testing.T) {
	src := &fakeSource{active: map[int64]bool{}}
	c := New(src, nil)

	ok, err := c.Validate(context.Background(), 99)
	if err != nil || ok {
		t.Fatalf("expected unknown account to be invalid, got %v, %v", ok, err)
	}
	if c.Size() != 0 {
		t.Fatal("unknown account was cached")
	}
}

func TestRemove_InvalidatesDeactivatedAccount(t *testing.T) {
	src := &fakeSource{active: map[int64]bool{1: true}}
	c := New(src, nil)
	ctx := context.Background()

	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if c.Size() != 1 {
		t.Fatalf("expected 1 cached account, got %d", c.Size())
	}

	// Row still exists but is inactive.
	src.active[1] = false
	c.Remove(1)

	ok, err := c.Validate(ctx, 1)
	if err != nil || ok {
		t.Fatalf("deactivated account still validates: %v, %v", ok, err)
	}
}

func TestValidate_SourceError(t *testing.T) {
	boom := errors.New("db down")
	c := New(&fakeSource{err: boom}, nil)
	if _, err := c.Validate(context.Background(), 1); !errors.Is(err, boom) {
		t.Fatalf("expected source error, got %v", err)
	}
	if err := c.Refresh(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected source error on refresh, got %v", err)
	}
}

func TestAdd(t *testing.T) {
	c := New(&fakeSource{}, nil)
	c.Add(5)
	ok, err := c.Validate(context.Background(), 5)
	if err != nil || !ok {
		t.Fatalf("added account not valid: %v, %v", ok, err)
	}
}

// gatedSource answers from fakeSource, then holds the answer until release
// is closed.
type gatedSource struct {
	*fakeSource
	answered chan struct{}
	release  chan struct{}
}

func newGatedSource(active map[int64]bool) *gatedSource {
	return &gatedSource{
		fakeSource: &fakeSource{active: active},
		answered:   make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (g *gatedSource) IsActive(ctx context.Context, id int64) (bool, error) {
	ok, err := g.fakeSource.IsActive(ctx, id)
	close(g.answered)
	<-g.release
	return ok, err
}

func (g *gatedSource) ActiveAccountIDs(ctx context.Context) ([]int64, error) {
	ids, err := g.fakeSource.ActiveAccountIDs(ctx)
	close(g.answered)
	<-g.release
	return ids, err
}

func (g *gatedSource) deactivate(id int64) {
	g.mu.Lock()
	g.active[id] = false
	g.mu.Unlock()
}

func TestValidate_RemoveDuringLookupIsNotReadded(t *testing.T) {
	src := newGatedSource(map[int64]bool{7: true})
	c := New(src, nil)

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := c.Validate(context.Background(), 7)
		done <- result{ok, err}
	}()

	<-src.answered
	src.deactivate(7)
	c.Remove(7)
	close(src.release)

	r := <-done
	if r.err != nil || r.ok {
		t.Fatalf("stale lookup validated a removed account: %v, %v", r.ok, r.err)
	}
	if c.Size() != 0 {
		t.Fatalf("removed account was cached, size %d", c.Size())
	}
	if len(c.removed) != 0 {
		t.Fatalf("removal log not cleared: %v", c.removed)
	}
}

func TestRefresh_RemoveDuringLoadIsNotReadded(t *testing.T) {
	src := newGatedSource(map[int64]bool{7: true, 8: true})
	c := New(src, nil)

	done := make(chan error, 1)
	go func() { done <- c.Refresh(context.Background()) }()

	<-src.answered
	src.deactivate(7)
	c.Remove(7)
	close(src.release)

	if err := <-done; err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if c.Size() != 1 {
		t.Fatalf("expected only account 8 cached, size %d", c.Size())
	}
	c.mu.RLock()
	_, has7 := c.ids[7]
	_, has8 := c.ids[8]
	c.mu.RUnlock()
	if has7 || !has8 {
		t.Fatalf("unexpected cache contents: 7=%v 8=%v", has7, has8)
	}
}

func TestRemove_WithoutLookupsInFlightKeepsNoLog(t *testing.T) {
	c := New(&fakeSource{}, nil)
	c.Add(3)
	c.Remove(3)
	if len(c.removed) != 0 {
		t.Fatalf("removal recorded with nothing in flight: %v", c.removed)
	}
}
