package hub

import (
	"fmt"
	"sync"
	"testing"

	"github.com/pulsefeed/pulsefeed/internal/auth"
)

func regConn(id, scope string) *Conn {
	return &Conn{
		id:       id,
		identity: auth.Identity{UserID: 1, Username: "u", UserType: "web", Scope: scope},
	}
}

func TestRegistry_AddAndLen(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(regConn("a", "")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(regConn("b", "")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if r.Len() != 2 {
		t.Errorf("Len: got %d, want 2", r.Len())
	}
}

func TestRegistry_AddDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(regConn("a", "")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(regConn("a", "")); err != ErrDuplicateConn {
		t.Errorf("Add duplicate: got %v, want ErrDuplicateConn", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len after duplicate Add: got %d, want 1", r.Len())
	}
}

func TestRegistry_RemoveIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Add(regConn("a", "")) //nolint:errcheck

	r.Remove("a")
	if r.Len() != 0 {
		t.Errorf("Len after Remove: got %d, want 0", r.Len())
	}
	r.Remove("a") // second remove is a no-op
	r.Remove("never-added")
	if r.Len() != 0 {
		t.Errorf("Len after repeated Remove: got %d, want 0", r.Len())
	}
}

func TestRegistry_ForEachMatching_EmptyScopeMatchesAll(t *testing.T) {
	r := NewRegistry()
	r.Add(regConn("a", ""))      //nolint:errcheck
	r.Add(regConn("b", "org:7")) //nolint:errcheck

	var seen []string
	r.ForEachMatching("", func(c *Conn) { seen = append(seen, c.id) })
	if len(seen) != 2 {
		t.Errorf("matched %d connections, want 2", len(seen))
	}
}

func TestRegistry_ForEachMatching_ScopeFilters(t *testing.T) {
	r := NewRegistry()
	r.Add(regConn("a", ""))       //nolint:errcheck
	r.Add(regConn("b", "org:7"))  //nolint:errcheck
	r.Add(regConn("c", "org:42")) //nolint:errcheck

	var seen []string
	r.ForEachMatching("org:7", func(c *Conn) { seen = append(seen, c.id) })
	if len(seen) != 1 || seen[0] != "b" {
		t.Errorf("matched %v, want [b]", seen)
	}
}

func TestRegistry_ConcurrentMixedOps(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("conn-%d", i)
		wg.Add(3)
		go func() {
			defer wg.Done()
			r.Add(regConn(id, "")) //nolint:errcheck
		}()
		go func() {
			defer wg.Done()
			r.ForEachMatching("", func(*Conn) {})
		}()
		go func() {
			defer wg.Done()
			r.Remove(id)
		}()
	}
	wg.Wait()
}
