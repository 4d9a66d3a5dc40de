package revcache

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/ericselin/revcache/cache"
	"github.com/ericselin/revcache/pkg/audit"
	cachekey "github.com/ericselin/revcache/pkg/cache-key"
)

func TestReadKeys(t *testing.T) {
	keys, err := ReadKeys(strings.NewReader("# warm list\nMain_Page 139992\n\n  Main_Page\t139993  \nUser:Foo/Bar 1\n"))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Main_Page\t139992", "Main_Page\t139993", "User:Foo/Bar\t1"}
	if len(keys) != len(want) {
		t.Fatalf("Keys are %v", keys)
	}
	for i, k := range keys {
		if k.String() != want[i] {
			t.Fatalf("Key %d is %q", i, k.String())
		}
	}

	if _, err := ReadKeys(strings.NewReader("Main_Page\n")); err == nil {
		t.Fatal("Line without revision accepted")
	}
	if _, err := ReadKeys(strings.NewReader("Main_Page 1/2\n")); err == nil {
		t.Fatal("Revision with slash accepted")
	}
}

func prerenderKeys(t *testing.T, revs ...string) []cachekey.Key {
	t.Helper()
	keys := make([]cachekey.Key, len(revs))
	for i, rev := range revs {
		k, err := cachekey.New("Main_Page", rev)
		if err != nil {
			t.Fatal(err)
		}
		keys[i] = k
	}
	return keys
}

func TestPrerender(t *testing.T) {
	u := newTestUpstream(t)
	store := cache.NewMemStore()
	g, server := newTestGateway(t, u, Config{Store: store, PrerenderConcurrency: 2})

	// one key already stored
	get(t, server, "/Main_Page/html/1", nil)

	w := g.Audit().Slice()
	if err := g.Prerender(context.Background(), prerenderKeys(t, "1", "2", "3", "4")); err != nil {
		t.Fatal(err)
	}
	records := w.Halt()

	if calls := u.calls.Load(); calls != 4 {
		t.Fatalf("Upstream called %d times", calls)
	}
	if store.Len() != 4 {
		t.Fatalf("Store has %d entries", store.Len())
	}
	if len(audit.For(records, "Main_Page", "1")) != 1 || !audit.LocalOnly(audit.For(records, "Main_Page", "1")) {
		t.Fatalf("Stored key was not skipped: %+v", records)
	}
	for _, r := range records {
		if r.RequestID != prerenderRequestID {
			t.Fatalf("Record request id is %s", r.RequestID)
		}
	}

	// prerendered keys are served from the store
	if res := get(t, server, "/Main_Page/html/3", nil); res.header.Get("Cache-Status") != "revcache; hit" {
		t.Fatalf("Cache-Status is %s", res.header.Get("Cache-Status"))
	}
}

func TestPrerenderFailure(t *testing.T) {
	u := newTestUpstream(t)
	u.status.Store(http.StatusInternalServerError)
	store := cache.NewMemStore()
	g, _ := newTestGateway(t, u, Config{Store: store, PrerenderRetryPause: 1})

	err := g.Prerender(context.Background(), prerenderKeys(t, "1"))
	if err == nil {
		t.Fatal("Prerender of failing key succeeded")
	}
	// one retry
	if calls := u.calls.Load(); calls != 2 {
		t.Fatalf("Upstream called %d times", calls)
	}
	if store.Len() != 0 {
		t.Fatalf("Store has %d entries", store.Len())
	}
}
