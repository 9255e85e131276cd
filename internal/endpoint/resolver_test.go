package endpoint

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func pingServer(status int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ping" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
	}))
}

func TestResolver_PicksReachableEndpoint(t *testing.T) {
	alive := pingServer(http.StatusOK)
	defer alive.Close()
	dead := pingServer(http.StatusInternalServerError)
	defer dead.Close()

	store := &MemStore{}
	r := NewResolver(Endpoints{PrimaryREST: dead.URL, SecondaryREST: alive.URL}, store)

	got := r.Resolve(context.Background())
	if got != Secondary {
		t.Fatalf("expected secondary (only reachable endpoint), got %s", got)
	}

	// Winner must be persisted.
	persisted, ok := store.Load(context.Background())
	if !ok || persisted != Secondary {
		t.Fatalf("expected persisted secondary, got %s ok=%v", persisted, ok)
	}
}

func TestResolver_CachesFirstResolution(t *testing.T) {
	alive := pingServer(http.StatusOK)
	store := &MemStore{}
	r := NewResolver(Endpoints{PrimaryREST: alive.URL, SecondaryREST: alive.URL}, store)

	first := r.Resolve(context.Background())
	alive.Close() // later calls must not probe again

	second := r.Resolve(context.Background())
	if second != first {
		t.Fatalf("expected cached %s, got %s", first, second)
	}
}

func TestResolver_FallsBackToPersistedChoice(t *testing.T) {
	store := &MemStore{}
	store.Save(context.Background(), Secondary)

	// Both endpoints unreachable (closed server URLs).
	dead := pingServer(http.StatusOK)
	dead.Close()

	r := NewResolver(Endpoints{PrimaryREST: dead.URL, SecondaryREST: dead.URL}, store)
	if got := r.Resolve(context.Background()); got != Secondary {
		t.Fatalf("expected persisted secondary fallback, got %s", got)
	}
}

func TestResolver_DefaultsToPrimaryWithoutPersistedChoice(t *testing.T) {
	dead := pingServer(http.StatusOK)
	dead.Close()

	r := NewResolver(Endpoints{PrimaryREST: dead.URL, SecondaryREST: dead.URL}, &MemStore{})
	if got := r.Resolve(context.Background()); got != Primary {
		t.Fatalf("expected hard default primary, got %s", got)
	}
}

func TestResolver_ConfirmOverridesAndPersists(t *testing.T) {
	store := &MemStore{}
	r := NewResolver(Endpoints{}, store)

	r.Confirm(Secondary)
	if got := r.Current(); got != Secondary {
		t.Fatalf("expected secondary after confirm, got %s", got)
	}
	persisted, ok := store.Load(context.Background())
	if !ok || persisted != Secondary {
		t.Fatalf("expected confirm persisted, got %s ok=%v", persisted, ok)
	}
}

func TestResolver_PreferFlipsWithoutPersisting(t *testing.T) {
	store := &MemStore{}
	r := NewResolver(Endpoints{}, store)
	r.Confirm(Primary)

	r.Prefer(Secondary)
	if got := r.Current(); got != Secondary {
		t.Fatalf("expected secondary after prefer, got %s", got)
	}
	persisted, ok := store.Load(context.Background())
	if !ok || persisted != Primary {
		t.Fatalf("prefer must not write the store, got %s ok=%v", persisted, ok)
	}
}

func TestRegion_OtherAndParse(t *testing.T) {
	if Primary.Other() != Secondary || Secondary.Other() != Primary {
		t.Fatal("Other() must flip regions")
	}
	if ParseRegion("secondary") != Secondary {
		t.Fatal("ParseRegion(secondary)")
	}
	if ParseRegion("primary") != Primary || ParseRegion("garbage") != Primary {
		t.Fatal("ParseRegion must default to primary")
	}
}
