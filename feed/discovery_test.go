package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"polyflow/storage"
)

func gammaServer(t *testing.T, clobTokenIDs ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets" {
			http.NotFound(w, r)
			return
		}
		query := r.URL.Query()
		if query.Get("active") != "true" || query.Get("order") != "volume24hr" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}

		type market struct {
			ClobTokenIDs string `json:"clobTokenIds"`
		}
		var markets []market
		for _, ids := range clobTokenIDs {
			markets = append(markets, market{ClobTokenIDs: ids})
		}
		json.NewEncoder(w).Encode(markets)
	}))
}

func newDiscovery(t *testing.T, baseURL string, maxTracked int) (*MarketDiscovery, *storage.LocalFileSystem) {
	t.Helper()
	lfs, err := storage.NewLocalFileSystem(t.TempDir())
	if err != nil {
		t.Fatalf("local fs: %v", err)
	}
	d := NewMarketDiscovery(lfs, DiscoveryOptions{
		GammaAPIBaseURL:   baseURL,
		MarketsPerPoll:    10,
		MaxTrackedMarkets: maxTracked,
	})
	return d, lfs
}

func TestDiscoveryPollTakesYesSide(t *testing.T) {
	srv := gammaServer(t,
		`["111","112"]`,
		`["222","223"]`,
		``, // missing clobTokenIds: skipped
	)
	defer srv.Close()

	d, _ := newDiscovery(t, srv.URL, 10)

	var announced []string
	added, err := d.Poll(context.Background(), func(ids []string) { announced = ids })
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if added != 2 {
		t.Fatalf("expected 2 new markets, got %d", added)
	}
	if len(announced) != 2 || announced[0] != "111" || announced[1] != "222" {
		t.Fatalf("announced: %v", announced)
	}

	// A second poll with the same response adds nothing.
	added, err = d.Poll(context.Background(), nil)
	if err != nil || added != 0 {
		t.Fatalf("repeat poll: %d (%v)", added, err)
	}
}

func TestDiscoveryCapacity(t *testing.T) {
	srv := gammaServer(t, `["111"]`, `["222"]`, `["333"]`)
	defer srv.Close()

	d, _ := newDiscovery(t, srv.URL, 2)

	added, err := d.Poll(context.Background(), nil)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if added != 2 || !d.AtCapacity() {
		t.Fatalf("capacity cap: added %d, at capacity %v", added, d.AtCapacity())
	}

	added, err = d.Poll(context.Background(), nil)
	if err != nil || added != 0 {
		t.Fatalf("poll at capacity must be a no-op: %d (%v)", added, err)
	}
}

func TestDiscoveryPersistAndLoad(t *testing.T) {
	srv := gammaServer(t, `["111"]`, `["222"]`)
	defer srv.Close()

	d, lfs := newDiscovery(t, srv.URL, 10)
	if _, err := d.Poll(context.Background(), nil); err != nil {
		t.Fatalf("poll: %v", err)
	}

	// A fresh instance over the same filesystem restores the set.
	restored := NewMarketDiscovery(lfs, DiscoveryOptions{
		GammaAPIBaseURL:   srv.URL,
		MarketsPerPoll:    10,
		MaxTrackedMarkets: 10,
	})
	if err := restored.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	ids := restored.TrackedTokenIDs()
	if len(ids) != 2 || ids[0] != "111" || ids[1] != "222" {
		t.Fatalf("restored: %v", ids)
	}
	if restored.TrackedCount() != 2 {
		t.Fatalf("count: %d", restored.TrackedCount())
	}
}

func TestDiscoveryLoadMissingFile(t *testing.T) {
	lfs, err := storage.NewLocalFileSystem(t.TempDir())
	if err != nil {
		t.Fatalf("local fs: %v", err)
	}
	d := NewMarketDiscovery(lfs, DiscoveryOptions{MaxTrackedMarkets: 10})
	if err := d.Load(context.Background()); err != nil {
		t.Fatalf("missing file is a clean first start: %v", err)
	}
	if d.TrackedCount() != 0 {
		t.Fatalf("count: %d", d.TrackedCount())
	}
}

func TestDiscoveryServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d, _ := newDiscovery(t, srv.URL, 10)
	if _, err := d.Poll(context.Background(), nil); err == nil {
		t.Fatalf("expected error from failing gamma api")
	}
}
