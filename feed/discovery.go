package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"polyflow/logger"
	"polyflow/storage"
)

// trackedFile persists the discovered token set across restarts.
const trackedFile = "discovery/tracked_markets.json"

// DiscoveryOptions configures the gamma-API market poller.
type DiscoveryOptions struct {
	GammaAPIBaseURL   string
	MarketsPerPoll    int
	MaxTrackedMarkets int
}

// MarketDiscovery polls the gamma API for the highest-volume active
// markets and keeps a capped, persisted set of tracked token IDs.
type MarketDiscovery struct {
	fsys       storage.FileSystem
	opts       DiscoveryOptions
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logger.Log

	mu      sync.Mutex
	tracked map[string]struct{}
}

func NewMarketDiscovery(fsys storage.FileSystem, opts DiscoveryOptions) *MarketDiscovery {
	return &MarketDiscovery{
		fsys:       fsys,
		opts:       opts,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(time.Second), 1),
		log:        logger.GetLogger(),
		tracked:    make(map[string]struct{}),
	}
}

// Load restores the tracked set from storage. A missing file is a clean
// first start.
func (d *MarketDiscovery) Load(ctx context.Context) error {
	in, err := d.fsys.OpenInput(ctx, trackedFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	data, err := io.ReadAll(in)
	in.Close()
	if err != nil {
		return err
	}

	var persisted struct {
		TrackedTokenIDs []string `json:"tracked_token_ids"`
	}
	if err := json.Unmarshal(data, &persisted); err != nil {
		return fmt.Errorf("corrupt tracked-markets file: %w", err)
	}

	d.mu.Lock()
	for _, id := range persisted.TrackedTokenIDs {
		if id != "" {
			d.tracked[id] = struct{}{}
		}
	}
	d.mu.Unlock()
	return nil
}

// TrackedTokenIDs returns the tracked set in stable order.
func (d *MarketDiscovery) TrackedTokenIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.tracked))
	for id := range d.tracked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *MarketDiscovery) TrackedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tracked)
}

func (d *MarketDiscovery) AtCapacity() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tracked) >= d.opts.MaxTrackedMarkets
}

// Poll fetches the current top markets and adds unseen token IDs up to
// capacity. onNew receives only the newly added IDs. Returns how many
// were added.
func (d *MarketDiscovery) Poll(ctx context.Context, onNew func(tokenIDs []string)) (int, error) {
	if d.AtCapacity() {
		return 0, nil
	}

	topIDs, err := d.fetchTopTokenIDs(ctx, d.opts.MarketsPerPoll)
	if err != nil {
		return 0, err
	}

	var newIDs []string
	d.mu.Lock()
	remaining := d.opts.MaxTrackedMarkets - len(d.tracked)
	for _, id := range topIDs {
		if remaining <= 0 {
			break
		}
		if _, seen := d.tracked[id]; seen {
			continue
		}
		d.tracked[id] = struct{}{}
		newIDs = append(newIDs, id)
		remaining--
	}
	d.mu.Unlock()

	if len(newIDs) == 0 {
		return 0, nil
	}

	if err := d.persist(ctx); err != nil {
		d.log.WithComponent("market_discovery").WithError(err).Warn("failed to persist tracked markets")
	}
	if onNew != nil {
		onNew(newIDs)
	}
	return len(newIDs), nil
}

// gammaMarket is the slice of the gamma /markets response we care about.
// clobTokenIds is a string-encoded JSON array like "[\"id1\",\"id2\"]".
type gammaMarket struct {
	ClobTokenIDs string `json:"clobTokenIds"`
}

func (d *MarketDiscovery) fetchTopTokenIDs(ctx context.Context, limit int) ([]string, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("active", "true")
	query.Set("closed", "false")
	query.Set("limit", strconv.Itoa(limit))
	query.Set("order", "volume24hr")
	query.Set("ascending", "false")
	endpoint := d.opts.GammaAPIBaseURL + "/markets?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gamma api returned %d", resp.StatusCode)
	}

	var markets []gammaMarket
	if err := json.NewDecoder(resp.Body).Decode(&markets); err != nil {
		return nil, fmt.Errorf("decode gamma response: %w", err)
	}

	var ids []string
	for _, market := range markets {
		if market.ClobTokenIDs == "" {
			continue
		}
		var tokenIDs []string
		if err := json.Unmarshal([]byte(market.ClobTokenIDs), &tokenIDs); err != nil {
			continue
		}
		// Take [0], the YES side.
		if len(tokenIDs) > 0 {
			ids = append(ids, tokenIDs[0])
		}
	}
	return ids, nil
}

func (d *MarketDiscovery) persist(ctx context.Context) error {
	payload, err := json.Marshal(struct {
		TrackedTokenIDs []string `json:"tracked_token_ids"`
	}{TrackedTokenIDs: d.TrackedTokenIDs()})
	if err != nil {
		return err
	}

	if err := d.fsys.CreateDir("discovery", true); err != nil {
		return err
	}
	w, err := d.fsys.OpenOutput(ctx, trackedFile)
	if err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
