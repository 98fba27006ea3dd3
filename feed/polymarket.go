package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polyflow/logger"
	"polyflow/models"
	"polyflow/parser"
)

const reconnectBackoff = 5 * time.Second

// subscribeMessage is the CLOB market-channel subscription payload.
type subscribeMessage struct {
	AssetsIDs []string `json:"assets_ids"`
	Type      string   `json:"type"`
}

// PolymarketFeed streams the CLOB market channel over a websocket and
// delivers parsed events on a single goroutine.
type PolymarketFeed struct {
	url          string
	pingInterval time.Duration
	log          *logger.Log

	mu       sync.Mutex
	onEvent  EventCallback
	tokenIDs []string
	conn     *websocket.Conn
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewPolymarketFeed(url string, pingInterval time.Duration) *PolymarketFeed {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &PolymarketFeed{
		url:          url,
		pingInterval: pingInterval,
		log:          logger.GetLogger(),
	}
}

func (f *PolymarketFeed) SetOnEvent(cb EventCallback) {
	f.mu.Lock()
	f.onEvent = cb
	f.mu.Unlock()
}

// Subscribe remembers the token and, when connected, re-sends the full
// subscription list the way the venue expects.
func (f *PolymarketFeed) Subscribe(tokenID string) {
	f.mu.Lock()
	f.tokenIDs = append(f.tokenIDs, tokenID)
	conn := f.conn
	ids := append([]string(nil), f.tokenIDs...)
	f.mu.Unlock()

	if conn != nil {
		if err := f.sendSubscribe(conn, ids); err != nil {
			f.log.WithComponent("polymarket_feed").WithError(err).Warn("subscribe send failed")
		}
	}
}

func (f *PolymarketFeed) Start() error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("feed already running")
	}
	f.running = true
	f.ctx, f.cancel = context.WithCancel(context.Background())
	f.mu.Unlock()

	log := f.log.WithComponent("polymarket_feed").WithFields(logger.Fields{"url": f.url})
	log.Info("starting feed")

	f.wg.Add(1)
	go f.run()

	return nil
}

func (f *PolymarketFeed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.cancel()
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	f.wg.Wait()
	f.log.WithComponent("polymarket_feed").Info("feed stopped")
}

// run owns the connection lifecycle: dial, subscribe, read until error,
// back off, repeat. All event delivery happens here, so the callback is
// never concurrent with itself.
func (f *PolymarketFeed) run() {
	defer f.wg.Done()

	log := f.log.WithComponent("polymarket_feed").WithFields(logger.Fields{"worker": "reader"})

	for {
		if f.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(f.ctx, f.url, nil)
		if err != nil {
			log.WithError(err).Warn("dial failed, retrying")
			select {
			case <-f.ctx.Done():
				return
			case <-time.After(reconnectBackoff):
			}
			continue
		}

		f.mu.Lock()
		f.conn = conn
		ids := append([]string(nil), f.tokenIDs...)
		f.mu.Unlock()

		if len(ids) > 0 {
			if err := f.sendSubscribe(conn, ids); err != nil {
				log.WithError(err).Warn("initial subscribe failed")
				conn.Close()
				continue
			}
		}
		log.WithFields(logger.Fields{"subscriptions": len(ids)}).Info("connected")

		pingCtx, stopPing := context.WithCancel(f.ctx)
		go f.pingLoop(pingCtx, conn)

		f.readLoop(conn)
		stopPing()
		conn.Close()

		f.mu.Lock()
		if f.conn == conn {
			f.conn = nil
		}
		f.mu.Unlock()

		select {
		case <-f.ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func (f *PolymarketFeed) readLoop(conn *websocket.Conn) {
	log := f.log.WithComponent("polymarket_feed")

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if f.ctx.Err() == nil {
				log.WithError(err).Warn("read failed, reconnecting")
			}
			return
		}

		events, err := parser.Parse(payload)
		if err != nil {
			// The venue retransmits snapshots; a lost message is recoverable.
			log.WithError(err).Warn("dropping unparseable message")
			continue
		}
		if len(events) == 0 {
			continue
		}

		for _, event := range events {
			f.deliver(event)
		}
		logger.LogDataFlowEntry(log, "clob_ws", "ingestion_service", len(events), "events")
	}
}

func (f *PolymarketFeed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (f *PolymarketFeed) sendSubscribe(conn *websocket.Conn, ids []string) error {
	payload, err := json.Marshal(subscribeMessage{AssetsIDs: ids, Type: "market"})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// deliver hands one event to the registered callback.
func (f *PolymarketFeed) deliver(event models.Event) {
	f.mu.Lock()
	cb := f.onEvent
	f.mu.Unlock()
	if cb != nil {
		cb(event)
	}
}
