// Package wsmd is a WebSocket market-data adapter: exponential-backoff
// reconnect, ping keepalive, rolling read deadline, and dispatch of
// decoded events into internal/marketdata.Store. The wire envelope is
// a minimal {security_id, bid_price, ask_price, bid_size, ask_size} tick message any
// venue's WS feed can be translated into at the edge.
package wsmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"opentrade-go/internal/marketdata"
	"opentrade-go/pkg/otype"
)

const (
	pingInterval     = 30 * time.Second
	readTimeout      = 90 * time.Second
	writeTimeout     = 10 * time.Second
	minReconnectWait = time.Second
	maxReconnectWait = 30 * time.Second
)

type tick struct {
	SecurityID int32   `json:"security_id"`
	BidPrice   float64 `json:"bid_price"`
	AskPrice   float64 `json:"ask_price"`
	BidSize    float64 `json:"bid_size"`
	AskSize    float64 `json:"ask_size"`
}

// Feed manages one gorilla/websocket connection feeding a
// marketdata.Store, reconnecting with exponential backoff on any
// read/dial error. It also serves the store's subscription interest
// for its source: subscribe requests are sent upstream while
// connected, and the whole recorded set is replayed after every
// reconnect.
type Feed struct {
	url    string
	src    otype.DataSrc
	store  *marketdata.Store
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// New builds a Feed for source src against a WS URL and registers it
// as the store's subscription sink for that source.
func New(url string, src otype.DataSrc, store *marketdata.Store, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Feed{url: url, src: src, store: store, logger: logger.With("component", "wsmd", "source", string(src))}
	store.RegisterSource(src, f)
	return f
}

// Source reports which market-data source tag this feed publishes as.
func (f *Feed) Source() otype.DataSrc { return f.src }

// Connected implements marketdata.SubscriptionSink.
func (f *Feed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn != nil
}

type subscribeMsg struct {
	Op         string `json:"op"`
	SecurityID int32  `json:"security_id"`
}

// SubscribeSecurity implements marketdata.SubscriptionSink, asking the
// upstream feed to start publishing one security's ticks.
func (f *Feed) SubscribeSecurity(secID int32) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("wsmd: %s not connected", f.src)
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(subscribeMsg{Op: "subscribe", SecurityID: secID})
}

// Run connects and reconnects until ctx is done.
func (f *Feed) Run(ctx context.Context) {
	wait := minReconnectWait
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := f.connectAndRead(ctx); err != nil {
			f.logger.Warn("connection lost, reconnecting", "error", err, "wait", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			wait *= 2
			if wait > maxReconnectWait {
				wait = maxReconnectWait
			}
			continue
		}
		wait = minReconnectWait
	}
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
		conn.Close()
	}()

	if err := f.store.ResubscribeAll(f.src); err != nil {
		f.logger.Warn("resubscribe after connect failed", "error", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go f.pingLoop(conn, stop)

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		f.dispatch(data)
	}
}

func (f *Feed) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) dispatch(data []byte) {
	var t tick
	if err := json.Unmarshal(data, &t); err != nil {
		f.logger.Warn("decode tick failed, dropping", "error", err)
		return
	}
	f.store.OnQuote(f.src, t.SecurityID, otype.Quote{
		BidPrice: t.BidPrice,
		AskPrice: t.AskPrice,
		BidSize:  t.BidSize,
		AskSize:  t.AskSize,
	}, time.Now())
}
