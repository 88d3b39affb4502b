package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"exec-engine/internal/bus"
)

// 连接建立期间总线持续发布：订阅一经注册，处理函数就可能并发触发，
// 推流接口必须在此期间安全完成剩余订阅的注册。
func TestStreamDeliversEventsDuringBusyBus(t *testing.T) {
	eventBus := bus.New()
	srv := newServer(serverDeps{bus: eventBus, logger: zap.NewNop()})

	ts := httptest.NewServer(http.HandlerFunc(srv.handleStream))
	t.Cleanup(ts.Close)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					eventBus.Publish(bus.Event{Type: bus.EventOrderBookUpdate, Payload: "tick"})
				}
			}
		}()
	}
	t.Cleanup(func() {
		close(stop)
		wg.Wait()
	})

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial returned error: %v", err)
	}
	if resp != nil {
		defer resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	eventBus.Publish(bus.Event{Type: bus.EventOrderExpired, Payload: "done"})

	// 盘口更新与生命周期事件都应送达；读到过期事件即止。
	deadline := time.Now().Add(2 * time.Second)
	sawBookUpdate, sawExpired := false, false
	for time.Now().Before(deadline) && !sawExpired {
		_ = conn.SetReadDeadline(deadline)
		var evt bus.Event
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("ReadJSON returned error: %v", err)
		}
		switch evt.Type {
		case bus.EventOrderBookUpdate:
			sawBookUpdate = true
		case bus.EventOrderExpired:
			sawExpired = true
		}
	}
	if !sawBookUpdate || !sawExpired {
		t.Fatalf("expected both event kinds, book=%v expired=%v", sawBookUpdate, sawExpired)
	}
}

func TestStreamStopsAfterClientDisconnect(t *testing.T) {
	eventBus := bus.New()
	srv := newServer(serverDeps{bus: eventBus, logger: zap.NewNop()})

	ts := httptest.NewServer(http.HandlerFunc(srv.handleStream))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial returned error: %v", err)
	}
	if resp != nil {
		defer resp.Body.Close()
	}

	eventBus.Publish(bus.Event{Type: bus.EventOrderFilled, Payload: "x"})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt bus.Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("ReadJSON returned error: %v", err)
	}

	_ = conn.Close()

	// 断开后发布不得阻塞或崩溃，写失败触发订阅清理。
	for i := 0; i < 20; i++ {
		eventBus.Publish(bus.Event{Type: bus.EventOrderFilled, Payload: "y"})
		time.Sleep(10 * time.Millisecond)
	}
}
