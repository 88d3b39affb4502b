package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"exec-engine/internal/book"
	"exec-engine/internal/bus"
	"exec-engine/internal/engine"
	"exec-engine/internal/monitor"
	"exec-engine/internal/router"
)

type serverDeps struct {
	engine    *engine.Engine
	liquidity engine.LiquiditySource
	monitor   *monitor.Service
	bus       *bus.Bus
	health    func() []book.SymbolHealth
	logger    *zap.Logger
}

// server 暴露查询与下单的HTTP接口，以及基于websocket的事件流。
type server struct {
	serverDeps
	upgrader websocket.Upgrader
}

func newServer(deps serverDeps) *server {
	return &server{
		serverDeps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *server) run(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /book", s.handleBook)
	mux.HandleFunc("GET /impact", s.handleImpact)
	mux.HandleFunc("POST /orders", s.handleSubmit)
	mux.HandleFunc("POST /orders/preview", s.handlePreview)
	mux.HandleFunc("DELETE /orders/{id}", s.handleCancel)
	mux.HandleFunc("GET /orders", s.handleActiveOrders)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleStream)

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("关闭监控服务失败", zap.Error(err))
		}
	}()

	s.logger.Info("监控接口已启动", zap.String("addr", addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("监控服务异常: %w", err)
	}
	return nil
}

func (s *server) handleBook(w http.ResponseWriter, r *http.Request) {
	symbol := strings.TrimSpace(r.URL.Query().Get("symbol"))
	if symbol == "" {
		http.Error(w, "missing symbol", http.StatusBadRequest)
		return
	}
	snap, ok := s.liquidity.GetOrderBook(symbol)
	if !ok {
		http.Error(w, "symbol not initialized", http.StatusNotFound)
		return
	}
	s.writeJSON(w, snap)
}

func (s *server) handleImpact(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := strings.TrimSpace(q.Get("symbol"))
	side := book.Side(strings.ToLower(q.Get("side")))
	size, err := strconv.ParseFloat(q.Get("size"), 64)
	if err != nil || !side.Valid() || symbol == "" {
		http.Error(w, "expect symbol, side=buy|sell and numeric size", http.StatusBadRequest)
		return
	}

	est, err := s.engine.CalculateMarketImpact(symbol, side, size)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, est)
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req router.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ack, err := s.engine.SubmitOrder(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(ack); err != nil {
		s.logger.Warn("写入响应失败", zap.Error(err))
	}
}

func (s *server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req router.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	plan, err := s.engine.RouteOrder(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, plan)
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.engine.CancelOrder(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, outcome)
}

func (s *server) handleActiveOrders(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.engine.GetActiveOrders())
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if qs := r.URL.Query().Get("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			limit = v
		}
	}
	s.writeJSON(w, s.engine.GetExecutionHistory(limit))
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.engine.GetExecutionMetrics())
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 200
	if qs := q.Get("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			if v > 1000 {
				v = 1000
			}
			limit = v
		}
	}

	eventType := bus.EventType("")
	if typ := strings.TrimSpace(q.Get("type")); typ != "" {
		eventType = bus.EventType(strings.ToLower(typ))
	}

	events, err := s.monitor.ListEvents(r.Context(), eventType, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, events)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeJSON(w, map[string]string{"status": "ok"})
		return
	}
	s.writeJSON(w, s.health())
}

// streamEvents 为websocket推送的事件类型。盘口更新也在内，
// 订阅方自行按需过滤。
var streamEvents = []bus.EventType{
	bus.EventOrderBookUpdate,
	bus.EventOrderPartialFill,
	bus.EventOrderFilled,
	bus.EventOrderCancelled,
	bus.EventOrderExpired,
}

// handleStream 将总线事件实时推送给websocket客户端。写失败即断开，
// 慢消费方不会阻塞发布方之外的订阅者。
func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket升级失败", zap.Error(err))
		return
	}

	var (
		writeMu sync.Mutex
		closed  bool
		subs    []*bus.Subscription
	)

	closeConn := func() {
		writeMu.Lock()
		defer writeMu.Unlock()
		if closed {
			return
		}
		closed = true
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		_ = conn.Close()
	}

	// subs 的追加与读取都在 writeMu 保护下进行：订阅一经注册，
	// 处理函数就可能从发布方goroutine并发触发。
	for _, eventType := range streamEvents {
		sub := s.bus.Subscribe(eventType, func(evt bus.Event) {
			writeMu.Lock()
			defer writeMu.Unlock()
			if closed {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				closed = true
				for _, sub := range subs {
					sub.Unsubscribe()
				}
				_ = conn.Close()
			}
		})

		writeMu.Lock()
		if closed {
			// 注册途中连接已断开，停掉刚建立的订阅，不再继续注册。
			writeMu.Unlock()
			sub.Unsubscribe()
			break
		}
		subs = append(subs, sub)
		writeMu.Unlock()
	}

	// 读循环只用于感知客户端断开。
	go func() {
		defer closeConn()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *server) writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("写入响应失败", zap.Error(err))
	}
}

// writeError 将业务错误映射到HTTP状态码。
func (s *server) writeError(w http.ResponseWriter, err error) {
	var validationErr *router.ValidationError
	var riskErr *engine.RiskDeniedError

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validationErr):
		status = http.StatusBadRequest
	case errors.As(err, &riskErr):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrOrderNotFound), errors.Is(err, book.ErrSymbolUnknown):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrEngineClosed):
		status = http.StatusServiceUnavailable
	}

	http.Error(w, err.Error(), status)
}
