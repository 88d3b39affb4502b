package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType 表示事件类型。
type EventType string

const (
	EventOrderBookUpdate  EventType = "order_book_update"
	EventOrderPartialFill EventType = "order_partial_fill"
	EventOrderFilled      EventType = "order_filled"
	EventOrderCancelled   EventType = "order_cancelled"
	EventOrderExpired     EventType = "order_expired"
)

// Event 为总线上的单条事件，Payload 由发布方给出具体类型。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Handler 处理单条事件。处理函数在发布方goroutine内同步执行，必须快速返回。
type Handler func(evt Event)

// Subscription 为订阅句柄，调用 Unsubscribe 取消订阅。
type Subscription struct {
	id        string
	eventType EventType
	bus       *Bus
}

// Unsubscribe 取消本订阅，可重复调用。
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.remove(s.eventType, s.id)
	s.bus = nil
}

// Bus 为进程内发布订阅总线。
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType]map[string]Handler
}

// New 创建事件总线。
func New() *Bus {
	return &Bus{
		handlers: make(map[EventType]map[string]Handler),
	}
}

// Publish 同步投递事件到全部订阅者。
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	registered := b.handlers[evt.Type]
	handlers := make([]Handler, 0, len(registered))
	for _, h := range registered {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(evt)
	}
}

// Subscribe 注册事件处理函数并返回订阅句柄。
func (b *Bus) Subscribe(eventType EventType, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[string]Handler)
	}

	id := uuid.NewString()
	b.handlers[eventType][id] = handler

	return &Subscription{id: id, eventType: eventType, bus: b}
}

func (b *Bus) remove(eventType EventType, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if handlers, ok := b.handlers[eventType]; ok {
		delete(handlers, id)
	}
}
