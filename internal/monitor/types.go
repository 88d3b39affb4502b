package monitor

import (
	"time"

	"exec-engine/internal/bus"
)

// Event 为持久化后的监控事件。Payload 在写入时序列化为JSON，
// 读取时以原始JSON返回，不做反序列化。
type Event struct {
	Type      bus.EventType `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Payload   interface{}   `json:"payload"`
}

// lifecycleEvents 为需要落库的订单生命周期事件。盘口更新频率过高，
// 只进内存总线不落库。
var lifecycleEvents = []bus.EventType{
	bus.EventOrderPartialFill,
	bus.EventOrderFilled,
	bus.EventOrderCancelled,
	bus.EventOrderExpired,
}
