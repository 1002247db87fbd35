package events

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "events")

// Bus 非阻塞事件总线。
// Publish 永不阻塞热路径：订阅者 channel 满了就丢弃并计数（外部消费方
// 自己决定 buffer 大小；核心不为慢消费者买单）。
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event

	dropped int64
}

// NewBus 创建事件总线
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe 订阅事件流，返回只读 channel
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish 广播事件（非阻塞）
func (b *Bus) Publish(e Event) {
	if b == nil || e == nil {
		return
	}
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
		}
	}
}

// Dropped 因订阅者缓冲满而丢弃的事件数
func (b *Bus) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// LogSink 把事件流落到日志（低成本的默认消费者）。阻塞直到 ch 关闭或 stop。
func LogSink(ch <-chan Event, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			log.WithField("event", e.Name()).Debugf("%+v", e)
		}
	}
}
