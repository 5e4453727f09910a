package camera

import (
	"sync"

	"github.com/google/uuid"
)

// EventType はマネージャーが発行するイベントの種類
type EventType string

const (
	EventAll                EventType = "ALL" // 全イベントを受け取る
	EventStartCameraSuccess EventType = "START_CAMERA_SUCCESS"
	EventStopCamera         EventType = "STOP_CAMERA"
	EventError              EventType = "ERROR"
)

// ResponseStatus は通知の成否
type ResponseStatus string

const (
	StatusSuccess ResponseStatus = "success"
	StatusError   ResponseStatus = "error"
)

// Response はイベントで通知される内容。成功時はData、失敗時はErrorを持つ
type Response struct {
	Event  EventType      `json:"event"`
	Status ResponseStatus `json:"status"`
	Data   any            `json:"data,omitempty"`
	Error  *CameraError   `json:"error,omitempty"`
}

// Handler はイベントの購読関数
type Handler func(Response)

// Subscription は購読の識別子
type Subscription string

type subscriber struct {
	id      Subscription
	handler Handler
}

// eventBus はイベント種別ごとの購読者を管理する
type eventBus struct {
	mu        sync.RWMutex
	listeners map[EventType][]subscriber
}

func newEventBus() *eventBus {
	return &eventBus{listeners: make(map[EventType][]subscriber)}
}

func (b *eventBus) on(event EventType, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := Subscription(uuid.New().String())
	b.listeners[event] = append(b.listeners[event], subscriber{id: id, handler: handler})
	return id
}

func (b *eventBus) off(id Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for event, subs := range b.listeners {
		for i, s := range subs {
			if s.id == id {
				b.listeners[event] = append(subs[:i:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// emit は個別チャンネル、続いてALLへ登録順に配信する
func (b *eventBus) emit(resp Response) {
	b.mu.RLock()
	targets := append([]subscriber(nil), b.listeners[resp.Event]...)
	if resp.Event != EventAll {
		targets = append(targets, b.listeners[EventAll]...)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.handler(resp)
	}
}

func (b *eventBus) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = make(map[EventType][]subscriber)
}
