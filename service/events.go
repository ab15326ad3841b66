package service

import (
	"sync"
	"time"
)

// StageEvent 在每次阶段状态变更时发布，按 projectId 订阅。
type StageEvent struct {
	ProjectID   string    `json:"projectId"`
	StageID     string    `json:"stageId"`
	SceneNumber int       `json:"sceneNumber,omitempty"`
	Kind        string    `json:"kind"`
	State       string    `json:"state"`
	Attempt     int       `json:"attempt"`
	Error       string    `json:"error,omitempty"`
	Percent     int       `json:"percent"`
	Status      string    `json:"status"`
	At          time.Time `json:"at"`
}

// Hub 是进程内的事件分发器：调度器发布，WebSocket 连接订阅。
// 慢订阅者不阻塞调度，事件直接丢弃。
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan StageEvent]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan StageEvent]struct{})}
}

func (h *Hub) Subscribe(projectID string) chan StageEvent {
	ch := make(chan StageEvent, 64)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[projectID] == nil {
		h.subs[projectID] = make(map[chan StageEvent]struct{})
	}
	h.subs[projectID][ch] = struct{}{}
	return ch
}

func (h *Hub) Unsubscribe(projectID string, ch chan StageEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[projectID]; ok {
		if _, ok := set[ch]; ok {
			delete(set, ch)
			close(ch)
		}
		if len(set) == 0 {
			delete(h.subs, projectID)
		}
	}
}

func (h *Hub) Publish(ev StageEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[ev.ProjectID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
