package session

import (
	"context"
	"log/slog"
	"sync"
)

// RoomMembers resolves the users entitled to a room's updates.
type RoomMembers func(ctx context.Context, room string) ([]string, error)

// Hub fans payloads out to the sessions of connected users.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*client]struct{}
	members  RoomMembers
	logger   *slog.Logger
}

type client struct {
	userID string
	out    chan []byte
}

func NewHub(members RoomMembers, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions: make(map[string]map[*client]struct{}),
		members:  members,
		logger:   logger.With("component", "session_hub"),
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.sessions[c.userID]
	if !ok {
		set = make(map[*client]struct{})
		h.sessions[c.userID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.sessions[c.userID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.sessions, c.userID)
	}
}

// Connected reports how many sessions userID holds.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}

// DeliverUser queues payload on every session of userID. Users without a
// session are skipped; a full session buffer drops the payload.
func (h *Hub) DeliverUser(_ context.Context, userID string, payload []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.sessions[userID] {
		select {
		case c.out <- payload:
		default:
			h.logger.Warn("session buffer full, dropping update", "user_id", userID)
		}
	}
	return nil
}

// DeliverRoom resolves the room's members and delivers to each.
func (h *Hub) DeliverRoom(ctx context.Context, room string, payload []byte) error {
	if h.members == nil {
		return nil
	}
	users, err := h.members(ctx, room)
	if err != nil {
		return err
	}
	for _, userID := range users {
		if userID == "" {
			continue
		}
		if err := h.DeliverUser(ctx, userID, payload); err != nil {
			return err
		}
	}
	return nil
}
