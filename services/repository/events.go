// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package repository

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/termrepo/services/repository/branch"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	// subscriberBuffer is how many events a slow client may lag behind
	// before events are dropped for it.
	subscriberBuffer = 64

	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// eventHub fans branch change notifications out to websocket clients.
//
// # Thread Safety
//
// publish never blocks: it is called on the goroutine that changed the
// branch. A subscriber whose buffer is full misses the event.
type eventHub struct {
	mu     sync.Mutex
	subs   map[chan branch.Event]struct{}
	closed bool
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[chan branch.Event]struct{})}
}

// publish is registered as a branch.Listener.
func (h *eventHub) publish(e branch.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			slog.Warn("Dropped branch event for slow subscriber", "type", e.Type, "path", e.Path)
		}
	}
}

// subscribe returns a channel of events and a function that unsubscribes.
// The channel is closed on unsubscribe or when the hub closes.
func (h *eventHub) subscribe() (<-chan branch.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan branch.Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

func (h *eventHub) subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// matchesPath reports whether e concerns path or a branch below it. An
// empty filter matches everything.
func matchesPath(e branch.Event, path string) bool {
	return path == "" || e.Path == path || branch.IsDescendant(e.Path, path)
}

func sendJSON(ws *websocket.Conn, v any) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := ws.WriteJSON(v)
	if err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
	}
	return err
}

// HandleBranchEvents handles GET /v1/events/branches.
//
//	Description:
//	  Upgrades to a websocket and streams branch.Event JSON messages for
//	  creates, deletes, reopens, commits and rebases. "path" limits the
//	  stream to one branch and its subtree. Client messages are ignored.
func (h *Handlers) HandleBranchEvents(c *gin.Context) {
	logger := requestLogger(c, "HandleBranchEvents")
	filter := c.Query("path")

	events, unsubscribe := h.events.subscribe()
	defer unsubscribe()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()
	logger.Info("Branch event client connected", "filter", filter)

	// Reading is required to process close and pong frames.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeTimeout))
				return
			}
			if !matchesPath(e, filter) {
				continue
			}
			if err := sendJSON(ws, e); err != nil {
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-gone:
			logger.Info("Branch event client disconnected")
			return
		}
	}
}
