package server

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	taskmq "github.com/edgar-durand/cloud-taskmq-go"
)

const maxWSConnections = 200

// EventHub fans lifecycle events out to WebSocket clients. Single
// broadcaster pattern: one subscription feeds every connection.
type EventHub struct {
	engine     *taskmq.Engine
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan taskmq.Event
	upgrader   websocket.Upgrader
	log        *zap.SugaredLogger
}

func NewEventHub(engine *taskmq.Engine, log *zap.SugaredLogger) *EventHub {
	return &EventHub{
		engine:     engine,
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan taskmq.Event, 256),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// Run starts the hub's main loop and subscribes it to the engine. It
// returns when ctx is cancelled.
func (h *EventHub) Run(ctx context.Context) {
	unsubscribe := h.engine.Subscribe(taskmq.EventAll, func(e taskmq.Event) {
		// A slow hub must not stall the emitting delivery.
		select {
		case h.events <- e:
		default:
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			if len(h.clients) >= maxWSConnections {
				conn.Close()
				h.log.Warnw("websocket connection rejected", "max", maxWSConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			h.log.Debugw("websocket client registered", "total", len(h.clients))

		case conn := <-h.unregister:
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}

		case e := <-h.events:
			h.broadcast(e)
		}
	}
}

func (h *EventHub) broadcast(e taskmq.Event) {
	for conn := range h.clients {
		if err := conn.WriteJSON(e); err != nil {
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

func (h *EventHub) shutdown() {
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

// ServeWS upgrades an HTTP request into a hub connection.
func (h *EventHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade failed", "error", err)
		return
	}
	h.register <- conn

	// Drain client frames so pings are answered; the stream is one-way.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.unregister <- conn
				return
			}
		}
	}()
}
