package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"trading-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsEnvelope tags every pushed message with its originating topic so a
// single connection can multiplex price ticks, risk decisions and position
// lifecycle updates instead of opening one socket per topic.
type wsEnvelope struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

// wsTopics lists the event-bus topics multiplexed onto every /ws connection.
var wsTopics = []events.Event{
	events.EventPriceTick,
	events.EventRiskDecision,
	events.EventPositionOpened,
	events.EventPositionClosed,
	events.EventEvSnapshotUpdate,
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	out := make(chan wsEnvelope, 100)
	for _, topic := range wsTopics {
		stream, unsub := s.Bus.Subscribe(topic, 100)
		defer unsub()
		go func(topic events.Event, stream <-chan any) {
			for msg := range stream {
				select {
				case out <- wsEnvelope{Topic: string(topic), Data: msg}:
				default:
					// slow consumer: drop rather than block the bus
				}
			}
		}(topic, stream)
	}

	for env := range out {
		if err := conn.WriteJSON(env); err != nil {
			log.Printf("ws write error: %v", err)
			return
		}
	}
}
