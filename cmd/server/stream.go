package main

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"pricewatch/internal/broadcast"
)

const (
	streamWriteWait = 10 * time.Second
	pingPeriod      = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleStream upgrades to a websocket and relays every matching PriceUpdate
// as a JSON message. A write failure tears this subscription down only;
// other subscribers keep receiving.
func handleStream(w http.ResponseWriter, r *http.Request, bc *broadcast.Broadcaster) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("stream: upgrade: %v", err)
		return
	}
	defer conn.Close()

	sub := bc.Subscribe(r.URL.Query().Get("symbol"))
	defer bc.Unsubscribe(sub)

	// Reader exists only to notice the client going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Fail()
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-sub.Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case u, ok := <-sub.Updates():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(u); err != nil {
				return
			}
		}
	}
}
