package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"
)

// wsMessage повторяет сообщения /api/v1/ws/steps.
type wsMessage struct {
	Type      string `json:"type"`
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	Pattern   string `json:"pattern"`
	Track     string `json:"track"`
	Iteration int    `json:"iteration"`
	Index     int    `json:"index"`
	Step      string `json:"step"`
	At        string `json:"at"`
	Error     string `json:"error"`
}

func main() {
	var (
		raw    bool
		limit  int
		urlStr string
	)
	flag.StringVar(&urlStr, "url", "ws://127.0.0.1:9090/api/v1/ws/steps", "WebSocket URL of odorseq server")
	flag.BoolVar(&raw, "raw", false, "print raw JSON messages")
	flag.IntVar(&limit, "limit", 0, "stop after N finished runs (0 = infinite)")
	flag.Parse()

	u, err := url.Parse(urlStr)
	if err != nil {
		log.Fatalf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		log.Fatalf("url must start with ws:// or wss://")
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	log.Printf("connected to %s", urlStr)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	runsSeen := 0
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Println("connection closed by peer")
				return
			}
			log.Fatalf("read: %v", err)
		}
		if raw {
			fmt.Println(string(payload))
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Printf("invalid json: %v", err)
			continue
		}

		switch strings.ToLower(msg.Type) {
		case "step":
			log.Printf("%s %s[%d/%d] %s", shortID(msg.RunID), msg.Track, msg.Iteration, msg.Index, msg.Step)
		case "status":
			if msg.Error != "" {
				log.Printf("run %s %s: %s", shortID(msg.RunID), msg.Status, msg.Error)
			} else {
				log.Printf("run %s %s %s", shortID(msg.RunID), msg.Status, msg.Pattern)
			}
			switch msg.Status {
			case "completed", "cancelled", "faulted", "failed":
				runsSeen++
				if limit > 0 && runsSeen >= limit {
					log.Printf("limit reached (%d runs), exiting", limit)
					return
				}
			}
		default:
			log.Printf("message type=%s (ignored)", msg.Type)
		}
	}
}

func shortID(id string) string {
	if id == "" {
		return "-"
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
