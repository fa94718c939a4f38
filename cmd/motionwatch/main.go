package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// motionwatch connects to the motionlimitd state websocket and prints
// channel updates as they arrive.

type envelope struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type channelState struct {
	Channel string  `json:"channel"`
	Pos     float64 `json:"pos"`
	Vel     float64 `json:"vel"`
	Cmd     float64 `json:"cmd"`
	Active  bool    `json:"active"`
	Enabled bool    `json:"enabled"`
	Rule    string  `json:"rule"`
}

type channelSettled struct {
	Channel string  `json:"channel"`
	Pos     float64 `json:"pos"`
}

type sinkStatus struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

type snapshot struct {
	Channels []struct {
		Name    string   `json:"name"`
		Pos     float64  `json:"pos"`
		Cmd     float64  `json:"cmd"`
		Enabled bool     `json:"enabled"`
		MinPos  *float64 `json:"min_pos,omitempty"`
		MaxPos  *float64 `json:"max_pos,omitempty"`
		MaxVel  float64  `json:"max_vel"`
		MaxAcc  float64  `json:"max_acc"`
	} `json:"channels"`
	Selected      string `json:"selected"`
	SinkConnected bool   `json:"sink_connected"`
}

func main() {
	var (
		wsURL     = flag.String("ws", "ws://127.0.0.1:3001/ws", "motionlimitd state websocket URL")
		raw       = flag.Bool("raw", false, "Print every frame as received")
		precision = flag.Int("precision", 4, "Decimal places shown for positions")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	var writeMu sync.Mutex

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	// The daemon pings every 20s; answering refreshes our deadline too.
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	go func() {
		for range pingTicker.C {
			writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				log.Printf("ping failed: %v", err)
				return
			}
		}
	}()

	p := printer{precision: *precision, last: make(map[string]channelState)}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			if *raw {
				fmt.Printf("%s\n", message)
				continue
			}
			p.handle(message)
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// printer renders frames and suppresses channel_state updates that do not
// change anything at the chosen precision.
type printer struct {
	precision int
	last      map[string]channelState
}

func (p *printer) round(v float64) float64 {
	scale := math.Pow(10, float64(p.precision))
	return math.Round(v*scale) / scale
}

func (p *printer) handle(message []byte) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		fmt.Printf("[TEXT] %s\n", message)
		return
	}

	switch env.Type {
	case "state_init":
		var s snapshot
		if err := json.Unmarshal(env.Data, &s); err != nil {
			fmt.Printf("[INIT] %s\n", env.Data)
			return
		}
		fmt.Printf("[INIT] %d channels, selected=%q sink_connected=%v\n", len(s.Channels), s.Selected, s.SinkConnected)
		for _, c := range s.Channels {
			fmt.Printf("  %-12s pos=%.*f cmd=%.*f enabled=%v bounds=%s vel<=%g acc<=%g\n",
				c.Name, p.precision, c.Pos, p.precision, c.Cmd, c.Enabled, bounds(c.MinPos, c.MaxPos), c.MaxVel, c.MaxAcc)
		}

	case "channel_state":
		var s channelState
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return
		}
		s.Pos, s.Vel, s.Cmd = p.round(s.Pos), p.round(s.Vel), p.round(s.Cmd)
		if prev, ok := p.last[s.Channel]; ok && prev == s {
			return
		}
		p.last[s.Channel] = s
		fmt.Printf("[STATE] %-12s pos=%.*f vel=%.*f cmd=%.*f rule=%s\n",
			s.Channel, p.precision, s.Pos, p.precision, s.Vel, p.precision, s.Cmd, s.Rule)

	case "channel_settled":
		var s channelSettled
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return
		}
		fmt.Printf("[SETTLED] %-12s pos=%.*f\n", s.Channel, p.precision, s.Pos)

	case "sink_status":
		var s sinkStatus
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return
		}
		if s.Connected {
			fmt.Printf("[SINK] connected\n")
		} else {
			fmt.Printf("[SINK] disconnected: %s\n", s.Error)
		}

	default:
		fmt.Printf("[%s] %s\n", env.Type, env.Data)
	}
}

func bounds(minPos, maxPos *float64) string {
	if minPos == nil || maxPos == nil {
		return "unbounded"
	}
	return fmt.Sprintf("[%g, %g]", *minPos, *maxPos)
}
