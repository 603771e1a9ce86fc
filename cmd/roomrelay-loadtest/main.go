// Command roomrelay-loadtest opens many sockets into one room and reports
// publish acks, fan-out deliveries and errors.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/cortexuvula/roomrelay/internal/security"
	"github.com/cortexuvula/roomrelay/internal/store"
)

type options struct {
	url       string
	mode      string
	room      string
	conns     int
	duration  time.Duration
	interval  time.Duration
	token     string
	jwtSecret string
}

type counters struct {
	connected    atomic.Int64
	sent         atomic.Int64
	acked        atomic.Int64
	received     atomic.Int64
	errors       atomic.Int64
	connectFails atomic.Int64
}

func main() {
	var o options
	cmd := &cobra.Command{
		Use:   "roomrelay-loadtest",
		Short: "Load test a roomrelay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.url, "url", "http://127.0.0.1:3000", "Server base URL")
	f.StringVar(&o.mode, "mode", "chat", "Socket kind: chat or document")
	f.StringVar(&o.room, "room", "loadtest", "Room id")
	f.IntVar(&o.conns, "conns", 10, "Number of concurrent connections")
	f.DurationVar(&o.duration, "duration", 30*time.Second, "Test duration")
	f.DurationVar(&o.interval, "interval", time.Second, "Message send interval per connection")
	f.StringVar(&o.token, "token", "", "Static auth token (optional)")
	f.StringVar(&o.jwtSecret, "jwt-secret", "", "Mint a user token per connection with this secret (optional)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(o options) error {
	if o.mode != "chat" && o.mode != "document" {
		return fmt.Errorf("unknown mode %q", o.mode)
	}
	var jwt *security.JWTManager
	if o.jwtSecret != "" {
		m, err := security.NewJWTManager(o.jwtSecret)
		if err != nil {
			return err
		}
		jwt = m
	}

	fmt.Printf("roomrelay Load Test\n")
	fmt.Printf("  URL:          %s\n", o.url)
	fmt.Printf("  Mode:         %s\n", o.mode)
	fmt.Printf("  Room:         %s\n", o.room)
	fmt.Printf("  Connections:  %d\n", o.conns)
	fmt.Printf("  Duration:     %s\n", o.duration)
	fmt.Printf("  Msg interval: %s\n", o.interval)
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), o.duration)
	defer cancel()

	// Handle interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()

	var c counters
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < o.conns; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			token := o.token
			if jwt != nil {
				t, err := jwt.GenerateToken(security.Identity{
					UserID: fmt.Sprintf("loadtest-%d", id),
					Name:   fmt.Sprintf("Load Test %d", id),
				}, o.duration+time.Minute)
				if err != nil {
					c.connectFails.Add(1)
					return
				}
				token = t
			}
			if o.mode == "chat" {
				runChat(ctx, o, id, token, &c)
			} else {
				runDocument(ctx, o, id, token, &c)
			}
		}(i)
	}

	// Progress reporting
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				elapsed := time.Since(start).Round(time.Second)
				fmt.Printf("[%s] connected=%d sent=%d acked=%d recv=%d errors=%d connect_fails=%d\n",
					elapsed, c.connected.Load(), c.sent.Load(), c.acked.Load(), c.received.Load(), c.errors.Load(), c.connectFails.Load())
			}
		}
	}()

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println()
	fmt.Println("Results:")
	fmt.Printf("  Duration:        %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  Connected:       %d / %d\n", c.connected.Load(), o.conns)
	fmt.Printf("  Connect fails:   %d\n", c.connectFails.Load())
	fmt.Printf("  Messages sent:   %d\n", c.sent.Load())
	fmt.Printf("  Acks:            %d\n", c.acked.Load())
	fmt.Printf("  Deliveries:      %d\n", c.received.Load())
	fmt.Printf("  Errors:          %d\n", c.errors.Load())
	if elapsed.Seconds() > 0 {
		fmt.Printf("  Send rate:       %.1f msg/s\n", float64(c.sent.Load())/elapsed.Seconds())
		fmt.Printf("  Delivery rate:   %.1f msg/s\n", float64(c.received.Load())/elapsed.Seconds())
	}

	if c.connectFails.Load() > 0 || c.errors.Load() > 0 {
		log.Fatal("Load test completed with errors")
	}
	return nil
}

func dial(ctx context.Context, o options, path, token string) (*websocket.Conn, error) {
	var header http.Header
	if token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	ws, _, err := websocket.Dial(ctx, strings.TrimSuffix(o.url, "/")+path, &websocket.DialOptions{HTTPHeader: header})
	return ws, err
}

type chatFrame struct {
	Type      string       `json:"type"`
	RoomID    string       `json:"roomId,omitempty"`
	RequestID string       `json:"requestId,omitempty"`
	Message   *store.Draft `json:"message,omitempty"`
	Code      string       `json:"code,omitempty"`
}

func runChat(ctx context.Context, o options, id int, token string, c *counters) {
	ws, err := dial(ctx, o, "/ws/chat", token)
	if err != nil {
		c.connectFails.Add(1)
		return
	}
	defer ws.CloseNow()

	write := func(f chatFrame) error {
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		return ws.Write(ctx, websocket.MessageText, data)
	}
	if err := write(chatFrame{Type: "subscribe", RoomID: o.room}); err != nil {
		c.connectFails.Add(1)
		return
	}
	c.connected.Add(1)

	// Read goroutine
	go func() {
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				return
			}
			var f chatFrame
			if json.Unmarshal(data, &f) != nil {
				continue
			}
			switch f.Type {
			case "ack":
				c.acked.Add(1)
			case "message":
				c.received.Add(1)
			case "error":
				c.errors.Add(1)
			}
		}
	}()

	// Write loop
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := write(chatFrame{Type: "publish", RequestID: fmt.Sprintf("%d-%d", id, n), Message: &store.Draft{
				RoomID:     o.room,
				SenderID:   fmt.Sprintf("loadtest-%d", id),
				SenderName: fmt.Sprintf("Load Test %d", id),
				SenderType: store.SenderUser,
				Content:    fmt.Sprintf("load test message %d from %d", n, id),
			}})
			if err != nil {
				if ctx.Err() == nil {
					c.errors.Add(1)
				}
				return
			}
			c.sent.Add(1)
		}
	}
}

func runDocument(ctx context.Context, o options, id int, token string, c *counters) {
	ws, err := dial(ctx, o, "/ws/yjs/"+o.room, token)
	if err != nil {
		c.connectFails.Add(1)
		return
	}
	defer ws.CloseNow()
	c.connected.Add(1)

	go func() {
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
			c.received.Add(1)
		}
	}()

	frame := []byte(fmt.Sprintf("\x00\x01update-from-%d", id))
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.Write(ctx, websocket.MessageBinary, frame); err != nil {
				if ctx.Err() == nil {
					c.errors.Add(1)
				}
				return
			}
			c.sent.Add(1)
		}
	}
}
