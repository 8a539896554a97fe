package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zerratar/RavenNest-sub002/internal/packet"
	"github.com/zerratar/RavenNest-sub002/internal/tcpserver"
	"github.com/zerratar/RavenNest-sub002/internal/token"
)

var (
	target      = flag.String("target", "ws://localhost:8080/stream", "WebSocket endpoint URL")
	connections = flag.Int("connections", 100, "Number of concurrent connections")
	duration    = flag.Duration("duration", 30*time.Second, "Test duration")
	rate        = flag.Float64("rate", 10.0, "Messages per second per connection")
	timeout     = flag.Duration("timeout", 5*time.Second, "Connection timeout")
	verbose     = flag.Bool("verbose", false, "Verbose output")
)

type Stats struct {
	TotalConnections int64
	SuccessfulConns  int64
	FailedConns      int64
	TotalMessages    int64
	SuccessfulMsgs   int64
	FailedMsgs       int64
	TotalBytes       int64
	ConnErrors       int64
	ReadErrors       int64
	WriteErrors      int64
}

var stats Stats

func main() {
	flag.Parse()

	fmt.Printf("=== Transport Server Load Test ===\n")
	fmt.Printf("Target: %s\n", *target)
	fmt.Printf("Connections: %d\n", *connections)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Rate: %.2f msg/s per connection\n", *rate)
	fmt.Printf("\n")

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	// Start stats reporter
	statsDone := make(chan struct{})
	go reportStats(ctx, statsDone)

	registry := packet.NewTypeRegistry()
	registry.RegisterType(tcpserver.SaveStateRequest{})
	registry.RegisterType(tcpserver.GameStateResponse{})
	codec := packet.NewCodec(registry)

	var wg sync.WaitGroup
	startTime := time.Now()
	for i := 0; i < *connections; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runConnection(ctx, codec)
		}()
	}
	wg.Wait()
	elapsed := time.Since(startTime)

	<-statsDone
	printFinalReport(elapsed)
}

// fabricateToken builds a self-describing token accepted by deployments that
// fall back to parsing unregistered tokens.
func fabricateToken() string {
	tok := token.SessionToken{
		SessionID: uuid.New(),
		UserID:    uuid.New(),
		UserName:  "loadtest",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	data, _ := json.Marshal(&tok)
	return base64.StdEncoding.EncodeToString(data)
}

func runConnection(ctx context.Context, codec *packet.Codec) {
	atomic.AddInt64(&stats.TotalConnections, 1)

	dialer := websocket.Dialer{HandshakeTimeout: *timeout}
	header := http.Header{}
	header.Set("session-token", fabricateToken())

	conn, resp, err := dialer.DialContext(ctx, *target, header)
	if err != nil {
		atomic.AddInt64(&stats.FailedConns, 1)
		atomic.AddInt64(&stats.ConnErrors, 1)
		if *verbose {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			fmt.Printf("connection failed (status %d): %v\n", status, err)
		}
		return
	}
	defer conn.Close()

	atomic.AddInt64(&stats.SuccessfulConns, 1)

	// Drain inbound traffic so control frames are processed.
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			atomic.AddInt64(&stats.TotalBytes, int64(len(data)))
		}
	}()

	playerID := uuid.New()
	interval := time.Duration(float64(time.Second) / *rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sendMessage(conn, codec, playerID); err != nil {
				if *verbose {
					fmt.Printf("send failed: %v\n", err)
				}
				return
			}
		}
	}
}

func sendMessage(conn *websocket.Conn, codec *packet.Codec, playerID uuid.UUID) error {
	env := &packet.Envelope{
		ID:   "save_state",
		Type: "SaveStateRequest",
		Payload: &tcpserver.SaveStateRequest{
			SessionToken: "loadtest",
			StateUpdates: []tcpserver.CharacterStateUpdate{
				{PlayerID: playerID, Health: 10, Island: "home", Task: "fighting"},
			},
		},
	}
	data, err := codec.Serialize(env)
	if err != nil {
		return err
	}

	atomic.AddInt64(&stats.TotalMessages, 1)
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		atomic.AddInt64(&stats.WriteErrors, 1)
		atomic.AddInt64(&stats.FailedMsgs, 1)
		return err
	}
	atomic.AddInt64(&stats.SuccessfulMsgs, 1)
	atomic.AddInt64(&stats.TotalBytes, int64(len(data)))
	return nil
}

func reportStats(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printStats()
		}
	}
}

func printStats() {
	totalConns := atomic.LoadInt64(&stats.TotalConnections)
	successConns := atomic.LoadInt64(&stats.SuccessfulConns)
	failedConns := atomic.LoadInt64(&stats.FailedConns)
	successMsgs := atomic.LoadInt64(&stats.SuccessfulMsgs)
	failedMsgs := atomic.LoadInt64(&stats.FailedMsgs)
	totalBytes := atomic.LoadInt64(&stats.TotalBytes)

	fmt.Printf("\r[Stats] Conns: %d/%d (failed: %d) | Msgs: %d (failed: %d) | Bytes: %d",
		successConns, totalConns, failedConns, successMsgs, failedMsgs, totalBytes)
}

func printFinalReport(elapsed time.Duration) {
	fmt.Printf("\n\n=== Final Report ===\n")
	fmt.Printf("Duration: %v\n", elapsed)

	totalConns := atomic.LoadInt64(&stats.TotalConnections)
	successConns := atomic.LoadInt64(&stats.SuccessfulConns)
	failedConns := atomic.LoadInt64(&stats.FailedConns)
	successMsgs := atomic.LoadInt64(&stats.SuccessfulMsgs)
	failedMsgs := atomic.LoadInt64(&stats.FailedMsgs)
	totalBytes := atomic.LoadInt64(&stats.TotalBytes)
	totalMsgs := atomic.LoadInt64(&stats.TotalMessages)

	fmt.Printf("\n--- Connections ---\n")
	fmt.Printf("Total: %d\n", totalConns)
	if totalConns > 0 {
		fmt.Printf("Successful: %d (%.2f%%)\n", successConns, float64(successConns)/float64(totalConns)*100)
		fmt.Printf("Failed: %d (%.2f%%)\n", failedConns, float64(failedConns)/float64(totalConns)*100)
	}

	fmt.Printf("\n--- Messages ---\n")
	fmt.Printf("Total: %d\n", totalMsgs)
	if totalMsgs > 0 {
		fmt.Printf("Successful: %d (%.2f%%)\n", successMsgs, float64(successMsgs)/float64(totalMsgs)*100)
		fmt.Printf("Failed: %d (%.2f%%)\n", failedMsgs, float64(failedMsgs)/float64(totalMsgs)*100)
	}
	if elapsed > 0 {
		fmt.Printf("Throughput: %.2f msg/s\n", float64(successMsgs)/elapsed.Seconds())
	}
	fmt.Printf("Total bytes: %d\n", totalBytes)
}
