package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/V4T54L/query-compat/internal/domain"
)

// Statement shapes sent by the generator. %d and %s are filled with random literals so
// that normalization has something to collapse.
var directTemplates = []string{
	"SELECT id, name FROM users WHERE id = %d",
	"SELECT * FROM orders WHERE customer = '%s' AND total > %d.50",
	"UPDATE accounts SET balance = balance - %d WHERE owner = '%s'",
	"INSERT INTO audit (actor, note) VALUES ('%s', 'load test'); SELECT %d",
	"SELECT LOAD_FILE('/tmp/%s-%d')",
	"SELECT encode(name, '%s') FROM users LIMIT %d",
	"SELECT rank, groups FROM leaderboard WHERE season = %d /* %s */",
}

var preparedTemplates = []string{
	"SELECT * FROM sessions WHERE token = ? AND expires > ?",
	"DELETE FROM carts WHERE id = ?",
}

func main() {
	targetURL := flag.String("url", "http://localhost:8080/capture", "Target URL of the capture endpoint")
	apiKey := flag.String("api-key", "supersecretkey", "API Key for authentication")
	taskID := flag.String("task", "", "Task id stamped on every tuple (default: random)")
	concurrency := flag.Int("c", 10, "Number of concurrent workers")
	duration := flag.Duration("d", 30*time.Second, "Duration of the load test")
	rps := flag.Int("rps", 1000, "Tuples per second limit")
	batch := flag.Int("batch", 50, "Tuples per request")
	flag.Parse()

	if *taskID == "" {
		*taskID = uuid.NewString()
	}
	if *batch <= 0 {
		*batch = 1
	}

	log.Printf("Starting load test on %s for task %s", *targetURL, *taskID)
	log.Printf("Concurrency: %d, Duration: %s, RPS: %d, Batch: %d", *concurrency, *duration, *rps, *batch)

	var wg sync.WaitGroup
	var sentTuples, acceptedTuples, errorCount atomic.Int64
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(*rps), *batch)

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			client := &http.Client{
				Timeout: 5 * time.Second,
			}
			gen := newGenerator(*taskID, workerID)

			for {
				if err := limiter.WaitN(ctx, *batch); err != nil {
					return
				}

				body := gen.batch(*batch)
				req, err := http.NewRequestWithContext(ctx, http.MethodPost, *targetURL, bytes.NewReader(body))
				if err != nil {
					continue // Should not happen
				}
				req.Header.Set("Content-Type", "application/x-ndjson")
				req.Header.Set("X-API-Key", *apiKey)

				resp, err := client.Do(req)
				sentTuples.Add(int64(*batch))
				if err != nil {
					errorCount.Add(1)
					continue
				}

				var result struct {
					Accepted int64 `json:"accepted"`
				}
				_ = json.NewDecoder(resp.Body).Decode(&result)
				acceptedTuples.Add(result.Accepted)
				if resp.StatusCode != http.StatusAccepted {
					errorCount.Add(1)
				}
				resp.Body.Close()
			}
		}(i)
	}

	wg.Wait()

	log.Println("Load test finished.")
	log.Printf("Tuples sent: %d", sentTuples.Load())
	log.Printf("Tuples accepted: %d", acceptedTuples.Load())
	log.Printf("Failed requests: %d", errorCount.Load())
	log.Printf("Actual tuple rate: %.2f/s", float64(sentTuples.Load())/duration.Seconds())
}

// generator produces tuples for one simulated client host. Prepared statements are
// always followed by an execute on the same connection.
type generator struct {
	taskID string
	srcIP  string
	rng    *rand.Rand
	buf    bytes.Buffer
}

func newGenerator(taskID string, workerID int) *generator {
	return &generator{
		taskID: taskID,
		srcIP:  fmt.Sprintf("10.0.%d.%d", workerID/250, workerID%250+1),
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(workerID))),
	}
}

func (g *generator) batch(n int) []byte {
	g.buf.Reset()
	enc := json.NewEncoder(&g.buf)
	for i := 0; i < n; i++ {
		port := strconv.Itoa(40000 + g.rng.IntN(64))
		if g.rng.IntN(5) == 0 && i+1 < n {
			text := preparedTemplates[g.rng.IntN(len(preparedTemplates))]
			_ = enc.Encode(g.event(port, domain.CommandPreparedPrepare, text, nil))
			_ = enc.Encode(g.event(port, domain.CommandPreparedExecute, "", []int{8, 253}))
			i++
			continue
		}
		tmpl := directTemplates[g.rng.IntN(len(directTemplates))]
		_ = enc.Encode(g.event(port, domain.CommandDirectQuery, g.fill(tmpl), nil))
	}
	return bytes.Clone(g.buf.Bytes())
}

func (g *generator) event(port string, cmd domain.CommandKind, text string, params []int) domain.CapturedEvent {
	return domain.CapturedEvent{
		ID:         uuid.NewString(),
		TaskID:     g.taskID,
		Timestamp:  time.Now().UTC(),
		SrcIP:      g.srcIP,
		SrcPort:    port,
		Command:    cmd,
		Text:       text,
		FieldTypes: params,
	}
}

func (g *generator) fill(tmpl string) string {
	var args []any
	for i := 0; i+1 < len(tmpl); i++ {
		if tmpl[i] != '%' {
			continue
		}
		switch tmpl[i+1] {
		case 'd':
			args = append(args, g.rng.IntN(100000))
		case 's':
			args = append(args, uuid.NewString()[:8])
		}
	}
	return fmt.Sprintf(tmpl, args...)
}
