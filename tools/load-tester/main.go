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
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var vocabulary = strings.Fields(`the a quick lazy brown fox dog jumps over under
	river mountain city night morning coffee rain loud quiet friend stranger
	builds breaks sings reads writes remembers forgets (maybe) "really" [sometimes]
	because although while until and or but never always tomorrow yesterday`)

func sentence(rnd *rand.Rand) string {
	n := 3 + rnd.IntN(10)
	words := make([]string, n)
	for i := range words {
		words[i] = vocabulary[rnd.IntN(len(vocabulary))]
	}
	return strings.Join(words, " ")
}

func main() {
	baseURL := flag.String("url", "http://localhost:9091", "Admin API base URL")
	apiKey := flag.String("api-key", "supersecretkey", "Admin API key")
	tenants := flag.Int("tenants", 5, "Number of tenants to spread texts over")
	authors := flag.Int("authors", 20, "Number of distinct authors per tenant")
	concurrency := flag.Int("c", 10, "Number of concurrent workers")
	duration := flag.Duration("d", 30*time.Second, "Duration of the load test")
	rps := flag.Int("rps", 200, "Requests per second limit")
	generateEvery := flag.Int("generate-every", 10, "Request a generated sentence after every N texts per worker (0 disables)")
	flag.Parse()

	log.Printf("Injecting texts into %s for %d tenants", *baseURL, *tenants)
	log.Printf("Concurrency: %d, Duration: %s, RPS: %d", *concurrency, *duration, *rps)

	var wg sync.WaitGroup
	var storedCount, skippedCount, generatedCount, errorCount atomic.Int64
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(*rps), 50) // Allow bursts up to 50

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			client := &http.Client{Timeout: 5 * time.Second}
			rnd := rand.New(rand.NewPCG(uint64(workerID), uint64(time.Now().UnixNano())))

			post := func(path string, body []byte) (int, error) {
				req, err := http.NewRequestWithContext(ctx, http.MethodPost, *baseURL+path, bytes.NewReader(body))
				if err != nil {
					return 0, err
				}
				req.Header.Set("Content-Type", "application/json")
				req.Header.Set("X-API-Key", *apiKey)
				resp, err := client.Do(req)
				if err != nil {
					return 0, err
				}
				defer resp.Body.Close()
				return resp.StatusCode, nil
			}

			for sent := 1; ; sent++ {
				if err := limiter.Wait(ctx); err != nil {
					return
				}

				tenantID := fmt.Sprintf("tenant-%d", rnd.IntN(*tenants))
				payload, _ := json.Marshal(map[string]string{
					"text":       sentence(rnd),
					"author_id":  fmt.Sprintf("author-%d", rnd.IntN(*authors)),
					"message_id": uuid.NewString(),
				})

				status, err := post("/tenants/"+tenantID+"/texts", payload)
				switch {
				case err != nil:
					errorCount.Add(1)
				case status == http.StatusCreated:
					storedCount.Add(1)
				case status == http.StatusOK || status == http.StatusForbidden:
					skippedCount.Add(1) // opted-out author or banned tenant
				default:
					errorCount.Add(1)
				}

				if *generateEvery > 0 && sent%*generateEvery == 0 {
					status, err := post("/tenants/"+tenantID+"/generate?max=20", nil)
					if err == nil && status == http.StatusOK {
						generatedCount.Add(1)
					}
				}
			}
		}(i)
	}

	wg.Wait()

	totalRequests := storedCount.Load() + skippedCount.Load() + errorCount.Load()
	actualRPS := float64(totalRequests) / duration.Seconds()

	log.Println("Load test finished.")
	log.Printf("Total Text Requests: %d", totalRequests)
	log.Printf("Stored (201 Created): %d", storedCount.Load())
	log.Printf("Skipped (opted out or banned): %d", skippedCount.Load())
	log.Printf("Generated Sentences: %d", generatedCount.Load())
	log.Printf("Errors: %d", errorCount.Load())
	log.Printf("Actual RPS: %.2f", actualRPS)
}
