package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

func main() {
	url := "http://localhost:8080/jobs"

	payload := map[string]interface{}{
		"targetUrl":      "https://example.com",
		"submitterId":    "loadtest",
		"priority":       "normal",
		"timeoutSeconds": 120,
		"metadata":       map[string]interface{}{"source": "loadtest"},
	}

	jsonData, _ := json.Marshal(payload)

	totalRequests := 100
	ratePerSecond := 5

	ticker := time.NewTicker(time.Second / time.Duration(ratePerSecond))
	defer ticker.Stop()

	var wg sync.WaitGroup
	client := &http.Client{}

	for i := 1; i <= totalRequests; i++ {
		<-ticker.C // enforce request rate

		wg.Add(1)

		go func(n int) {
			defer wg.Done()

			req, err := http.NewRequest("POST", url, bytes.NewBuffer(jsonData))
			if err != nil {
				fmt.Printf("Request %d: error creating request: %v\n", n, err)
				return
			}

			req.Header.Set("Content-Type", "application/json")

			resp, err := client.Do(req)
			if err != nil {
				fmt.Printf("Request %d: error sending request: %v\n", n, err)
				return
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)
			fmt.Printf("Request %d: status %s, body %s\n", n, resp.Status, bytes.TrimSpace(body))
		}(i)
	}

	wg.Wait()
	log.Println("load test finished")
}
