// The sandbox agent. Runs inside the per-job container: navigates to the
// target page with headless chromium, captures a full-page screenshot,
// uploads it to the artifact store and streams progress lines back to the
// orchestrator's ingest endpoint.
//
// Exit codes: 0 success, 1 page failure, 125 infrastructure failure
// (artifact store or ingest unreachable). 125 is in the orchestrator's
// retryable set.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mvajha/talon/internal/util"
)

const (
	exitOK    = 0
	exitPage  = 1
	exitInfra = 125
)

type agent struct {
	jobID     string
	targetURL string
	timeout   time.Duration
	ingestURL string
	http      *http.Client
}

func main() {
	os.Exit(run())
}

func run() int {
	a := &agent{
		jobID:     os.Getenv("JOB_ID"),
		targetURL: os.Getenv("TARGET_URL"),
		ingestURL: os.Getenv("TALON_INGEST_URL"),
		http:      &http.Client{Timeout: 5 * time.Second},
	}
	if a.jobID == "" || a.targetURL == "" {
		fmt.Fprintln(os.Stderr, "JOB_ID and TARGET_URL are required")
		return exitPage
	}

	timeoutSecs, err := strconv.Atoi(os.Getenv("TIMEOUT_SECONDS"))
	if err != nil || timeoutSecs <= 0 {
		timeoutSecs = 600
	}
	a.timeout = time.Duration(timeoutSecs) * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	a.log(ctx, "agent started for "+a.targetURL)

	shot, err := a.capture(ctx)
	if err != nil {
		a.log(ctx, "capture failed: "+err.Error())
		return exitPage
	}
	a.log(ctx, fmt.Sprintf("captured screenshot (%d bytes)", len(shot)))

	if err := a.upload(ctx, shot); err != nil {
		a.log(ctx, "artifact upload failed: "+err.Error())
		return exitInfra
	}
	a.log(ctx, "artifact uploaded")

	return exitOK
}

func (a *agent) capture(ctx context.Context) ([]byte, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	var buf []byte
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(a.targetURL),
		chromedp.WaitReady("body"),
		chromedp.FullScreenshot(&buf, 90),
	)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (a *agent) upload(ctx context.Context, shot []byte) error {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	bucket := os.Getenv("MINIO_ARTIFACT_BUCKET")
	if endpoint == "" || bucket == "" {
		return fmt.Errorf("MINIO_ENDPOINT and MINIO_ARTIFACT_BUCKET are required")
	}
	useSSL, _ := strconv.ParseBool(os.Getenv("MINIO_USE_SSL"))

	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(os.Getenv("MINIO_ACCESS_KEY"), os.Getenv("MINIO_SECRET_KEY"), ""),
		Secure: useSSL,
	})
	if err != nil {
		return err
	}

	key := util.ScreenshotKey(a.jobID)
	_, err = mc.PutObject(ctx, bucket, key, bytes.NewReader(shot), int64(len(shot)), minio.PutObjectOptions{
		ContentType: "image/png",
	})
	return err
}

// log emits one progress line to stdout and, best-effort, to the
// orchestrator's ingest endpoint.
func (a *agent) log(ctx context.Context, message string) {
	fmt.Println(message)
	if a.ingestURL == "" {
		return
	}

	payload, err := json.Marshal(map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"message":   message,
	})
	if err != nil {
		return
	}

	url := fmt.Sprintf("%s/jobs/%s/logs", a.ingestURL, a.jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "log ship failed:", err)
		return
	}
	resp.Body.Close()
}
