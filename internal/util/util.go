package util

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ScreenshotKey is the conventional artifact location the agent writes to.
func ScreenshotKey(jobID string) string {
	return fmt.Sprintf("jobs/%s/screenshot.png", jobID)
}

func LogArchiveKey(jobID string) string {
	return fmt.Sprintf("jobs/%s/logs.txt", jobID)
}

// MinuteBucket returns the rate-limit counter key for a submitter at t,
// truncated to the UTC calendar minute.
func MinuteBucket(submitterID string, t time.Time) string {
	return fmt.Sprintf("rate:%s:%s", submitterID, t.UTC().Format("200601021504"))
}

func JobCacheKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

func RecordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
