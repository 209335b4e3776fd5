package observability

import (
	"time"

	"github.com/getsentry/sentry-go"
)

var scrubbedHeaders = []string{"Authorization", "Cookie", "X-Cron-Secret"}

func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
		BeforeSend:       scrubEvent,
	})
}

// scrubEvent drops bearer tokens and cookies before an event leaves the process.
func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	if event == nil || event.Request == nil {
		return event
	}
	for _, name := range scrubbedHeaders {
		if _, ok := event.Request.Headers[name]; ok {
			event.Request.Headers[name] = "[redacted]"
		}
	}
	event.Request.Cookies = ""
	event.Request.Data = ""
	return event
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}
