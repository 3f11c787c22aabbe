package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jmehdipour/evently/internal/model"
	"github.com/jmehdipour/evently/internal/retry"
)

// SnippetLimit bounds the response evidence stored per attempt.
const SnippetLimit = 1024

// Webhook delivers the job envelope to the destination URL as a JSON POST.
// 2xx = success; 5xx, 429, network error, timeout = retryable;
// other 4xx and malformed destinations = permanent.
type Webhook struct {
	client *http.Client
}

// NewWebhook builds the webhook executor. The shared client carries no
// global timeout: the per-destination timeout is applied via context.
func NewWebhook() *Webhook {
	return &Webhook{client: &http.Client{}}
}

func (w *Webhook) Kind() model.ActionType { return model.ActionWebhookDeliver }

func (w *Webhook) Execute(ctx context.Context, env model.Envelope) Outcome {
	started := time.Now()

	u, err := url.Parse(env.Destination.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Outcome{
			Class:      retry.ClassPermanent,
			Error:      fmt.Sprintf("malformed destination url %q", env.Destination.URL),
			StartedAt:  started,
			FinishedAt: time.Now(),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, env.Destination.Timeout())
	defer cancel()

	// delivery document: the job payload minus internal routing detail
	doc, err := json.Marshal(struct {
		EventID   string          `json:"event_id"`
		EventType string          `json:"event_type"`
		Data      json.RawMessage `json:"data"`
	}{env.EventID, env.EventType, env.Data})
	if err != nil {
		return Outcome{
			Class:      retry.ClassPermanent,
			Error:      fmt.Sprintf("marshal delivery body: %v", err),
			StartedAt:  started,
			FinishedAt: time.Now(),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, env.Destination.URL, bytes.NewReader(doc))
	if err != nil {
		return Outcome{
			Class:      retry.ClassPermanent,
			Error:      fmt.Sprintf("build request: %v", err),
			StartedAt:  started,
			FinishedAt: time.Now(),
		}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Evently-Event-Id", env.EventID)
	req.Header.Set("X-Evently-Event-Type", env.EventType)
	for k, v := range env.Destination.Headers {
		req.Header.Set(k, v)
	}

	res, err := w.client.Do(req)
	if err != nil {
		// network error or timeout: a partial result, retryable
		return Outcome{
			Class:      retry.ClassRetryable,
			Error:      fmt.Sprintf("deliver: %v", err),
			StartedAt:  started,
			FinishedAt: time.Now(),
		}
	}
	defer res.Body.Close()

	snippet := readSnippet(res.Body)

	out := Outcome{
		StatusCode:      res.StatusCode,
		ResponseSnippet: snippet,
		StartedAt:       started,
		FinishedAt:      time.Now(),
	}
	switch {
	case res.StatusCode/100 == 2:
		out.Class = retry.ClassSuccess
	case res.StatusCode/100 == 5 || res.StatusCode == http.StatusTooManyRequests:
		out.Class = retry.ClassRetryable
		out.Error = fmt.Sprintf("destination status %d", res.StatusCode)
	default:
		out.Class = retry.ClassPermanent
		out.Error = fmt.Sprintf("destination status %d", res.StatusCode)
	}
	return out
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, SnippetLimit))
	return string(b)
}
