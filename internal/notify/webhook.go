package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"converge/internal/logger"

	"github.com/tidwall/gjson"
)

func sprintAny(v any) string {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(buf)
}

// Webhook posts events as JSON to a configured endpoint. Delivery is
// best-effort with a small retry budget and runs off the publishing
// goroutine; a dead endpoint never blocks a run.
type Webhook struct {
	URL    string
	Client *http.Client

	wg sync.WaitGroup
}

func NewWebhook(url string) *Webhook {
	return &Webhook{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

// Publish hands the event to a background delivery and returns immediately.
func (w *Webhook) Publish(ev Event) {
	if w == nil || w.URL == "" {
		return
	}
	payload := map[string]any{
		"kind":   ev.Kind,
		"at":     ev.At.Format(time.RFC3339),
		"fields": ev.Fields,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		logger.Warnf("notify: marshal event kind=%s err=%v", ev.Kind, err)
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.deliver(ev.Kind, body)
	}()
}

// Flush blocks until in-flight deliveries finish. Shutdown and tests use it.
func (w *Webhook) Flush() {
	if w != nil {
		w.wg.Wait()
	}
}

func (w *Webhook) deliver(kind string, body []byte) {
	var lastErr error
	for i := 0; i < 3; i++ {
		req, err := http.NewRequest(http.MethodPost, w.URL, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			break
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := w.Client.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(i+1) * time.Second)
			continue
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if ok := gjson.GetBytes(respBody, "ok"); ok.Exists() && !ok.Bool() {
				lastErr = fmt.Errorf("endpoint replied ok=false: %s", gjson.GetBytes(respBody, "error").String())
				continue
			}
			return
		}
		lastErr = fmt.Errorf("endpoint status %d", resp.StatusCode)
	}
	logger.Warnf("notify: webhook delivery failed kind=%s err=%v", kind, lastErr)
}
