package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sitepulse/sitepulse/pkg/record"
)

// HTTP posts records as JSON to a remote ingest endpoint.
type HTTP struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewHTTP creates a sink that POSTs to url. headers are added to every
// request (e.g. Authorization, apikey).
func NewHTTP(name, url string, headers map[string]string) *HTTP {
	return &HTTP{
		name:    name,
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *HTTP) Name() string { return h.name }

// Send posts a single record object.
func (h *HTTP) Send(ctx context.Context, rec record.Record) error {
	return h.post(ctx, rec)
}

// SendBatch posts a JSON array of records.
func (h *HTTP) SendBatch(ctx context.Context, recs []record.Record) error {
	return h.post(ctx, recs)
}

func (h *HTTP) post(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sink.HTTP: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("sink.HTTP: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("sink.HTTP: post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sink.HTTP: unexpected status %d", resp.StatusCode)
	}
	return nil
}
