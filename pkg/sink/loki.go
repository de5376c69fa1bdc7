package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/sitepulse/sitepulse/pkg/record"
)

// lokiPush is the Loki push API request body (v1).
type lokiPush struct {
	Streams []lokiStream `json:"streams"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"` // [timestamp_ns, line]
}

// labelSanitize replaces characters that are awkward in Loki label values.
var labelSanitize = regexp.MustCompile(`[^a-zA-Z0-9_\-:]`)

// Loki pushes each record as a JSON log line. Stream labels stay low
// cardinality: job, kind, enrichment and the configured static labels.
type Loki struct {
	name   string
	url    string
	labels map[string]string
	client *http.Client
}

// NewLoki creates a sink for the Loki instance at baseURL
// (e.g. http://localhost:3100).
func NewLoki(name, baseURL string, labels map[string]string) *Loki {
	return &Loki{
		name:   name,
		url:    strings.TrimSuffix(baseURL, "/") + "/loki/api/v1/push",
		labels: labels,
		client: http.DefaultClient,
	}
}

func (l *Loki) Name() string { return l.name }

// Send pushes rec.
func (l *Loki) Send(ctx context.Context, rec record.Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sink.Loki: marshal: %w", err)
	}
	payload, err := json.Marshal(lokiPush{Streams: []lokiStream{{
		Stream: l.streamLabels(rec),
		Values: [][]string{{strconv.FormatInt(rec.Timestamp.UnixNano(), 10), string(line)}},
	}}})
	if err != nil {
		return fmt.Errorf("sink.Loki: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sink.Loki: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("sink.Loki: push: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sink.Loki: push returned %s", resp.Status)
	}
	return nil
}

func (l *Loki) streamLabels(rec record.Record) map[string]string {
	labels := make(map[string]string, len(l.labels)+3)
	labels["job"] = "sitepulse"
	for k, v := range l.labels {
		if s := labelSanitize.ReplaceAllString(strings.TrimSpace(v), "_"); s != "" {
			labels[k] = s
		}
	}
	labels["kind"] = string(rec.Kind)
	if rec.Enrichment != record.EnrichmentPending {
		labels["enrichment"] = string(rec.Enrichment)
	}
	return labels
}
