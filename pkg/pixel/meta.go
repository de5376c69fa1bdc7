package pixel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultMetaEndpoint is the Graph API base used for the Conversions API.
const DefaultMetaEndpoint = "https://graph.facebook.com/v21.0"

// ErrNotInitialized is returned by track calls issued before init.
var ErrNotInitialized = errors.New("pixel.Meta: track before init")

// Meta sends events to the Meta Conversions API.
type Meta struct {
	endpoint    string
	accessToken string
	client      *http.Client

	mu      sync.Mutex
	pixelID string
}

// NewMeta returns a Conversions API client. The pixel ID is supplied by the
// "init" command.
func NewMeta(endpoint, accessToken string) *Meta {
	if endpoint == "" {
		endpoint = DefaultMetaEndpoint
	}
	return &Meta{
		endpoint:    strings.TrimRight(endpoint, "/"),
		accessToken: accessToken,
		client:      &http.Client{Timeout: DefaultTimeout},
	}
}

type capiUserData struct {
	ExternalID      []string `json:"external_id,omitempty"`
	ClientIPAddress string   `json:"client_ip_address,omitempty"`
}

type capiEvent struct {
	EventName    string         `json:"event_name"`
	EventTime    int64          `json:"event_time"`
	ActionSource string         `json:"action_source"`
	UserData     capiUserData   `json:"user_data"`
	CustomData   map[string]any `json:"custom_data,omitempty"`
}

type capiPayload struct {
	Data []capiEvent `json:"data"`
}

// Fbq handles fbq(command, target, params): "init" records the pixel ID,
// "track" and "trackCustom" send an event named target.
func (m *Meta) Fbq(ctx context.Context, command, target string, params map[string]any) error {
	switch command {
	case "init":
		if target == "" {
			return errors.New("pixel.Meta: init without pixel id")
		}
		m.mu.Lock()
		m.pixelID = target
		m.mu.Unlock()
		return nil
	case "track", "trackCustom":
	default:
		return fmt.Errorf("pixel.Meta: unsupported command %q", command)
	}

	m.mu.Lock()
	pixelID := m.pixelID
	m.mu.Unlock()
	if pixelID == "" {
		return ErrNotInitialized
	}

	p := copyParams(params)
	ev := capiEvent{
		EventName:    target,
		EventTime:    time.Now().Unix(),
		ActionSource: "website",
	}
	if micros, ok := take(p, "timestamp_micros").(int64); ok {
		ev.EventTime = micros / 1e6
	}
	if sid, _ := take(p, "session_id").(string); sid != "" {
		sum := sha256.Sum256([]byte(sid))
		ev.UserData.ExternalID = []string{hex.EncodeToString(sum[:])}
	}
	if ip, _ := take(p, "ip_address").(string); ip != "" {
		ev.UserData.ClientIPAddress = ip
	}
	if len(p) > 0 {
		ev.CustomData = p
	}

	u := fmt.Sprintf("%s/%s/events?access_token=%s", m.endpoint, url.PathEscape(pixelID), url.QueryEscape(m.accessToken))
	if err := postJSON(ctx, m.client, u, capiPayload{Data: []capiEvent{ev}}); err != nil {
		return fmt.Errorf("pixel.Meta: %w", err)
	}
	return nil
}
