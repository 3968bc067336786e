package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"shipline/internal/config"
	"shipline/internal/domain"
	"shipline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher forwards new events to the configured webhooks. Each hook keeps its own
// cursor and starts from the newest event at the time it is first polled, so history is not
// replayed. A failed delivery is retried from the same event on the next tick.
type WebhookDispatcher struct {
	Repo     repo.Repo
	Webhooks []config.WebhookConfig
	// ProjectID limits delivery to one project. Empty forwards events from every project.
	ProjectID string
	Interval  time.Duration
	Logger    *zap.Logger

	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

func NewWebhookDispatcher(r repo.Repo, hooks []config.WebhookConfig, projectID string, logger *zap.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookDispatcher{
		Repo:      r,
		Webhooks:  hooks,
		ProjectID: projectID,
		Interval:  defaultWebhookInterval,
		Logger:    logger.Named("webhooks"),
		client:    &http.Client{},
		cursors:   make(map[int]int64),
	}
}

// Run polls until ctx is done. It returns immediately when no hook is enabled.
func (d *WebhookDispatcher) Run(ctx context.Context) error {
	if !d.anyEnabled() {
		return nil
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *WebhookDispatcher) anyEnabled() bool {
	for _, hook := range d.Webhooks {
		if enabled(hook) {
			return true
		}
	}
	return false
}

func enabled(hook config.WebhookConfig) bool {
	if hook.Enabled != nil && !*hook.Enabled {
		return false
	}
	return strings.TrimSpace(hook.URL) != ""
}

// DispatchAll runs one delivery pass over every enabled hook.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.Webhooks {
		if !enabled(hook) {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor, ok := d.cursorFor(ctx, idx)
	if !ok {
		return
	}
	events, err := d.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, d.ProjectID)
	if err != nil {
		d.Logger.Warn("fetch events failed", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			webhookDeliveries.WithLabelValues("failed").Inc()
			d.Logger.Warn("webhook delivery failed",
				zap.String("url", hook.URL),
				zap.Int64("event_id", evt.ID),
				zap.Error(err))
			return
		}
		webhookDeliveries.WithLabelValues("delivered").Inc()
		d.setCursor(idx, evt.ID)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur, true
	}
	cur, err := d.Repo.LatestEventID(ctx, d.ProjectID)
	if err != nil {
		d.Logger.Warn("init cursor failed", zap.Error(err))
		return 0, false
	}
	d.cursors[idx] = cur
	return cur, true
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// delivery is the JSON body posted to a webhook.
type delivery struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	ProjectID   string          `json:"project_id"`
	Entity      deliveryEntity  `json:"entity"`
	ActorID     string          `json:"actor_id"`
	OccurredAt  string          `json:"occurred_at"`
	DeliveredAt string          `json:"delivered_at"`
	Payload     json.RawMessage `json:"payload"`
}

type deliveryEntity struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
}

// signature returns the hex HMAC-SHA256 of body keyed by secret.
func signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func newDelivery(evt domain.Event, now time.Time) delivery {
	payload := json.RawMessage("{}")
	if json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return delivery{
		ID:          evt.ID,
		Type:        evt.Type,
		ProjectID:   evt.ProjectID,
		Entity:      deliveryEntity{Kind: evt.EntityKind, ID: evt.EntityID},
		ActorID:     evt.ActorID,
		OccurredAt:  evt.TS,
		DeliveredAt: now.UTC().Format(time.RFC3339),
		Payload:     payload,
	}
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	body, err := json.Marshal(newDelivery(evt, time.Now()))
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "shipline-webhooks")
	req.Header.Set("X-Shipline-Event", evt.Type)
	req.Header.Set("X-Shipline-Delivery", strconv.FormatInt(evt.ID, 10))
	req.Header.Set("X-Shipline-Project", evt.ProjectID)
	if secret := strings.TrimSpace(hook.Secret); secret != "" {
		req.Header.Set("X-Shipline-Signature", "sha256="+signature(secret, body))
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("%s answered %d: %s", hook.URL, res.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// eventFilter selects event types by exact name or path.Match pattern ("execution.*").
// No patterns selects everything.
type eventFilter []string

func newEventFilter(patterns []string) eventFilter {
	var f eventFilter
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			f = append(f, p)
		}
	}
	return f
}

func (f eventFilter) match(evtType string) bool {
	if len(f) == 0 {
		return true
	}
	for _, p := range f {
		if p == evtType {
			return true
		}
		if ok, err := path.Match(p, evtType); err == nil && ok {
			return true
		}
	}
	return false
}
