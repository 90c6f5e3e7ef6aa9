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
	"strconv"
	"strings"
	"time"

	"github.com/hulloitskai/imo/internal/config"
	"github.com/hulloitskai/imo/internal/domain"
	"github.com/hulloitskai/imo/internal/logger"
	"github.com/hulloitskai/imo/internal/repo"
)

const (
	webhookInterval   = 2 * time.Second
	webhookTimeout    = 5 * time.Second
	webhookMaxBackoff = 5 * time.Minute
	webhookBatch      = 100
)

// Headers set on every webhook delivery.
const (
	HeaderWebhookEvent     = "X-Imo-Event"
	HeaderWebhookDelivery  = "X-Imo-Delivery"
	HeaderWebhookSignature = "X-Imo-Signature"
)

// subscriber is one configured webhook and how far it has read the log.
type subscriber struct {
	url      string
	secret   string
	filter   eventFilter
	client   *http.Client
	cursor   int64
	primed   bool
	failures int
	retryAt  time.Time
}

type webhookDispatcher struct {
	repo     repo.Repo
	subs     []*subscriber
	log      *logger.Logger
	interval time.Duration
	now      func() time.Time
}

func newWebhookDispatcher(r repo.Repo, hooks []config.WebhookConfig, log *logger.Logger) *webhookDispatcher {
	if log == nil {
		log = logger.Nop()
	}
	d := &webhookDispatcher{repo: r, log: log, interval: webhookInterval, now: time.Now}
	for _, h := range hooks {
		if h.Enabled != nil && !*h.Enabled || strings.TrimSpace(h.URL) == "" {
			continue
		}
		timeout := webhookTimeout
		if h.TimeoutSeconds > 0 {
			timeout = time.Duration(h.TimeoutSeconds) * time.Second
		}
		d.subs = append(d.subs, &subscriber{
			url:    h.URL,
			secret: strings.TrimSpace(h.Secret),
			filter: newEventFilter(h.Events),
			client: &http.Client{Timeout: timeout},
		})
	}
	return d
}

// StartWebhookDispatcher polls the event log and delivers new events to the
// configured webhooks until ctx is done. Each hook starts from the events
// present at startup. The returned channel closes when the loop exits.
func StartWebhookDispatcher(ctx context.Context, r repo.Repo, hooks []config.WebhookConfig, log *logger.Logger) <-chan struct{} {
	done := make(chan struct{})
	d := newWebhookDispatcher(r, hooks, log)
	if len(d.subs) == 0 {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			d.dispatchAll(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return done
}

// dispatchAll runs one polling round. It is only called from the loop
// goroutine, so subscribers need no locking.
func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	now := d.now()
	for _, s := range d.subs {
		if ctx.Err() != nil {
			return
		}
		if !s.primed {
			latest, err := d.repo.LatestEventID(ctx)
			if err != nil {
				d.log.Warn("webhook: read latest event", "url", s.url, "error", err)
				continue
			}
			s.cursor, s.primed = latest, true
			continue
		}
		if now.Before(s.retryAt) {
			continue
		}
		d.drain(ctx, s, now)
	}
}

func (d *webhookDispatcher) drain(ctx context.Context, s *subscriber, now time.Time) {
	events, err := d.repo.EventsAfter(ctx, webhookBatch, s.cursor)
	if err != nil {
		if ctx.Err() == nil {
			d.log.Warn("webhook: fetch events", "error", err)
		}
		return
	}
	for _, evt := range events {
		if s.filter.match(evt.Type) {
			if err := s.deliver(ctx, evt); err != nil {
				s.failures++
				s.retryAt = now.Add(backoff(d.interval, s.failures))
				d.log.Warn("webhook: delivery failed", "url", s.url, "event_id", evt.ID, "attempt", s.failures, "error", err)
				return
			}
		}
		s.cursor = evt.ID
		s.failures, s.retryAt = 0, time.Time{}
	}
}

func backoff(base time.Duration, failures int) time.Duration {
	wait := base << min(failures-1, 10)
	return min(wait, webhookMaxBackoff)
}

// webhookDelivery is the JSON body POSTed to a webhook.
type webhookDelivery struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	OccurredAt string          `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

func newWebhookDelivery(evt domain.Event) webhookDelivery {
	data := json.RawMessage(evt.Payload)
	if !json.Valid(data) {
		data, _ = json.Marshal(evt.Payload)
	}
	return webhookDelivery{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		OccurredAt: evt.TS,
		Data:       data,
	}
}

// Sign returns the X-Imo-Signature value for body: "sha256=" followed by the
// hex HMAC of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (s *subscriber) deliver(ctx context.Context, evt domain.Event) error {
	body, err := json.Marshal(newWebhookDelivery(evt))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderWebhookEvent, evt.Type)
	req.Header.Set(HeaderWebhookDelivery, strconv.FormatInt(evt.ID, 10))
	if s.secret != "" {
		req.Header.Set(HeaderWebhookSignature, Sign(s.secret, body))
	}
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// eventFilter matches event types; an empty list matches everything.
type eventFilter map[string]struct{}

func newEventFilter(types []string) eventFilter {
	f := eventFilter{}
	for _, t := range types {
		if t = strings.TrimSpace(t); t != "" {
			f[t] = struct{}{}
		}
	}
	return f
}

func (f eventFilter) match(typ string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[typ]
	return ok
}
