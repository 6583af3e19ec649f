package webhook

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/segmentio/ksuid"

	"github.com/issueflow/issueflow/engine/core"
	"github.com/issueflow/issueflow/pkg/logger"
)

const (
	deliveryUserAgent  = "issueflow-webhook/1.0"
	deliveryTimeout    = 30 * time.Second
	headerEvent        = "X-Webhook-Event"
	headerID           = "X-Webhook-ID"
	headerSignature    = "X-Webhook-Signature"
	// TestEvent is the synthetic event used by TestDelivery.
	TestEvent = "webhook.test"
)

// delivery is one pending POST. The payload and headers are frozen at build
// time so every retry sends identical bytes and signature.
type delivery struct {
	integrationID string
	url           string
	event         string
	webhookID     string
	payload       []byte
	headers       map[string]string
	policy        RetryPolicy
	attempts      int
	delay         time.Duration
}

type retryQueue struct {
	mu    sync.Mutex
	items []*delivery
	timer *time.Timer
}

// Dispatcher owns webhook integrations and their retry queues. Each
// integration retries one delivery at a time; integrations are independent.
type Dispatcher struct {
	mu           sync.RWMutex
	integrations map[string]*Integration
	queues       map[string]*retryQueue
	http         *resty.Client
	log          logger.Logger
	now          func() time.Time
	newID        func() string
	closed       bool
}

func NewDispatcher(log logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewNop()
	}
	return &Dispatcher{
		integrations: make(map[string]*Integration),
		queues:       make(map[string]*retryQueue),
		http:         resty.New().SetTimeout(deliveryTimeout),
		log:          log,
		now:          time.Now,
		newID:        func() string { return ksuid.New().String() },
	}
}

func (d *Dispatcher) Register(integration *Integration) error {
	if err := integration.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return core.NewError(core.CategoryInternal, "dispatcher_closed", "webhook dispatcher is shut down")
	}
	if _, exists := d.integrations[integration.ID]; exists {
		return core.NewError(core.CategoryValidation, "integration_exists",
			fmt.Sprintf("integration %q is already registered", integration.ID))
	}
	stored := *integration
	stored.normalize()
	d.integrations[integration.ID] = &stored
	return nil
}

func (d *Dispatcher) Update(integration *Integration) error {
	if err := integration.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.integrations[integration.ID]; !exists {
		return core.NotFoundError("integration", core.ID(integration.ID))
	}
	stored := *integration
	stored.normalize()
	d.integrations[integration.ID] = &stored
	return nil
}

// Delete removes an integration and drops its pending retries.
func (d *Dispatcher) Delete(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.integrations[id]; !exists {
		return core.NotFoundError("integration", core.ID(id))
	}
	delete(d.integrations, id)
	if q, ok := d.queues[id]; ok {
		q.mu.Lock()
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
		q.items = nil
		q.mu.Unlock()
		delete(d.queues, id)
	}
	return nil
}

func (d *Dispatcher) Get(id string) (*Integration, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	integration, ok := d.integrations[id]
	if !ok {
		return nil, core.NotFoundError("integration", core.ID(id))
	}
	copied := *integration
	return &copied, nil
}

func (d *Dispatcher) List() []*Integration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Integration, 0, len(d.integrations))
	for _, integration := range d.integrations {
		copied := *integration
		out = append(out, &copied)
	}
	return out
}

// Deliver posts an event to one integration. A failed first attempt enqueues
// the delivery for retry; Deliver itself does not block on retries.
func (d *Dispatcher) Deliver(ctx context.Context, integrationID, event string, data any) error {
	d.mu.RLock()
	integration, ok := d.integrations[integrationID]
	closed := d.closed
	d.mu.RUnlock()
	if !ok {
		return core.NotFoundError("integration", core.ID(integrationID))
	}
	if closed {
		return core.NewError(core.CategoryInternal, "dispatcher_closed", "webhook dispatcher is shut down")
	}
	if !integration.Enabled || !integration.Subscribed(event) {
		d.log.Debug("webhook delivery skipped",
			"integration_id", integrationID, "event", event, "enabled", integration.Enabled)
		return nil
	}
	pending, err := d.buildDelivery(integration, event, data)
	if err != nil {
		return err
	}
	if sendErr := d.send(ctx, pending); sendErr != nil {
		pending.attempts = 1
		pending.delay = pending.policy.Delay(0)
		d.log.Warn("webhook delivery failed, queued for retry",
			"integration_id", integrationID, "event", event, "webhook_id", pending.webhookID, "error", sendErr)
		d.enqueue(pending)
	}
	return nil
}

// TestDelivery sends a synthetic event synchronously, without retries.
func (d *Dispatcher) TestDelivery(ctx context.Context, integrationID string) error {
	d.mu.RLock()
	integration, ok := d.integrations[integrationID]
	d.mu.RUnlock()
	if !ok {
		return core.NotFoundError("integration", core.ID(integrationID))
	}
	pending, err := d.buildDelivery(integration, TestEvent, map[string]any{
		"integration_id": integrationID,
		"message":        "test delivery",
	})
	if err != nil {
		return err
	}
	if sendErr := d.send(ctx, pending); sendErr != nil {
		return core.WrapError(core.CategoryConnection, "test_delivery_failed",
			fmt.Sprintf("test delivery to integration %q failed", integrationID), sendErr)
	}
	return nil
}

// Close stops all retry timers and rejects further deliveries. Idempotent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for _, q := range d.queues {
		q.mu.Lock()
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
		q.items = nil
		q.mu.Unlock()
	}
}

// PendingRetries reports queued deliveries for one integration.
func (d *Dispatcher) PendingRetries(integrationID string) int {
	d.mu.RLock()
	q, ok := d.queues[integrationID]
	d.mu.RUnlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (d *Dispatcher) buildDelivery(integration *Integration, event string, data any) (*delivery, error) {
	webhookID := d.newID()
	payload, err := canonicalPayload(event, data, d.now(), webhookID)
	if err != nil {
		return nil, core.WrapError(core.CategoryValidation, "payload_not_serializable",
			"webhook payload cannot be serialized", err)
	}
	headers := map[string]string{
		"Content-Type": "application/json",
		"User-Agent":   deliveryUserAgent,
		headerEvent:    event,
		headerID:       webhookID,
	}
	maps.Copy(headers, integration.Headers)
	if integration.Secret != "" {
		headers[headerSignature] = Sign(payload, integration.Secret)
	}
	return &delivery{
		integrationID: integration.ID,
		url:           integration.URL,
		event:         event,
		webhookID:     webhookID,
		payload:       payload,
		headers:       headers,
		policy:        integration.RetryPolicy,
	}, nil
}

func (d *Dispatcher) send(ctx context.Context, pending *delivery) error {
	resp, err := d.http.R().
		SetContext(ctx).
		SetHeaders(pending.headers).
		SetBody(pending.payload).
		Post(pending.url)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("webhook endpoint returned HTTP %d", resp.StatusCode())
	}
	return nil
}

func (d *Dispatcher) enqueue(pending *delivery) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	q, ok := d.queues[pending.integrationID]
	if !ok {
		q = &retryQueue{}
		d.queues[pending.integrationID] = q
	}
	d.mu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, pending)
	d.scheduleLocked(q, pending.integrationID)
}

// scheduleLocked arms the queue timer for the head item. Caller holds q.mu.
func (d *Dispatcher) scheduleLocked(q *retryQueue, integrationID string) {
	if q.timer != nil || len(q.items) == 0 {
		return
	}
	delay := q.items[0].delay
	q.timer = time.AfterFunc(delay, func() { d.processQueue(integrationID) })
}

// processQueue runs one retry attempt for the queue head, then re-arms the
// timer when more work remains. One attempt in flight per integration.
func (d *Dispatcher) processQueue(integrationID string) {
	d.mu.RLock()
	q, ok := d.queues[integrationID]
	closed := d.closed
	d.mu.RUnlock()
	if !ok || closed {
		return
	}
	q.mu.Lock()
	q.timer = nil
	if len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	pending := q.items[0]
	q.items = q.items[1:]
	q.mu.Unlock()

	err := d.send(context.Background(), pending)
	pending.attempts++
	switch {
	case err == nil:
		d.log.Info("webhook retry delivered",
			"integration_id", integrationID, "webhook_id", pending.webhookID, "attempts", pending.attempts)
	case pending.attempts <= pending.policy.MaxRetries:
		pending.delay = pending.policy.Delay(pending.attempts - 1)
		d.log.Warn("webhook retry failed",
			"integration_id", integrationID, "webhook_id", pending.webhookID,
			"attempts", pending.attempts, "next_delay", pending.delay, "error", err)
		q.mu.Lock()
		q.items = append([]*delivery{pending}, q.items...)
		q.mu.Unlock()
	default:
		d.log.Error("webhook delivery dropped after exhausting retries",
			"integration_id", integrationID, "webhook_id", pending.webhookID,
			"attempts", pending.attempts, "error", err)
	}

	q.mu.Lock()
	d.scheduleLocked(q, integrationID)
	q.mu.Unlock()
}
