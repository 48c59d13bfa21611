package push

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"mailkeep/internal/audit"
	"mailkeep/internal/faults"
	"mailkeep/internal/logging"
	"mailkeep/internal/mailapi"
	"mailkeep/internal/queue"
)

// Interaction action names carried in payload actions.
const (
	ActionOpen     = "open"
	ActionMarkRead = "mark_read"
	ActionStar     = "star"
	ActionDelete   = "delete"
)

// MailAPI is the subset of the mail client used for notification actions.
type MailAPI interface {
	MarkRead(ctx context.Context, flag mailapi.ReadFlag) error
	StarEmail(ctx context.Context, flag mailapi.StarFlag) error
	DeleteEmail(ctx context.Context, ref mailapi.EmailRef) error
}

// traits is the presentation mapping for a payload type.
type traits struct {
	urgent    bool
	vibrate   bool
	groupable bool
}

func traitsFor(t PayloadType) traits {
	switch t {
	case TypeNewMail:
		return traits{vibrate: true, groupable: true}
	case TypeVipMail:
		return traits{urgent: true, vibrate: true, groupable: true}
	case TypeSyncFailed:
		return traits{urgent: true}
	case TypeReminder:
		return traits{vibrate: true}
	default:
		return traits{}
	}
}

// defaultActions offered when a payload carries none.
func defaultActions(t PayloadType, url string) []Action {
	switch t {
	case TypeNewMail:
		return []Action{
			{Action: ActionOpen, Title: "Open", URL: url},
			{Action: ActionMarkRead, Title: "Mark read"},
		}
	case TypeVipMail:
		return []Action{
			{Action: ActionOpen, Title: "Open", URL: url},
			{Action: ActionStar, Title: "Star"},
		}
	default:
		return nil
	}
}

// Dispatcher validates inbound payloads, presents notifications with
// grouping, and routes notification interactions.
type Dispatcher struct {
	validator *Validator
	notifier  Manager
	trail     *audit.Trail
	store     *queue.Store
	api       MailAPI
	openURL   func(url string) error
	logger    *logging.Logger

	mu     sync.Mutex
	groups map[string]int // undismissed count per tag
}

// DispatcherOption is a functional option for Dispatcher
type DispatcherOption func(*Dispatcher)

// WithOpenURL sets the callback used to open a mail URL in a foreground
// instance. The daemon wires this to a bus broadcast, falling back to
// launching a new instance when no subscriber is connected.
func WithOpenURL(fn func(url string) error) DispatcherOption {
	return func(d *Dispatcher) {
		d.openURL = fn
	}
}

// WithAuditTrail records notification activity to the audit store.
func WithAuditTrail(trail *audit.Trail) DispatcherOption {
	return func(d *Dispatcher) {
		d.trail = trail
	}
}

// NewDispatcher creates a dispatcher presenting through notifier, with
// store and api backing notification actions.
func NewDispatcher(notifier Manager, store *queue.Store, api MailAPI, opts ...DispatcherOption) (*Dispatcher, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		validator: validator,
		notifier:  notifier,
		store:     store,
		api:       api,
		logger:    logging.GetLogger(),
		groups:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// HandlePush processes one raw push payload. Invalid payloads are dropped
// silently: logged at debug, recorded for audit, never an error to the
// caller.
func (d *Dispatcher) HandlePush(ctx context.Context, raw []byte) {
	p, err := d.validator.Validate(raw)
	if err != nil {
		d.logger.Debug("push: dropping invalid payload: %v", err)
		d.record(audit.EventDropped, "", "", "")
		return
	}

	tr := traitsFor(p.Type)
	tag := p.Tag
	if tag == "" {
		tag = string(p.Type)
	}

	n := Notification{
		Type:      p.Type,
		Title:     p.Title,
		Message:   p.Body,
		Tag:       tag,
		URL:       p.URL,
		Urgent:    tr.urgent,
		Vibrate:   tr.vibrate,
		Count:     1,
		Actions:   p.Actions,
		Timestamp: time.Now(),
	}
	if len(n.Actions) == 0 {
		n.Actions = defaultActions(p.Type, p.URL)
	}

	event := audit.EventShown
	if tr.groupable {
		d.mu.Lock()
		d.groups[tag]++
		count := d.groups[tag]
		d.mu.Unlock()

		if count > 1 {
			// Replace the undismissed notification with one aggregate.
			n.Count = count
			n.Title = fmt.Sprintf("%d new emails", count)
			n.Message = ""
			event = audit.EventGrouped
		}
	}

	if err := d.notifier.Send(n); err != nil {
		d.logger.Warn("push: presenting notification: %v", err)
	}
	d.record(event, string(p.Type), n.Title, p.URL)
}

// HandleDismiss clears the grouping state for a tag.
func (d *Dispatcher) HandleDismiss(tag string) {
	d.mu.Lock()
	delete(d.groups, tag)
	d.mu.Unlock()
	d.record(audit.EventDismissed, "", "", "")
}

// GroupCount returns the undismissed count for a tag.
func (d *Dispatcher) GroupCount(tag string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.groups[tag]
}

// HandleClick dispatches one notification interaction: open-URL actions go
// to a foreground instance; mutating actions are issued against the mail
// API, falling back to the durable queue when the network is unavailable.
func (d *Dispatcher) HandleClick(ctx context.Context, p *Payload, actionName string) error {
	d.HandleDismiss(p.Tag)
	d.record(audit.EventClicked, string(p.Type), p.Title, p.URL)

	action := findAction(p, actionName)

	if action.Action == ActionOpen || action.URL != "" {
		url := action.URL
		if url == "" {
			url = p.URL
		}
		if d.openURL == nil {
			return fmt.Errorf("no open-url handler configured")
		}
		return d.openURL(url)
	}

	return d.dispatchMutation(ctx, p, action.Action)
}

// dispatchMutation issues a mutating action, queueing it when offline.
func (d *Dispatcher) dispatchMutation(ctx context.Context, p *Payload, actionName string) error {
	if p.EmailID == "" {
		return faults.Validation("push.click", fmt.Errorf("action %q needs an email id", actionName))
	}

	var actionType queue.ActionType
	var payload interface{}
	var err error

	switch actionName {
	case ActionMarkRead:
		flag := mailapi.ReadFlag{EmailID: p.EmailID, Read: true}
		actionType, payload = queue.ActionMarkRead, flag
		err = d.api.MarkRead(ctx, flag)
	case ActionStar:
		flag := mailapi.StarFlag{EmailID: p.EmailID, Starred: true}
		actionType, payload = queue.ActionStarEmail, flag
		err = d.api.StarEmail(ctx, flag)
	case ActionDelete:
		ref := mailapi.EmailRef{EmailID: p.EmailID}
		actionType, payload = queue.ActionDeleteEmail, ref
		err = d.api.DeleteEmail(ctx, ref)
	default:
		return faults.Validation("push.click", fmt.Errorf("unknown action %q", actionName))
	}

	if err == nil {
		return nil
	}
	if !faults.IsNetwork(err) {
		return err
	}

	// Offline: queue the action for replay instead of losing the click.
	raw, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return marshalErr
	}
	if _, qErr := d.store.Enqueue(ctx, actionType, raw); qErr != nil {
		return qErr
	}
	d.logger.Info("push: queued %s for %s, network unavailable", actionType, p.EmailID)
	return nil
}

// findAction resolves an action by name, synthesizing an open action when
// the payload does not declare it.
func findAction(p *Payload, name string) Action {
	for _, a := range p.Actions {
		if a.Action == name {
			return a
		}
	}
	if name == "" || name == ActionOpen {
		return Action{Action: ActionOpen, URL: p.URL}
	}
	return Action{Action: name}
}

func (d *Dispatcher) record(eventType, notificationType, title, url string) {
	if d.trail != nil {
		d.trail.Record(eventType, notificationType, title, url)
	}
}
