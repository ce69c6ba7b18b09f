// Package notify turns inbound push payloads into user-visible alerts and
// routes alert clicks back to the foreground application.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/huykn/triage-edge/bridge"
	"github.com/huykn/triage-edge/cache"
	"github.com/huykn/triage-edge/types"
)

// EventNotification carries an Alert to connected foregrounds for display.
const EventNotification = "NOTIFICATION"

// Alert actions.
const (
	ActionView    = "view"
	ActionDismiss = "dismiss"
)

// Payload is the JSON body of a push message. Every field is optional.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon"`
	URL   string `json:"url"`
}

// Fallback is shown when a push payload cannot be decoded.
var Fallback = Payload{
	Title: "Triage update",
	Body:  "You have a new update.",
	Icon:  "/icons/icon-192.png",
	URL:   "/",
}

// Parse decodes data. Undecodable input yields Fallback and an error
// wrapping types.ErrMalformedPayload; missing fields are filled from Fallback.
func Parse(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Fallback, fmt.Errorf("%w: push payload: %v", types.ErrMalformedPayload, err)
	}
	if p.Title == "" {
		p.Title = Fallback.Title
	}
	if p.Icon == "" {
		p.Icon = Fallback.Icon
	}
	if p.URL == "" {
		p.URL = Fallback.URL
	}
	return p, nil
}

// AlertAction is a button offered on an alert.
type AlertAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// AlertData is the opaque data attached to an alert.
type AlertData struct {
	URL string `json:"url"`
}

// Alert is a user-visible notification.
type Alert struct {
	ID      string        `json:"id"`
	Title   string        `json:"title"`
	Body    string        `json:"body"`
	Icon    string        `json:"icon"`
	Actions []AlertAction `json:"actions"`
	Data    AlertData     `json:"data"`
}

// Broadcaster reaches connected foregrounds. It returns how many received
// the event. *bridge.Hub satisfies it.
type Broadcaster interface {
	Send(event bridge.Event) int
}

// Opener opens the application at a URL when no foreground is connected.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// ExecOpener opens URLs with an external command such as xdg-open.
type ExecOpener struct {
	Name string
	Args []string
}

// Open starts the command with url as its last argument.
func (o ExecOpener) Open(ctx context.Context, url string) error {
	args := append(append([]string(nil), o.Args...), url)
	return exec.CommandContext(ctx, o.Name, args...).Start()
}

// Options configures a Dispatcher.
type Options struct {
	// BaseURL resolves relative alert URLs before they are opened.
	BaseURL string

	// Enabled reports whether alerts may be shown. Nil means enabled.
	Enabled func(ctx context.Context) bool

	Opener Opener
	Logger cache.Logger
}

// Dispatcher shows alerts for push payloads and handles clicks on them.
type Dispatcher struct {
	hub     Broadcaster
	options Options

	mu     sync.Mutex
	alerts map[string]Alert
}

// NewDispatcher creates a dispatcher publishing through hub.
func NewDispatcher(hub Broadcaster, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = cache.NewNoOpLogger()
	}
	return &Dispatcher{
		hub:     hub,
		options: opts,
		alerts:  make(map[string]Alert),
	}
}

// Push handles one inbound push message. It never fails on bad input: a
// malformed payload is replaced by Fallback. shown is false when alerts are
// disabled.
func (d *Dispatcher) Push(ctx context.Context, data []byte) (alert Alert, shown bool) {
	payload, err := Parse(data)
	if err != nil {
		d.options.Logger.Warn("Push payload malformed, using fallback", "error", err)
	}
	if d.options.Enabled != nil && !d.options.Enabled(ctx) {
		d.options.Logger.Info("Notifications disabled, dropping push", "title", payload.Title)
		return Alert{}, false
	}

	alert = Alert{
		ID:    uuid.NewString(),
		Title: payload.Title,
		Body:  payload.Body,
		Icon:  payload.Icon,
		Actions: []AlertAction{
			{Action: ActionView, Title: "View"},
			{Action: ActionDismiss, Title: "Dismiss"},
		},
		Data: AlertData{URL: payload.URL},
	}

	d.mu.Lock()
	d.alerts[alert.ID] = alert
	d.mu.Unlock()

	if d.hub != nil {
		d.hub.Send(bridge.Event{Type: EventNotification, Payload: alert})
	}
	d.options.Logger.Info("Alert shown", "id", alert.ID, "title", alert.Title)
	return alert, true
}

// Alerts returns the alerts still open.
func (d *Dispatcher) Alerts() []Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Alert, 0, len(d.alerts))
	for _, a := range d.alerts {
		out = append(out, a)
	}
	return out
}

// Click handles a user interaction with alert id. An empty action is the
// default tap and behaves like view. The alert is closed in every case.
func (d *Dispatcher) Click(ctx context.Context, id, action string) error {
	d.mu.Lock()
	alert, ok := d.alerts[id]
	delete(d.alerts, id)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("alert %s: %w", id, types.ErrNotFound)
	}

	switch action {
	case ActionDismiss:
		return nil
	case ActionView, "":
		return d.open(ctx, alert.Data.URL)
	default:
		return fmt.Errorf("unknown alert action %q", action)
	}
}

// open focuses a connected foreground, or starts one through the Opener.
func (d *Dispatcher) open(ctx context.Context, target string) error {
	if d.hub != nil && d.hub.Send(bridge.Event{Type: bridge.EventNavigate, Payload: AlertData{URL: target}}) > 0 {
		return nil
	}
	if d.options.Opener == nil {
		d.options.Logger.Warn("No foreground connected and no opener configured", "url", target)
		return nil
	}
	return d.options.Opener.Open(ctx, d.resolve(target))
}

func (d *Dispatcher) resolve(target string) string {
	if d.options.BaseURL == "" || strings.Contains(target, "://") {
		return target
	}
	base, err := url.Parse(d.options.BaseURL)
	if err != nil {
		return target
	}
	ref, err := url.Parse(target)
	if err != nil {
		return target
	}
	return base.ResolveReference(ref).String()
}
