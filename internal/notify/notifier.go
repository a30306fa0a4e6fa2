// Package notify fans action events out to the configured
// notification services. Delivery is fire-and-forget through a bounded
// queue so a slow or dead endpoint can never stall the supervisor.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Will-Luck/Docker-Warden/internal/logging"
	"github.com/Will-Luck/Docker-Warden/internal/store"
)

const appName = "Docker-Warden"

// queueCap bounds the outbound queue; at capacity the oldest pending
// notification is dropped.
const queueCap = 64

// Settings is the slice of configuration the dispatcher needs per
// send. It is re-read from the store snapshot on every publish so
// channel changes apply immediately.
type Settings interface {
	Snapshot() store.Config
}

// Dispatcher delivers events to every configured channel.
type Dispatcher struct {
	settings Settings
	log      *logging.Logger
	client   *http.Client
	mqtt     *mqttPublisher
	queue    chan store.Event

	// onResult, when set, observes delivery outcomes (metrics).
	onResult func(service, result string)
}

// NewDispatcher creates a dispatcher reading channel settings through
// settings. onResult may be nil.
func NewDispatcher(settings Settings, log *logging.Logger, onResult func(service, result string)) *Dispatcher {
	if onResult == nil {
		onResult = func(string, string) {}
	}
	return &Dispatcher{
		settings: settings,
		log:      log,
		client:   &http.Client{Timeout: 10 * time.Second},
		mqtt:     newMQTTPublisher(log),
		queue:    make(chan store.Event, queueCap),
		onResult: onResult,
	}
}

// ConfiguredServices returns a human-readable list of the channels
// currently configured, for the startup banner.
func (d *Dispatcher) ConfiguredServices() string {
	n := d.settings.Snapshot().Notifications
	var services []string
	if n.Webhook.URL != "" {
		services = append(services, "webhook")
	}
	if n.Gotify.URL != "" {
		services = append(services, "gotify")
	}
	if n.Slack.WebhookURL != "" {
		services = append(services, "slack")
	}
	if n.Discord.WebhookURL != "" {
		services = append(services, "discord")
	}
	if n.Telegram.BotToken != "" {
		services = append(services, "telegram")
	}
	if n.MQTT.Broker != "" {
		services = append(services, "mqtt")
	}
	if len(services) == 0 {
		return "none"
	}
	return strings.Join(services, " ")
}

// Publish enqueues an event for delivery. Never blocks: at capacity
// the oldest queued notification is dropped in its favour.
func (d *Dispatcher) Publish(e store.Event) {
	for {
		select {
		case d.queue <- e:
			return
		default:
		}
		select {
		case dropped := <-d.queue:
			d.log.Warn("notification queue full, dropping oldest", "kind", dropped.Kind, "container", dropped.StableID)
		default:
		}
	}
}

// Run delivers queued notifications until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.mqtt.close()
			return
		case e := <-d.queue:
			d.send(e)
		}
	}
}

func (d *Dispatcher) send(e store.Event) {
	n := d.settings.Snapshot().Notifications
	text := format(e)

	if n.Webhook.URL != "" {
		d.report("webhook", d.sendJSON(n.Webhook.URL, map[string]string{"text": text}))
	}
	if n.Gotify.URL != "" {
		d.report("gotify", d.sendJSON(n.Gotify.URL+"/message?token="+n.Gotify.Token,
			map[string]any{"title": appName, "message": text, "priority": 5}))
	}
	if n.Slack.WebhookURL != "" {
		d.report("slack", d.sendJSON(n.Slack.WebhookURL, map[string]string{"text": "*" + appName + "*\n" + text}))
	}
	if n.Discord.WebhookURL != "" {
		d.report("discord", d.sendJSON(n.Discord.WebhookURL, map[string]any{
			"embeds": []map[string]any{{"title": appName, "description": text, "color": 3066993}},
		}))
	}
	if n.Telegram.BotToken != "" {
		d.report("telegram", d.sendJSON("https://api.telegram.org/bot"+n.Telegram.BotToken+"/sendMessage",
			map[string]string{"chat_id": n.Telegram.ChatID, "text": appName + ": " + text}))
	}
	if n.MQTT.Broker != "" {
		d.report("mqtt", d.mqtt.publish(n.MQTT, e))
	}
}

func (d *Dispatcher) report(service string, err error) {
	if err != nil {
		d.log.Debug("notification send failed", "service", service, "error", err)
		d.onResult(service, "failure")
		return
	}
	d.onResult(service, "success")
}

// format renders an event as a single human-readable line.
func format(e store.Event) string {
	var b strings.Builder
	switch e.Kind {
	case store.KindRestart:
		if e.Status == store.StatusFailure {
			fmt.Fprintf(&b, "Restart of %s failed", e.StableID)
		} else {
			fmt.Fprintf(&b, "Restarted %s", e.StableID)
		}
		if e.AttemptCount > 0 {
			fmt.Fprintf(&b, " (attempt %d)", e.AttemptCount)
		}
	case store.KindQuarantine:
		fmt.Fprintf(&b, "Quarantined %s", e.StableID)
	case store.KindAutoUnquarantine:
		fmt.Fprintf(&b, "Released %s from quarantine", e.StableID)
	case store.KindAutoMonitor:
		fmt.Fprintf(&b, "Now monitoring %s", e.StableID)
	default:
		fmt.Fprintf(&b, "%s: %s", e.Kind, e.StableID)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	return b.String()
}

func (d *Dispatcher) sendJSON(url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	resp, err := d.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}
