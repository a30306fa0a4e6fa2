package docker

import (
	"context"
	"time"

	"github.com/moby/moby/api/types/events"
	"github.com/moby/moby/client"
)

// StartEvent is a processed container-start event from the Docker
// event stream.
type StartEvent struct {
	ContainerID   string
	ContainerName string
	Labels        map[string]string
	Timestamp     time.Time
}

// Watcher subscribes to the Docker event stream and emits StartEvents.
type Watcher struct {
	api          *client.Client
	reconnectMax time.Duration
	onConnect    func(connected bool)
}

// NewWatcher creates a Watcher over the given client's event stream.
// onConnect, if non-nil, is invoked on every connect/disconnect (used
// for the stream-connected gauge).
func NewWatcher(c *Client, onConnect func(connected bool)) *Watcher {
	return &Watcher{
		api:          c.api,
		reconnectMax: 30 * time.Second,
		onConnect:    onConnect,
	}
}

// Watch starts watching container-start events. It reconnects
// automatically on disconnect, resubscribing from "now"; any gap is
// reconciled by the periodic sweep. The returned channel is buffered so
// a slow consumer never stalls the stream reader, and is closed when
// ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context) <-chan StartEvent {
	ch := make(chan StartEvent, 64)

	go func() {
		defer close(ch)
		backoff := time.Second

		for {
			if ctx.Err() != nil {
				return
			}

			start := time.Now()
			w.streamEvents(ctx, ch)
			if ctx.Err() != nil {
				return
			}
			lifetime := time.Since(start)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}

			backoff = w.nextBackoff(lifetime, backoff)
		}
	}()

	return ch
}

// nextBackoff escalates the reconnect delay after a short-lived
// subscription and resets it after one that stayed up, even if no
// events arrived while it was open.
func (w *Watcher) nextBackoff(lifetime, current time.Duration) time.Duration {
	if lifetime >= w.reconnectMax {
		return time.Second
	}
	next := current * 2
	if next > w.reconnectMax {
		next = w.reconnectMax
	}
	return next
}

// streamEvents consumes one subscription until it breaks.
func (w *Watcher) streamEvents(ctx context.Context, ch chan<- StartEvent) {
	opts := client.EventsListOptions{
		Filters: make(client.Filters).
			Add("type", "container").
			Add("event", "start"),
	}

	result := w.api.Events(ctx, opts)
	if w.onConnect != nil {
		w.onConnect(true)
		defer w.onConnect(false)
	}

	for {
		select {
		case msg, ok := <-result.Messages:
			if !ok {
				return
			}
			select {
			case ch <- parseStartEvent(msg):
			case <-ctx.Done():
				return
			}
		case <-result.Err:
			return
		case <-ctx.Done():
			return
		}
	}
}

func parseStartEvent(msg events.Message) StartEvent {
	return StartEvent{
		ContainerID:   msg.Actor.ID,
		ContainerName: msg.Actor.Attributes["name"],
		Labels:        msg.Actor.Attributes,
		Timestamp:     time.Unix(msg.Time, msg.TimeNano%1e9),
	}
}
