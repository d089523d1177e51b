package settle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fiatjaf.com/nostr"
)

// KindDispatchNotice is the parameterized event kind used for task wake-up
// hints published to relays.
const KindDispatchNotice = nostr.Kind(28934)

const announcePublishTimeout = 10 * time.Second

// relayPublisher is the slice of a relay connection the announcer needs;
// tests substitute fakes.
type relayPublisher interface {
	URL() string
	Publish(ctx context.Context, evt nostr.Event) error
}

type nostrRelayPublisher struct {
	relay *nostr.Relay
}

func (r *nostrRelayPublisher) URL() string {
	if r == nil || r.relay == nil {
		return ""
	}
	return r.relay.URL
}

func (r *nostrRelayPublisher) Publish(ctx context.Context, evt nostr.Event) error {
	return r.relay.Publish(ctx, evt)
}

// RelayAnnouncer publishes a signed wake-up event to nostr relays whenever a
// dispatch task is enqueued for an agent. Polling remains the source of
// truth; announce failures are logged and dropped.
type RelayAnnouncer struct {
	key    nostr.SecretKey
	relays []relayPublisher
}

// NewRelayAnnouncer connects to relayURLs and signs announcements with key.
// Relays that cannot be reached are skipped with a log line.
func NewRelayAnnouncer(ctx context.Context, key nostr.SecretKey, relayURLs []string) *RelayAnnouncer {
	a := &RelayAnnouncer{key: key}
	for _, url := range relayURLs {
		relay, err := nostr.RelayConnect(ctx, url, nostr.RelayOptions{})
		if err != nil {
			fmt.Printf("[Announce] Relay connect failed %s: %v\n", url, err)
			continue
		}
		a.relays = append(a.relays, &nostrRelayPublisher{relay: relay})
		fmt.Printf("[Announce] Connected to relay %s\n", url)
	}
	return a
}

// AnnounceTask implements TaskAnnouncer: one event per enqueue, p-tagged to
// the agent so the agent's subscription wakes it to poll.
func (a *RelayAnnouncer) AnnounceTask(task DispatchTask) {
	if a == nil || len(a.relays) == 0 {
		return
	}
	content, err := json.Marshal(map[string]interface{}{
		"taskId":    task.ID,
		"type":      task.Type,
		"priority":  task.Priority,
		"missionId": task.MissionID,
		"expiresAt": task.ExpiresAt,
	})
	if err != nil {
		fmt.Printf("[Announce] Marshal failed for task %s: %v\n", task.ID, err)
		return
	}

	evt := nostr.Event{
		Kind:      KindDispatchNotice,
		CreatedAt: nostr.Now(),
		Content:   string(content),
		Tags: nostr.Tags{
			nostr.Tag{"p", task.AgentID},
			nostr.Tag{"d", task.ID},
		},
	}
	if err := evt.Sign(a.key); err != nil {
		fmt.Printf("[Announce] Sign failed for task %s: %v\n", task.ID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), announcePublishTimeout)
	defer cancel()
	for _, relay := range a.relays {
		if err := relay.Publish(ctx, evt); err != nil {
			fmt.Printf("[Announce] Publish failed on %s: %v\n", relay.URL(), err)
		}
	}
}
