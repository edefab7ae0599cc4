package mission

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/quaywise/shuttlecore/control_plane/bus"
	"github.com/quaywise/shuttlecore/control_plane/fleet"
	"github.com/quaywise/shuttlecore/control_plane/observability"
	"github.com/quaywise/shuttlecore/control_plane/store"
)

// ErrPublishTimeout means the shuttle never acknowledged the mission.
var ErrPublishTimeout = fmt.Errorf("mission: shuttle did not acknowledge within the retry window")

// Publisher delivers missions over the broker and re-sends until the shuttle's
// telemetry shows it executing. QoS alone is not enough: a shuttle can be
// connected yet still booting its mission runner, so confirmation comes from
// observed state, not broker acks.
type Publisher struct {
	bus   bus.Bus
	fleet *fleet.Cache

	RetryInterval time.Duration
	Timeout       time.Duration
}

func NewPublisher(b bus.Bus, cache *fleet.Cache) *Publisher {
	return &Publisher{
		bus:           b,
		fleet:         cache,
		RetryInterval: 500 * time.Millisecond,
		Timeout:       30 * time.Second,
	}
}

// PublishAndConfirm sends the mission and blocks until the shuttle picks it
// up or the window closes.
func (p *Publisher) PublishAndConfirm(ctx context.Context, m *Mission) error {
	payload, err := m.Payload()
	if err != nil {
		return err
	}
	topic := bus.TopicShuttleHandle(m.ShuttleID)

	deadline := time.Now().Add(p.Timeout)
	attempt := 0
	for {
		if err := p.bus.Publish(ctx, topic, payload); err != nil {
			observability.BrokerPublishFailures.WithLabelValues("handle").Inc()
			log.Printf("⚠️ mission %s → %s: publish failed: %v", m.Meta.TaskID, m.ShuttleID, err)
		} else if attempt == 0 {
			observability.MissionsPublished.WithLabelValues(m.Meta.OnArrival).Inc()
		}
		attempt++

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.RetryInterval):
		}

		accepted, err := p.accepted(ctx, m)
		if err != nil {
			log.Printf("mission %s → %s: ack check failed: %v", m.Meta.TaskID, m.ShuttleID, err)
		}
		if accepted {
			if attempt > 1 {
				log.Printf("mission %s → %s: accepted after %d attempts", m.Meta.TaskID, m.ShuttleID, attempt)
			}
			return nil
		}
		if time.Now().After(deadline) {
			observability.MissionPublishTimeouts.Inc()
			return fmt.Errorf("%w: shuttle %s, task %s", ErrPublishTimeout, m.ShuttleID, m.Meta.TaskID)
		}
		observability.MissionPublishRetries.Inc()
	}
}

// accepted reads the shuttle's latest telemetry for evidence the mission
// landed: the command-complete flag dropped, or the shuttle left IDLE, with
// the strongest signal being our taskId echoed back.
func (p *Publisher) accepted(ctx context.Context, m *Mission) (bool, error) {
	s, err := p.fleet.Get(ctx, m.ShuttleID)
	if err != nil || s == nil {
		return false, err
	}
	if s.TaskID == m.Meta.TaskID && s.ShuttleStatus != store.ShuttleIdle {
		return true, nil
	}
	if s.CommandComplete == 0 {
		return true, nil
	}
	return s.ShuttleStatus != store.ShuttleIdle && s.ShuttleStatus != store.ShuttleError, nil
}
