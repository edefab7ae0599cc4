package bus

import "context"

// Shuttle broker topics.
const (
	TopicShuttleEvents       = "shuttle/events"
	TopicShuttleInfoWildcard = "shuttle/information/+"
)

// TopicShuttleInfo is the telemetry topic of one shuttle.
func TopicShuttleInfo(shuttleID string) string {
	return "shuttle/information/" + shuttleID
}

// TopicShuttleHandle is the command topic missions are published to.
func TopicShuttleHandle(shuttleID string) string {
	return "shuttle/handle/" + shuttleID
}

// TopicLifterCommand is where the PLC bridge listens for cab move orders.
func TopicLifterCommand(lifterID string) string {
	return "lifter/command/" + lifterID
}

// Handler receives one broker message. Handlers run concurrently; anything
// they need across calls must live in the store.
type Handler func(topic string, payload []byte)

// Bus abstracts the shuttle broker (MQTT in production). Subscribe accepts
// single-level + wildcards the way MQTT does.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, handler Handler) error
	Close() error
}
