package bus

import (
	"strings"

	"github.com/taskrelay/taskrelay/internal/domain"
)

// Well-known topics.
const (
	TopicTaskStatus = "task.status"
	TopicTaskCancel = "task.cancel"
)

// Wildcard matches exactly one topic segment.
const Wildcard = "*"

// TaskStream is the per-task stream topic carrying recorder-sequenced events.
func TaskStream(taskID string) string { return "task." + taskID + ".stream" }

// SessionMessages is the topic carrying new turns of a session.
func SessionMessages(sessionID string) string { return "session." + sessionID + ".message" }

// AgentEvent is the topic for an agent lifecycle or status event.
func AgentEvent(name, eventType string) string { return "agent." + name + "." + eventType }

// MessageTo is the point-to-point inbox topic of a named agent.
func MessageTo(name string) string { return "message.to." + name }

// ValidateTopic checks a concrete publish topic.
func ValidateTopic(topic string) error {
	if topic == "" {
		return domain.NewEngineError(domain.ErrInvalidParams, "topic is required")
	}
	for _, seg := range strings.Split(topic, ".") {
		if seg == "" || seg == Wildcard {
			return domain.Errorf(domain.ErrInvalidParams, "invalid topic %q", topic)
		}
	}
	return nil
}

// ValidatePattern checks a subscription pattern: an exact topic or one with
// a single wildcard segment.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return domain.NewEngineError(domain.ErrInvalidParams, "topic pattern is required")
	}
	wild := 0
	for _, seg := range strings.Split(pattern, ".") {
		switch seg {
		case "":
			return domain.Errorf(domain.ErrInvalidParams, "invalid topic pattern %q", pattern)
		case Wildcard:
			wild++
		}
	}
	if wild > 1 {
		return domain.Errorf(domain.ErrInvalidParams, "topic pattern %q has more than one wildcard", pattern)
	}
	return nil
}

// Match reports whether topic matches pattern segment by segment.
func Match(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	for {
		pi := strings.IndexByte(pattern, '.')
		ti := strings.IndexByte(topic, '.')
		if (pi < 0) != (ti < 0) {
			return false
		}
		if pi < 0 {
			return pattern == Wildcard || pattern == topic
		}
		if ps := pattern[:pi]; ps != Wildcard && ps != topic[:ti] {
			return false
		}
		pattern, topic = pattern[pi+1:], topic[ti+1:]
	}
}
