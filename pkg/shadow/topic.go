package shadow

import (
	"fmt"
	"strings"
)

const (
	topicPrefix = "$aws/things/"
	topicShadow = "shadow"
)

// TopicInfo is a parsed shadow topic.
type TopicInfo struct {
	Thing     string
	Operation Operation
	Status    Status

	// Request is true for topics without a status segment (client requests).
	Request bool
}

// Topic returns the request topic for op on thing.
func Topic(thing string, op Operation) string {
	return topicPrefix + thing + "/" + topicShadow + "/" + op.String()
}

// ResponseTopic returns the notification topic for op/status on thing.
func ResponseTopic(thing string, op Operation, status Status) string {
	return Topic(thing, op) + "/" + status.String()
}

// ParseTopic splits a shadow topic into its parts.
func ParseTopic(topic string) (TopicInfo, error) {
	rest, ok := strings.CutPrefix(topic, topicPrefix)
	if !ok {
		return TopicInfo{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}

	parts := strings.Split(rest, "/")
	if len(parts) < 3 || len(parts) > 4 || parts[0] == "" || parts[1] != topicShadow {
		return TopicInfo{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}

	op, err := ParseOperation(parts[2])
	if err != nil {
		return TopicInfo{}, err
	}
	info := TopicInfo{Thing: parts[0], Operation: op}

	if len(parts) == 3 {
		info.Request = true
		return info, nil
	}

	info.Status, err = ParseStatus(parts[3])
	if err != nil {
		return TopicInfo{}, err
	}
	return info, nil
}
