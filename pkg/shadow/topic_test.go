package shadow

import (
	"errors"
	"testing"
)

func TestParseTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  TopicInfo
	}{
		{"$aws/things/esp32/shadow/get", TopicInfo{Thing: "esp32", Operation: OpGet, Request: true}},
		{"$aws/things/esp32/shadow/get/accepted", TopicInfo{Thing: "esp32", Operation: OpGet, Status: StatusAccepted}},
		{"$aws/things/esp32/shadow/update/delta", TopicInfo{Thing: "esp32", Operation: OpUpdate, Status: StatusDelta}},
		{"$aws/things/esp32/shadow/update/documents", TopicInfo{Thing: "esp32", Operation: OpUpdate, Status: StatusDocuments}},
		{"$aws/things/esp32/shadow/delete/rejected", TopicInfo{Thing: "esp32", Operation: OpDelete, Status: StatusRejected}},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, err := ParseTopic(tt.topic)
			if err != nil {
				t.Fatalf("ParseTopic() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseTopic() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseTopicInvalid(t *testing.T) {
	topics := []string{
		"",
		"things/esp32/shadow/get",
		"$aws/things//shadow/get",
		"$aws/things/esp32/jobs/get",
		"$aws/things/esp32/shadow/patch",
		"$aws/things/esp32/shadow/update/sideways",
		"$aws/things/esp32/shadow/update/delta/extra",
	}

	for _, topic := range topics {
		if _, err := ParseTopic(topic); !errors.Is(err, ErrInvalidTopic) {
			t.Errorf("ParseTopic(%q) error = %v, want ErrInvalidTopic", topic, err)
		}
	}
}

func TestTopicRoundTrip(t *testing.T) {
	if got := Topic("t1", OpUpdate); got != "$aws/things/t1/shadow/update" {
		t.Errorf("Topic() = %q", got)
	}

	topic := ResponseTopic("t1", OpGet, StatusRejected)
	info, err := ParseTopic(topic)
	if err != nil {
		t.Fatalf("ParseTopic(%q) error = %v", topic, err)
	}
	if info.Thing != "t1" || info.Operation != OpGet || info.Status != StatusRejected || info.Request {
		t.Errorf("ParseTopic(%q) = %+v", topic, info)
	}
}
