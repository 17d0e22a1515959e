package eventbus

import (
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"
)

// NewEvent builds a CloudEvents envelope for one evaluation lifecycle event:
// source identifies the publishing component (e.g. "dispatcher",
// "cleanup-controller"), topic is the dotted event type, and payload is
// marshaled as the CloudEvents JSON data.
func NewEvent(source, topic string, payload any) (Event, error) {
	event := cloudevents.NewEvent()
	event.SetID(uuid.New().String())
	event.SetType(topic)
	event.SetSource(source)
	if err := event.SetData(cloudevents.ApplicationJSON, payload); err != nil {
		return Event{}, fmt.Errorf("eventbus: encoding event data for %s: %w", topic, err)
	}
	return event, nil
}
