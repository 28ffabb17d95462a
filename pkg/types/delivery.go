package types

// EventStatus is the event name used for job-subject status frames on both
// gateways.
const EventStatus = "status"

// Delivery reports how many live connections received a published frame and
// the event id every one of them saw.
type Delivery struct {
	Delivered int
	EventID   string
}

// Identified is implemented by payloads that carry their own event id.
type Identified interface {
	EventIdentifier() string
}

// PayloadEventID returns the event id carried by payload, or "" when it has none.
func PayloadEventID(payload any) string {
	switch p := payload.(type) {
	case Identified:
		return p.EventIdentifier()
	case map[string]any:
		if id, ok := p["eventId"].(string); ok {
			return id
		}
	case map[string]string:
		return p["eventId"]
	}
	return ""
}
