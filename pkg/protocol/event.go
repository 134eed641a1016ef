package protocol

// EventType names a broker lifecycle notification pushed to UI clients.
type EventType string

const (
	EventNewRequest       EventType = "new_request"
	EventRequestCompleted EventType = "request_completed"
	EventRequestExpired   EventType = "request_expired"
)

// Event is the WebSocket frame sent to connected UIs.
type Event struct {
	Type    EventType `json:"type"`
	Request *Request  `json:"request"`
}
