package domain

import "time"

// InboundMessage is one user message accepted from the messaging platform.
// ID is the platform-assigned message identifier and the deduplication key:
// two inbound messages with the same ID must never both reach the answering
// service.
type InboundMessage struct {
	ID        string
	Sender    string
	Text      string
	Timestamp time.Time
}

// OutboundReply is a text reply to be delivered back through the platform
// send API. Delivery is single-attempt; failures are logged, not retried.
type OutboundReply struct {
	Recipient string
	Body      string
}
