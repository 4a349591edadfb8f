package domain

// MessageBus decouples the webhook handler from the relay workers: the
// handler publishes accepted deliveries and returns immediately; the relay
// loop consumes them and pushes replies back through the outbound handler.
type MessageBus interface {
	Publish(msg InboundMessage)
	Subscribe() <-chan InboundMessage
	SendOutbound(reply OutboundReply)
	OnOutbound(handler func(OutboundReply))
	Close()
}
