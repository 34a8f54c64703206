package relay

// Collectors exposed to the external relay_test package.
var (
	MessagesDispatched = messagesDispatched
	MessagesDropped    = messagesDropped
	HandlerFailures    = handlerFailures
	MessagesPublished  = messagesPublished
)
