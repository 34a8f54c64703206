package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Router maps topics to application handlers. It subscribes through the
// overlay, turns message events into handler calls and encodes outbound
// payloads.
type Router struct {
	logger         Logger
	overlay        Overlay
	heartbeatTopic string

	mu       sync.RWMutex
	handlers map[string]MessageHandler
}

// NewRouter returns a router bound to overlay and registers it for overlay
// events. Messages on heartbeatTopic are never dispatched.
func NewRouter(logger Logger, overlay Overlay, heartbeatTopic string) *Router {
	r := &Router{
		logger:         logger,
		overlay:        overlay,
		heartbeatTopic: heartbeatTopic,
		handlers:       make(map[string]MessageHandler),
	}

	overlay.Notify(r.HandleEvent)

	return r
}

// Subscribe registers handler for topic, replacing any previous handler.
func (r *Router) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	if r.overlay.State() != StateRunning {
		return ErrNodeNotRunning
	}

	if topic == "" {
		return ErrInvalidTopic
	}

	if handler == nil {
		return ErrInvalidHandler
	}

	if err := r.overlay.Subscribe(ctx, topic); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubscribe, topic, err)
	}

	r.mu.Lock()
	r.handlers[topic] = handler
	r.mu.Unlock()

	r.logger.Infof("[Router] subscribed to topic: %s", topic)

	return nil
}

// Unsubscribe removes the handler for topic and leaves the overlay topic.
func (r *Router) Unsubscribe(topic string) error {
	r.mu.Lock()
	delete(r.handlers, topic)
	r.mu.Unlock()

	return r.overlay.Unsubscribe(topic)
}

// Publish encodes payload and hands it to the overlay once. Strings and byte
// slices are sent as-is; maps, structs and pointers to them are sent as JSON.
func (r *Router) Publish(ctx context.Context, topic string, payload any) (PublishReport, error) {
	if r.overlay.State() != StateRunning {
		return PublishReport{}, ErrNodeNotRunning
	}

	if topic == "" {
		return PublishReport{}, ErrInvalidTopic
	}

	data, err := encodePayload(payload)
	if err != nil {
		messagesPublished.WithLabelValues("invalid").Inc()
		return PublishReport{}, err
	}

	report, err := r.overlay.Publish(ctx, topic, data)
	if err != nil {
		messagesPublished.WithLabelValues("error").Inc()
		return PublishReport{}, fmt.Errorf("%w: %s: %w", ErrPublish, topic, err)
	}

	messagesPublished.WithLabelValues("ok").Inc()
	r.logger.Debugf("[Router] published %d bytes to %s (%d recipients)", report.Size, topic, len(report.Recipients))

	return report, nil
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrInvalidPayload)
	case string:
		return []byte(p), nil
	case []byte:
		return p, nil
	}

	v := reflect.ValueOf(payload)
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, fmt.Errorf("%w: nil pointer", ErrInvalidPayload)
		}

		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Map, reflect.Struct:
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidPayload, payload)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	return data, nil
}

func (r *Router) Peers() []peer.ID {
	return r.overlay.Peers()
}

func (r *Router) Subscribers(topic string) []peer.ID {
	return r.overlay.Subscribers(topic)
}

func (r *Router) Topics() []string {
	return r.overlay.Topics()
}

func (r *Router) HostID() peer.ID {
	return r.overlay.HostID()
}

// HandleEvent is the router's overlay event handler. Only message events are
// of interest; everything else is ignored.
func (r *Router) HandleEvent(ev Event) {
	if ev.Kind != EventMessage || ev.Message == nil {
		return
	}

	r.dispatch(ev.Message)
}

func (r *Router) dispatch(msg *RawMessage) {
	if msg.Type != MessageSigned {
		messagesDropped.WithLabelValues(dropUnsigned).Inc()
		r.logger.Debugf("[Router] dropping unsigned message on %s from %s", msg.Topic, msg.From)

		return
	}

	if msg.Topic == r.heartbeatTopic {
		messagesDropped.WithLabelValues(dropHeartbeat).Inc()
		return
	}

	r.mu.RLock()
	handler, ok := r.handlers[msg.Topic]
	r.mu.RUnlock()

	if !ok {
		messagesDropped.WithLabelValues(dropUnsubscribed).Inc()
		r.logger.Debugf("[Router] no handler for topic %s", msg.Topic)

		return
	}

	in := InboundMessage{
		Type:           msg.Type,
		Topic:          msg.Topic,
		ID:             msg.ID,
		From:           msg.From,
		SequenceNumber: msg.SequenceNumber,
		Data:           msg.Data,
		Body:           decodeBody(msg.Data),
	}

	messagesDispatched.WithLabelValues(msg.Topic).Inc()
	r.invoke(handler, in)
}

// invoke runs handler on the caller's goroutine. Handler failures stop here.
func (r *Router) invoke(handler MessageHandler, msg InboundMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			handlerFailures.WithLabelValues(msg.Topic).Inc()
			r.logger.Errorf("[Router] handler for %s panicked: %v", msg.Topic, rec)
		}
	}()

	if err := handler(context.Background(), msg); err != nil {
		handlerFailures.WithLabelValues(msg.Topic).Inc()
		r.logger.Errorf("[Router] handler for %s failed: %v", msg.Topic, err)
	}
}
