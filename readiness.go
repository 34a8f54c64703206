package relay

import (
	"context"
	"time"
)

// Readiness reports whether a node is usable: it has at least one peer, at
// least one peer on the primary topic, and at least one subscribed topic.
type Readiness struct {
	logger       Logger
	overlay      Overlay
	primaryTopic string
}

func NewReadiness(logger Logger, overlay Overlay, primaryTopic string) *Readiness {
	return &Readiness{logger: logger, overlay: overlay, primaryTopic: primaryTopic}
}

// CheckHealth returns nil when ready, otherwise the first failing condition:
// ErrNoPeers, ErrNoSubscribers or ErrNoTopics.
func (r *Readiness) CheckHealth() error {
	if len(r.overlay.Peers()) == 0 {
		return ErrNoPeers
	}

	if len(r.overlay.Subscribers(r.primaryTopic)) == 0 {
		return ErrNoSubscribers
	}

	if len(r.overlay.Topics()) == 0 {
		return ErrNoTopics
	}

	return nil
}

// WaitUntilReady polls CheckHealth every interval until it passes or ctx is
// done, in which case ctx's error is returned.
func (r *Readiness) WaitUntilReady(ctx context.Context, interval time.Duration) error {
	var last error

	ready := func() bool {
		err := r.CheckHealth()
		if err != nil && err != last {
			r.logger.Debugf("[Readiness] not ready: %v", err)
		}

		last = err

		return err == nil
	}

	if err := WaitUntil(ctx, ready, interval); err != nil {
		return err
	}

	r.logger.Infof("[Readiness] node is ready")

	return nil
}
