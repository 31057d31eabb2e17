package health

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/courtside-labs/courtside/internal/logging"
)

// ControlClient abstracts the Redis list operations used by Control.
// LPop returns an empty string with a nil error when the queue is empty.
type ControlClient interface {
	LPop(ctx context.Context, key string) (string, error)
}

// Control queue keys. Operators push commands with plain LPUSH/RPUSH:
//
//	Key:   courtside:control:override
//	Items: "polyID|kalshiID" or "polyID|kalshiID|eventID"
//
//	Key:   courtside:control:finalize
//	Items: event ID
const (
	overrideQueue = "courtside:control:override"
	finalizeQueue = "courtside:control:finalize"
)

// Control polls the Redis control queues and dispatches operator
// commands into the running pipeline: linkage overrides for markets the
// matchers could not resolve, and event finalization once a game ends.
// Commands take effect without a restart.
type Control struct {
	client   ControlClient
	log      *logrus.Entry
	interval time.Duration

	onOverride func(polyID, kalshiID, eventID string)
	onFinalize func(eventID string)
}

// NewControl creates a Control dispatching to the given callbacks.
func NewControl(client ControlClient, onOverride func(polyID, kalshiID, eventID string), onFinalize func(eventID string)) *Control {
	return &Control{
		client:     client,
		log:        logging.Component("control"),
		interval:   5 * time.Second,
		onOverride: onOverride,
		onFinalize: onFinalize,
	}
}

// Run polls the control queues until ctx is cancelled.
func (c *Control) Run(ctx context.Context) {
	tick := time.NewTicker(c.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			c.poll(ctx)
		}
	}
}

// poll drains both queues. Each queue is read until empty so a burst of
// commands lands within one interval.
func (c *Control) poll(ctx context.Context) {
	for {
		raw, err := c.client.LPop(ctx, overrideQueue)
		if err != nil {
			c.log.WithField("error", err.Error()).Warn("control queue read failed")
			break
		}
		if raw == "" {
			break
		}
		c.dispatchOverride(raw)
	}

	for {
		raw, err := c.client.LPop(ctx, finalizeQueue)
		if err != nil {
			c.log.WithField("error", err.Error()).Warn("control queue read failed")
			break
		}
		if raw == "" {
			break
		}
		c.log.WithField("event", raw).Info("finalize command received")
		c.onFinalize(strings.TrimSpace(raw))
	}
}

// dispatchOverride parses "polyID|kalshiID[|eventID]" and applies it.
func (c *Control) dispatchOverride(raw string) {
	parts := strings.SplitN(strings.TrimSpace(raw), "|", 3)
	if len(parts) < 2 {
		c.log.WithField("item", raw).Warn("malformed override command")
		return
	}
	eventID := ""
	if len(parts) == 3 {
		eventID = parts[2]
	}
	c.log.WithFields(logrus.Fields{
		"poly":   parts[0],
		"kalshi": parts[1],
		"event":  eventID,
	}).Info("override command received")
	c.onOverride(parts[0], parts[1], eventID)
}
