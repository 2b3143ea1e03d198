package observe

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"

	"github.com/petrijr/reelflow/pkg/api"
)

// LifecycleTopic is the topic lifecycle events are published on.
const LifecycleTopic = "reelflow.instances"

// LifecycleEvent is published whenever an instance changes status.
type LifecycleEvent struct {
	InstanceID string     `json:"instance_id"`
	Name       string     `json:"name"`
	Status     api.Status `json:"status"`
	Generation int        `json:"generation"`
	Error      string     `json:"error,omitempty"`
}

// Notifier publishes instance lifecycle events to an in-process watermill
// pub/sub.
type Notifier struct {
	api.NoopObserver

	pubsub *gochannel.GoChannel
	logger watermill.LoggerAdapter
}

var _ api.Observer = (*Notifier)(nil)

// NewNotifier creates a notifier backed by a watermill GoChannel. A nil
// logger is replaced with watermill.NopLogger.
func NewNotifier(logger watermill.LoggerAdapter) *Notifier {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Notifier{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer:            64,
				Persistent:                     false,
				BlockPublishUntilSubscriberAck: false,
			},
			logger,
		),
		logger: logger,
	}
}

// Close shuts the pub/sub down. Subscriptions are closed.
func (n *Notifier) Close() error {
	return n.pubsub.Close()
}

func (n *Notifier) publish(inst *api.Instance, status api.Status, failure *api.FailureDetails) {
	ev := LifecycleEvent{
		InstanceID: inst.ID,
		Name:       inst.Name,
		Status:     status,
		Generation: inst.Generation,
	}
	if failure != nil {
		ev.Error = failure.Message
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("marshal lifecycle event", err, watermill.LogFields{"instance_id": inst.ID})
		return
	}

	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("instance_id", inst.ID)
	msg.Metadata.Set("status", string(status))
	if err := n.pubsub.Publish(LifecycleTopic, msg); err != nil {
		n.logger.Error("publish lifecycle event", err, watermill.LogFields{"instance_id": inst.ID})
	}
}

func (n *Notifier) OnInstanceStarted(ctx context.Context, inst *api.Instance) {
	n.publish(inst, api.StatusRunning, nil)
}

func (n *Notifier) OnInstanceCompleted(ctx context.Context, inst *api.Instance) {
	n.publish(inst, api.StatusCompleted, nil)
}

func (n *Notifier) OnInstanceFailed(ctx context.Context, inst *api.Instance, failure *api.FailureDetails) {
	n.publish(inst, inst.Status, failure)
}

func (n *Notifier) OnContinuedAsNew(ctx context.Context, inst *api.Instance) {
	n.publish(inst, api.StatusContinuedAsNew, nil)
}

// Subscribe returns a channel of lifecycle events. The channel is closed
// when ctx is done or the notifier is closed.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan LifecycleEvent, error) {
	msgs, err := n.pubsub.Subscribe(ctx, LifecycleTopic)
	if err != nil {
		return nil, err
	}
	out := make(chan LifecycleEvent)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev LifecycleEvent
			err := json.Unmarshal(msg.Payload, &ev)
			msg.Ack()
			if err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// WaitForInstance blocks until the instance reaches a terminal status and
// returns it.
func (n *Notifier) WaitForInstance(ctx context.Context, eng api.Engine, id string) (*api.Instance, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe first so a transition between the lookup and the
	// subscription is not missed.
	events, err := n.Subscribe(ctx)
	if err != nil {
		return nil, err
	}

	inst, err := eng.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return inst, nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				return nil, fmt.Errorf("wait for %s: notifier closed", id)
			}
			if ev.InstanceID != id || !ev.Status.IsTerminal() {
				continue
			}
			return eng.GetInstance(ctx, id)
		}
	}
}
