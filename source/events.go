package source

import (
	"context"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
)

// Lifecycle events that can change the set of routable containers or
// their labels. Anything else on the stream (exec, health, etc.) is noise.
var relevantActions = map[events.Action]struct{}{
	events.ActionCreate:  {},
	events.ActionStart:   {},
	events.ActionStop:    {},
	events.ActionDie:     {},
	events.ActionDestroy: {},
	events.ActionUpdate:  {},
	events.ActionRename:  {},
	events.ActionPause:   {},
	events.ActionUnPause: {},
}

const (
	reconnectInitial = time.Second
	reconnectMax     = 15 * time.Second
)

// EventSource follows the daemon's container event stream and signals the
// reconciliation loop when a new snapshot is worth taking. Snapshots are
// still full listings, so a missed event is repaired by the next poll
// interval or reconnect. The stream goroutine never touches the route
// model or the filesystem; it only pokes the Changes channel.
type EventSource struct {
	PollSource

	changes chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	closeOnce sync.Once
}

func NewEventSource(c APIClient) *EventSource {
	ctx, cancel := context.WithCancel(context.Background())
	s := &EventSource{
		PollSource: PollSource{client: c},
		changes:    make(chan struct{}, 1),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

func (s *EventSource) Changes() <-chan struct{} { return s.changes }

func (s *EventSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
	return s.client.Close()
}

func (s *EventSource) run(ctx context.Context) {
	defer close(s.done)
	backoff := reconnectInitial
	for {
		msgs, errs := s.client.Events(ctx, events.ListOptions{
			Filters: filters.NewArgs(filters.Arg("type", string(events.ContainerEventType))),
		})
	stream:
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-msgs:
				backoff = reconnectInitial
				if _, ok := relevantActions[m.Action]; !ok {
					continue
				}
				log.G(ctx).WithFields(log.Fields{
					"container": m.Actor.ID,
					"action":    m.Action,
				}).Debug("container changed, scheduling reconcile")
				s.poke()
			case err := <-errs:
				if ctx.Err() != nil {
					return
				}
				log.G(ctx).WithError(err).Warnf("event stream interrupted, reconnecting in %v", backoff)
				break stream
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > reconnectMax {
			backoff = reconnectMax
		}
		// The stream was down; state may have moved without us seeing it.
		s.poke()
	}
}

func (s *EventSource) poke() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
