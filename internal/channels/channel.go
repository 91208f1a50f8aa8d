package channels

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/dlowe/steward/pkg/models"
)

// Adapter is the minimal contract for a channel connector.
type Adapter interface {
	// Type returns the channel type (telegram, discord, slack, etc.).
	Type() models.ChannelType
}

// LifecycleAdapter represents adapters that can start and stop.
type LifecycleAdapter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// OutboundAdapter represents adapters that can send messages.
type OutboundAdapter interface {
	Send(ctx context.Context, msg *models.Message) error
}

// InboundAdapter represents adapters that emit inbound messages.
type InboundAdapter interface {
	Messages() <-chan *models.Message
}

// HealthAdapter represents adapters that expose status and metrics.
type HealthAdapter interface {
	Status() Status
	HealthCheck(ctx context.Context) HealthStatus
	Metrics() MetricsSnapshot
}

// FullAdapter aggregates all adapter capabilities for convenience.
type FullAdapter interface {
	Adapter
	LifecycleAdapter
	OutboundAdapter
	InboundAdapter
	HealthAdapter
}

// Status represents the connection status of a channel.
type Status struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	LastPing  int64  `json:"last_ping,omitempty"` // Unix timestamp
}

// HealthStatus represents the health check result for an adapter.
type HealthStatus struct {
	// Healthy indicates whether the adapter is functioning correctly
	Healthy bool `json:"healthy"`

	// Latency is the time taken to perform the health check
	Latency time.Duration `json:"latency"`

	// Message provides additional context about the health status
	Message string `json:"message,omitempty"`

	// LastCheck is the timestamp of this health check
	LastCheck time.Time `json:"last_check"`

	// Degraded indicates the service is operational but with reduced functionality
	Degraded bool `json:"degraded,omitempty"`
}

// Registry manages multiple channel adapters.
type Registry struct {
	adapters  map[models.ChannelType]Adapter
	inbound   map[models.ChannelType]InboundAdapter
	outbound  map[models.ChannelType]OutboundAdapter
	lifecycle map[models.ChannelType]LifecycleAdapter
	health    map[models.ChannelType]HealthAdapter
	status    map[models.ChannelType]StatusAdapter
}

// NewRegistry creates a new channel registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters:  make(map[models.ChannelType]Adapter),
		inbound:   make(map[models.ChannelType]InboundAdapter),
		outbound:  make(map[models.ChannelType]OutboundAdapter),
		lifecycle: make(map[models.ChannelType]LifecycleAdapter),
		health:    make(map[models.ChannelType]HealthAdapter),
		status:    make(map[models.ChannelType]StatusAdapter),
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) {
	channelType := adapter.Type()
	r.adapters[channelType] = adapter

	if inbound, ok := adapter.(InboundAdapter); ok {
		r.inbound[channelType] = inbound
	} else {
		delete(r.inbound, channelType)
	}

	if outbound, ok := adapter.(OutboundAdapter); ok {
		r.outbound[channelType] = outbound
	} else {
		delete(r.outbound, channelType)
	}

	if lifecycle, ok := adapter.(LifecycleAdapter); ok {
		r.lifecycle[channelType] = lifecycle
	} else {
		delete(r.lifecycle, channelType)
	}

	if health, ok := adapter.(HealthAdapter); ok {
		r.health[channelType] = health
	} else {
		delete(r.health, channelType)
	}

	if status, ok := adapter.(StatusAdapter); ok {
		r.status[channelType] = status
	} else {
		delete(r.status, channelType)
	}
}

// Get returns an adapter by channel type.
func (r *Registry) Get(channelType models.ChannelType) (Adapter, bool) {
	adapter, ok := r.adapters[channelType]
	return adapter, ok
}

// GetOutbound returns an adapter that can send messages for the channel.
func (r *Registry) GetOutbound(channelType models.ChannelType) (OutboundAdapter, bool) {
	adapter, ok := r.outbound[channelType]
	return adapter, ok
}

// GetStatus returns an adapter that can render status events for the
// channel, if one is registered.
func (r *Registry) GetStatus(channelType models.ChannelType) (StatusAdapter, bool) {
	adapter, ok := r.status[channelType]
	return adapter, ok
}

// HealthAdapters returns a copy of registered health adapters.
func (r *Registry) HealthAdapters() map[models.ChannelType]HealthAdapter {
	out := make(map[models.ChannelType]HealthAdapter, len(r.health))
	for channelType, adapter := range r.health {
		out[channelType] = adapter
	}
	return out
}

// All returns all registered adapters.
func (r *Registry) All() []Adapter {
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	return adapters
}

// StartAll starts all registered adapters.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, adapter := range r.lifecycle {
		if err := adapter.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops all registered adapters.
func (r *Registry) StopAll(ctx context.Context) error {
	var lastErr error
	for _, adapter := range r.lifecycle {
		if err := adapter.Stop(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// defaultQueueDepth bounds each adapter's per-channel buffer in the fair
// multiplexer; a channel producing faster than the consumer drains blocks
// its own feeder goroutine rather than stealing turns from its siblings.
const defaultQueueDepth = 64

// AggregateMessages merges inbound messages from every registered adapter
// into a single channel using fair round-robin selection over one buffered
// queue per adapter, rather than a single unbuffered multi-way select: a
// noisy channel can fill its own queue and block, but it cannot starve a
// quieter channel's turn the way an unbuffered fan-in's random select bias
// would under sustained load from one source.
// The returned channel is closed when the context is cancelled or all
// adapters close.
func (r *Registry) AggregateMessages(ctx context.Context) <-chan *models.Message {
	queues := make([]chan *models.Message, 0, len(r.inbound))
	var wg sync.WaitGroup

	for _, adapter := range r.inbound {
		queue := make(chan *models.Message, defaultQueueDepth)
		queues = append(queues, queue)

		wg.Add(1)
		go func(a InboundAdapter, q chan *models.Message) {
			defer wg.Done()
			defer close(q)
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-a.Messages():
					if !ok {
						return
					}
					select {
					case q <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}(adapter, queue)
	}

	out := make(chan *models.Message)
	go func() {
		defer close(out)
		roundRobinMerge(ctx, queues, out)
		wg.Wait()
	}()

	return out
}

// roundRobinMerge drains queues in strict rotation, visiting each in turn
// and forwarding at most one message per visit before moving on. A queue
// with nothing ready is skipped for that round rather than blocking the
// whole rotation.
func roundRobinMerge(ctx context.Context, queues []chan *models.Message, out chan<- *models.Message) {
	active := make([]chan *models.Message, len(queues))
	copy(active, queues)

	for len(active) > 0 {
		next := active[:0]
		progressed := false

		for _, q := range active {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-q:
				if !ok {
					continue // queue closed; drop it from the rotation
				}
				progressed = true
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
				next = append(next, q)
			default:
				next = append(next, q)
			}
		}

		active = next
		if !progressed {
			// Nothing was ready anywhere this round; block on whichever
			// queue produces first instead of busy-spinning the rotation.
			if !waitForAny(ctx, active, out) {
				return
			}
		}
	}
}

// waitForAny blocks until one of the queues yields a message (forwarding
// it) or closes, or the context is cancelled. Returns false on cancellation.
func waitForAny(ctx context.Context, queues []chan *models.Message, out chan<- *models.Message) bool {
	cases := make([]reflect.SelectCase, 0, len(queues)+1)
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})
	for _, q := range queues {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(q)})
	}

	for {
		chosen, recv, ok := reflect.Select(cases)
		if chosen == 0 {
			return false
		}
		if !ok {
			// That queue closed; remove it and keep waiting on the rest.
			cases = append(cases[:chosen], cases[chosen+1:]...)
			if len(cases) == 1 {
				return true
			}
			continue
		}
		msg, _ := recv.Interface().(*models.Message)
		select {
		case out <- msg:
		case <-ctx.Done():
			return false
		}
		return true
	}
}
