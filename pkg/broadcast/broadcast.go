// Package broadcast implements the Pool Service's IV (cluster-wide
// invalidation/broadcast) abstraction: an in-process pub/sub fanout of
// target-connect, target-disconnect and pool-map-update events, plus the
// bulk pool-map transfer used to satisfy a client's BulkPut request.
//
// Grounded on cuemby/warren's pkg/events.Broker: a buffered event channel
// feeding a broadcast loop that fans out to per-subscriber channels,
// non-blocking so one slow subscriber never stalls the others. Delivery is
// SHORTCUT_NONE, SYNC_LAZY: best-effort, no acknowledgement wait, and a
// full subscriber buffer simply drops that event rather than blocking or
// erroring the publisher.
package broadcast

import (
	"sync"
	"time"

	"github.com/poolfabric/poolsvc/pkg/metrics"
	"github.com/poolfabric/poolsvc/pkg/poolmap"
	"github.com/poolfabric/poolsvc/pkg/types"
)

// EventType distinguishes the three IV message kinds this fabric carries.
type EventType string

const (
	EventTargetConnect    EventType = "target.connect"
	EventTargetDisconnect EventType = "target.disconnect"
	EventMapUpdate        EventType = "map.update"
)

// Event is one IV message.
type Event struct {
	Type      EventType
	PoolID    types.UUID
	HandleID  types.UUID
	Capas     types.Capability
	MapBuffer []byte
	Version   uint32
	Timestamp time.Time
}

// Subscriber is a per-target channel receiving every Event published for
// pools it has subscribed to.
type Subscriber chan *Event

// Broker is the IV namespace: a registry of subscribers and a single
// broadcast loop draining a buffered event channel.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	eventCh     chan *Event
	stopCh      chan struct{}
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

func (b *Broker) Start() { go b.run() }

func (b *Broker) Stop() { close(b.stopCh) }

func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

func (b *Broker) publish(e *Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- e:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case e := <-b.eventCh:
			b.fanOut(e)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) fanOut(e *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- e:
		default:
			// Receiver's buffer is full: SYNC_LAZY tolerates a dropped
			// notification, the receiver will pick up the change on its
			// next QUERY.
			metrics.BroadcastDropsTotal.WithLabelValues(string(e.Type)).Inc()
		}
	}
}

func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// BroadcastConnect implements poolsvc.Broadcaster.
func (b *Broker) BroadcastConnect(poolID, handleID types.UUID, capas types.Capability) error {
	b.publish(&Event{Type: EventTargetConnect, PoolID: poolID, HandleID: handleID, Capas: capas})
	return nil
}

// BroadcastDisconnect implements poolsvc.Broadcaster.
func (b *Broker) BroadcastDisconnect(poolID, handleID types.UUID) error {
	b.publish(&Event{Type: EventTargetDisconnect, PoolID: poolID, HandleID: handleID})
	return nil
}

// BroadcastMap implements poolsvc.Broadcaster.
func (b *Broker) BroadcastMap(poolID types.UUID, m *poolmap.Map) error {
	buf, err := poolmap.ExtractBuffer(m)
	if err != nil {
		return err
	}
	b.publish(&Event{Type: EventMapUpdate, PoolID: poolID, MapBuffer: buf, Version: m.Version()})
	return nil
}

// BulkPut serves a client's bulk pool-map transfer request: if dst is too
// small to hold the map's packed buffer, it returns KindTrunc and the
// required size instead of writing anything, mirroring the pool_buf
// truncation check in srv_pool.c's bulk transfer path. The transfer itself
// is a direct copy into the caller-supplied buffer rather than a separate
// bulk engine, since the RPC/bulk transport is an out-of-scope collaborator
// here (see DESIGN.md).
func BulkPut(m *poolmap.Map, dst []byte) (written int, requiredSize int, err error) {
	buf, err := poolmap.ExtractBuffer(m)
	if err != nil {
		return 0, 0, err
	}
	if len(dst) < len(buf) {
		return 0, len(buf), types.NewTruncError("destination buffer too small for pool map", len(buf))
	}
	return copy(dst, buf), len(buf), nil
}
