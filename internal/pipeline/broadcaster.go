package pipeline

import (
	"encoding/base64"
	"encoding/json"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/underwater-trash-detector/internal/logger"
)

// Broadcaster fans values out to subscribers. Slow subscribers miss values
// instead of blocking the producer.
type Broadcaster[T any] struct {
	name    string
	mu      sync.Mutex
	clients map[int]chan T
	nextID  int
	closed  bool
	buffer  int
}

// FrameBroadcaster carries annotated JPEG frames for MJPEG preview.
type FrameBroadcaster = Broadcaster[[]byte]

// EventBroadcaster carries pre-serialized job events for SSE clients.
type EventBroadcaster = Broadcaster[*SerializedEvent]

// NewBroadcaster returns a broadcaster whose subscriber channels hold
// buffer values.
func NewBroadcaster[T any](name string, buffer int) *Broadcaster[T] {
	return &Broadcaster[T]{
		name:    name,
		clients: make(map[int]chan T),
		buffer:  buffer,
	}
}

// Subscribe adds a new client. After Close the returned channel is already
// closed.
func (b *Broadcaster[T]) Subscribe() (int, <-chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, b.buffer)
	if b.closed {
		close(ch)
		return -1, ch
	}
	id := b.nextID
	b.nextID++
	b.clients[id] = ch

	logger.Debug(b.name, "Client #%d subscribed (total clients: %d)", id, len(b.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (b *Broadcaster[T]) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
		logger.Debug(b.name, "Client #%d unsubscribed (remaining clients: %d)", id, len(b.clients))
	}
}

// Clients returns the number of subscribers.
func (b *Broadcaster[T]) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Broadcast offers v to every subscriber.
func (b *Broadcaster[T]) Broadcast(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.clients {
		select {
		case ch <- v:
		default:
			// Client too slow, skip this value for this client
		}
	}
}

// Close ends every subscription.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// SerializedEvent holds pre-serialized data in both formats.
type SerializedEvent struct {
	Name         string // SSE event name
	JSONData     []byte
	ProtobufData []byte // base64 encoded google.protobuf.Struct
}

// serializeEvent encodes fields once for all subscribers. fields must hold
// only JSON-compatible values (see structpb.NewValue).
func serializeEvent(name string, fields map[string]any) *SerializedEvent {
	jsonData, err := json.Marshal(fields)
	if err != nil {
		logger.Error("JobEvents", "JSON marshal error: %v", err)
		return nil
	}

	st, err := structpb.NewStruct(fields)
	if err != nil {
		logger.Error("JobEvents", "Protobuf conversion error: %v", err)
		return &SerializedEvent{Name: name, JSONData: jsonData}
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		logger.Error("JobEvents", "Protobuf marshal error: %v", err)
		return &SerializedEvent{Name: name, JSONData: jsonData}
	}

	return &SerializedEvent{
		Name:         name,
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}
}
