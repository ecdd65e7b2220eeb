package scanner

import (
	"encoding/base64"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Event holds one frame result serialized once for every subscriber.
type Event struct {
	Sequence uint64
	// JSONData is the frame as JSON.
	JSONData []byte
	// ProtobufData is the frame as a base64 google.protobuf.Struct.
	ProtobufData []byte
}

// Broadcaster fans frame events out to stream clients. Slow clients miss
// events instead of blocking the scanner loop.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[int]chan *Event
	nextID  int
	closed  bool
	dropped uint64
	logger  *zap.SugaredLogger
}

func NewBroadcaster(logger *zap.SugaredLogger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Broadcaster{clients: make(map[int]chan *Event), logger: logger}
}

// Subscribe registers a client. The channel is closed on Unsubscribe or Close.
func (b *Broadcaster) Subscribe() (int, <-chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan *Event, 2)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.clients[id] = ch

	b.logger.Debugw("Stream client subscribed", "client", id, "clients", len(b.clients))
	return id, ch
}

func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
		b.logger.Debugw("Stream client unsubscribed", "client", id, "clients", len(b.clients))
	}
}

func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Publish serializes frame and offers it to every client.
func (b *Broadcaster) Publish(frame *Frame) {
	if b.Clients() == 0 {
		return
	}

	event, err := NewEvent(frame)
	if err != nil {
		b.logger.Errorw("Failed to serialize frame", "sequence", frame.Sequence, "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.clients {
		select {
		case ch <- event:
		default:
			b.dropped++
		}
	}
}

// Dropped is the number of events skipped for slow clients.
func (b *Broadcaster) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Broadcaster) Close() {
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

func NewEvent(frame *Frame) (*Event, error) {
	jsonData, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(jsonData, &fields); err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, err
	}

	return &Event{
		Sequence:     frame.Sequence,
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}
