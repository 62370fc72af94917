package chatlink

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
)

// ReadMarker is the REST collaborator that records a chat as read.
// *ChatAPI satisfies it.
type ReadMarker interface {
	MarkRead(ctx context.Context, chatID int64) error
}

// Conversation is one open chat. It subscribes both inbound channels for
// the chat (private queue and broadcast topic), feeds every arrival
// through the ingestion pipeline, and keeps the deduplicated,
// timestamp-ordered message list the consumer renders from.
type Conversation struct {
	client      *Client
	chatID      int64
	localUserID int64
	marker      ReadMarker

	mu        sync.RWMutex
	messages  []ChatMessage
	seen      map[int64]struct{}
	queueDest string
	topicDest string
	attached  bool
	closed    bool

	updates chan ChatMessage
	unbind  func()
}

// OpenConversation opens chat chatID on the live session. Both inbound
// channels are subscribed immediately; they come back automatically
// after a reconnect. marker may be nil when read receipts are not
// wanted (it is consulted for every message from another user).
func (c *Client) OpenConversation(chatID int64, marker ReadMarker) (*Conversation, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}

	conv := &Conversation{
		client:      c,
		chatID:      chatID,
		localUserID: c.creds.UserID(),
		marker:      marker,
		seen:        make(map[int64]struct{}),
		attached:    true,
		updates:     make(chan ChatMessage, 64),
	}

	if err := conv.subscribe(); err != nil {
		return nil, err
	}
	conv.unbind = c.OnConnectionChange(conv.onConnEvent)
	return conv, nil
}

// ChatID returns the chat this conversation is bound to.
func (conv *Conversation) ChatID() int64 {
	return conv.chatID
}

// Messages returns the ordered message list as a copy.
func (conv *Conversation) Messages() []ChatMessage {
	conv.mu.RLock()
	defer conv.mu.RUnlock()

	result := make([]ChatMessage, len(conv.messages))
	copy(result, conv.messages)
	return result
}

// Updates yields each newly ingested message. Slow consumers lose
// notifications, not messages; Messages always has the full list.
func (conv *Conversation) Updates() <-chan ChatMessage {
	return conv.updates
}

// MarkAllRead flips the local read flag on every message.
func (conv *Conversation) MarkAllRead() {
	conv.mu.Lock()
	defer conv.mu.Unlock()
	for i := range conv.messages {
		conv.messages[i].Read = true
	}
}

// Close releases both channel subscriptions and detaches from
// connection-state notifications. The message list stays readable.
func (conv *Conversation) Close() {
	conv.mu.Lock()
	if conv.closed {
		conv.mu.Unlock()
		return
	}
	conv.closed = true
	queueDest, topicDest := conv.queueDest, conv.topicDest
	unbind := conv.unbind
	conv.mu.Unlock()

	if unbind != nil {
		unbind()
	}
	if queueDest != "" {
		conv.client.Unsubscribe(queueDest)
	}
	if topicDest != "" {
		conv.client.Unsubscribe(topicDest)
	}
}

// subscribe opens both inbound channels for the chat. Both feed the same
// ingest path; the dedup there is what makes the redundancy harmless.
func (conv *Conversation) subscribe() error {
	queueDest := userQueueDestination(conv.client.creds.Username(), conv.chatID)
	topicDest := topicDestination(conv.chatID)

	if err := conv.client.Subscribe(queueDest, conv.ingest); err != nil {
		return err
	}
	if err := conv.client.Subscribe(topicDest, conv.ingest); err != nil {
		conv.client.Unsubscribe(queueDest)
		return err
	}

	conv.mu.Lock()
	conv.queueDest = queueDest
	conv.topicDest = topicDest
	conv.mu.Unlock()
	return nil
}

// onConnEvent re-subscribes the conversation's channels once the session
// comes back after a drop. Subscription handles died with the old
// session; the registry's idempotence makes a redundant attempt safe.
func (conv *Conversation) onConnEvent(ev ConnEvent) {
	conv.mu.Lock()
	if conv.closed {
		conv.mu.Unlock()
		return
	}
	switch {
	case ev.State == StateConnected && !conv.attached:
		conv.mu.Unlock()
		if err := conv.subscribe(); err != nil {
			// Stay detached so the next Connected event retries.
			glog.Warningf("chatlink: resubscribe chat %d: %v", conv.chatID, err)
			return
		}
		conv.mu.Lock()
		conv.attached = true
		conv.mu.Unlock()
	case ev.State != StateConnected && conv.attached:
		conv.attached = false
		conv.mu.Unlock()
	default:
		conv.mu.Unlock()
	}
}

// ingest is the pipeline for one inbound frame body: decode, dedup by
// message id, insert in timestamp order, then fire the read receipt.
func (conv *Conversation) ingest(body []byte) {
	var msg ChatMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		glog.Errorf("chatlink: dropping undecodable message for chat %d: %v", conv.chatID, err)
		return
	}

	conv.mu.Lock()
	if _, dup := conv.seen[msg.ID]; dup {
		// Expected: the queue and the topic deliver the same message.
		conv.mu.Unlock()
		return
	}
	conv.seen[msg.ID] = struct{}{}
	conv.insertLocked(msg)
	fromOther := msg.SenderID != conv.localUserID
	conv.mu.Unlock()

	select {
	case conv.updates <- msg:
	default:
	}

	if fromOther && conv.marker != nil {
		// Fire-and-forget; a failed receipt never blocks ingestion.
		go func() {
			if err := conv.marker.MarkRead(context.Background(), conv.chatID); err != nil {
				glog.Errorf("chatlink: mark chat %d read: %v", conv.chatID, err)
			}
		}()
	}
}

// insertLocked places msg by ascending timestamp, after any message with
// an equal key so ties keep arrival order. Caller holds conv.mu.
func (conv *Conversation) insertLocked(msg ChatMessage) {
	key := timestampKey(msg.Timestamp)
	i := sort.Search(len(conv.messages), func(i int) bool {
		return timestampKey(conv.messages[i].Timestamp) > key
	})
	conv.messages = append(conv.messages, ChatMessage{})
	copy(conv.messages[i+1:], conv.messages[i:])
	conv.messages[i] = msg
}

// timestampKey converts an ISO-8601 timestamp to a sortable key.
// Unparseable timestamps sort earliest rather than failing the compare.
func timestampKey(ts string) int64 {
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t.UnixNano()
	}
	// Zoneless variant, as emitted for server-local datetimes.
	if t, err := time.Parse("2006-01-02T15:04:05.999999999", ts); err == nil {
		return t.UnixNano()
	}
	return 0
}
