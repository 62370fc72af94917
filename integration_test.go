package chatlink

import (
	"context"
	"testing"
	"time"
)

// Full flow: connect, open a chat, receive on both channels, publish,
// survive a drop, keep receiving.
func TestChatFlow(t *testing.T) {
	broker := newMockBroker(t)
	creds := NewTokenCredentials(signedToken(t, "alice", 1))
	marker := &recordingMarker{}

	client, err := NewClient(broker.url(), creds, fastConfig())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer client.Disconnect()
	unbind := creds.OnRefresh(client.OnTokenRefreshed)
	defer unbind()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	conv, err := client.OpenConversation(7, marker)
	if err != nil {
		t.Fatalf("Failed to open conversation: %v", err)
	}
	defer conv.Close()

	// Both inbound channels are opened with the exact broker naming
	if !waitUntil(t, time.Second, func() bool { return len(broker.framesOf(cmdSubscribe)) == 2 }) {
		t.Fatalf("Expected two SUBSCRIBE frames, got %d", len(broker.framesOf(cmdSubscribe)))
	}
	subIDs := map[string]string{}
	for _, f := range broker.framesOf(cmdSubscribe) {
		subIDs[f.header(hdrDestination)] = f.header(hdrID)
	}
	queueID, ok := subIDs["/user/alice/queue/chat/7/messages"]
	if !ok {
		t.Fatalf("Missing per-user queue subscription, got %v", subIDs)
	}
	topicID, ok := subIDs["/topic/chat/7/messages"]
	if !ok {
		t.Fatalf("Missing broadcast topic subscription, got %v", subIDs)
	}

	// The same message arrives on both channels; one entry survives
	deliver := func(subID string, msg ChatMessage) {
		f := newFrame(cmdMessage)
		f.headers[hdrSubscription] = subID
		f.headers[hdrDestination] = "/topic/chat/7/messages"
		f.body = encodeMessage(t, msg)
		broker.push(f)
	}
	bobMsg := ChatMessage{ID: 42, ChatID: 7, SenderID: 2, Content: "hey", Timestamp: "2026-03-01T10:00:00Z"}
	deliver(queueID, bobMsg)
	deliver(topicID, bobMsg)

	if !waitUntil(t, time.Second, func() bool { return len(conv.Messages()) == 1 }) {
		t.Fatalf("Expected one deduplicated message, got %d", len(conv.Messages()))
	}
	time.Sleep(50 * time.Millisecond)
	if len(conv.Messages()) != 1 {
		t.Fatalf("Duplicate slipped through, got %d messages", len(conv.Messages()))
	}

	// A message from another user triggers the read receipt
	if !waitUntil(t, time.Second, func() bool { return marker.count() >= 1 }) {
		t.Fatal("Expected a mark-read call")
	}

	// Outbound publish lands on the per-chat application destination
	if err := client.Send(7, "hello bob"); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	if !waitUntil(t, time.Second, func() bool { return len(broker.framesOf(cmdSend)) == 1 }) {
		t.Fatal("Expected the SEND frame at the broker")
	}
	if got := broker.framesOf(cmdSend)[0].header(hdrDestination); got != "/app/chat/7/sendMessage" {
		t.Errorf("Unexpected publish destination %s", got)
	}

	// Kill the transport: the client reconnects and the conversation
	// re-subscribes both channels on the fresh session
	broker.mu.Lock()
	conn := broker.conn
	broker.mu.Unlock()
	conn.Close()

	if !waitUntil(t, 2*time.Second, func() bool {
		return broker.upgradeCount() == 2 && client.State() == StateConnected
	}) {
		t.Fatalf("Expected a reconnect, upgrades=%d state=%s", broker.upgradeCount(), client.State())
	}
	if !waitUntil(t, 2*time.Second, func() bool { return len(broker.framesOf(cmdSubscribe)) == 4 }) {
		t.Fatalf("Expected re-subscription, got %d SUBSCRIBE frames", len(broker.framesOf(cmdSubscribe)))
	}

	// Delivery keeps working after the reconnect
	var newTopicID string
	for _, f := range broker.framesOf(cmdSubscribe)[2:] {
		if f.header(hdrDestination) == "/topic/chat/7/messages" {
			newTopicID = f.header(hdrID)
		}
	}
	if newTopicID == "" {
		t.Fatal("Missing topic subscription on the new session")
	}
	deliver(newTopicID, ChatMessage{ID: 43, ChatID: 7, SenderID: 2, Content: "still here?", Timestamp: "2026-03-01T10:01:00Z"})

	if !waitUntil(t, time.Second, func() bool { return len(conv.Messages()) == 2 }) {
		t.Fatalf("Expected delivery after reconnect, got %d messages", len(conv.Messages()))
	}
	messages := conv.Messages()
	if messages[0].ID != 42 || messages[1].ID != 43 {
		t.Errorf("Unexpected order: %d, %d", messages[0].ID, messages[1].ID)
	}
}

func TestOpenConversationRequiresLiveSession(t *testing.T) {
	broker := newMockBroker(t)
	client := newTestClient(t, broker, "t", fastConfig())

	if _, err := client.OpenConversation(7, nil); err == nil {
		t.Error("Expected an error without a live session")
	}
}
