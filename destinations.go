package chatlink

import "fmt"

// Destination naming follows the broker's conventions exactly. Each chat
// is served on two inbound channels: a per-recipient private queue and a
// shared broadcast topic. Outbound messages go to the application prefix.

func userQueueDestination(username string, chatID int64) string {
	return fmt.Sprintf("/user/%s/queue/chat/%d/messages", username, chatID)
}

func topicDestination(chatID int64) string {
	return fmt.Sprintf("/topic/chat/%d/messages", chatID)
}

func sendDestination(chatID int64) string {
	return fmt.Sprintf("/app/chat/%d/sendMessage", chatID)
}
