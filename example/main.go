package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/eventhive/chatlink"
)

func main() {
	config, err := chatlink.ConfigFromEnv()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	// One credential source and one client per process; every screen
	// shares them.
	creds := chatlink.NewTokenCredentials(os.Getenv("CHATLINK_TOKEN"))
	client, err := chatlink.NewClient("wss://chat.example.com/ws", creds, config)
	if err != nil {
		log.Fatal("Failed to create client:", err)
	}
	defer client.Disconnect()

	// Token rotations cycle the session with the fresh credential
	unbind := creds.OnRefresh(client.OnTokenRefreshed)
	defer unbind()

	unsubscribe := client.OnConnectionChange(func(ev chatlink.ConnEvent) {
		if ev.Terminal {
			fmt.Println("connection lost, please retry")
			return
		}
		fmt.Println("connection state:", ev.State)
	})
	defer unsubscribe()

	if err := client.Connect(context.Background()); err != nil {
		log.Fatal("Failed to connect:", err)
	}

	api := chatlink.NewChatAPI("https://chat.example.com", creds)
	chat, err := api.FindOrCreateChat(context.Background(), 3)
	if err != nil {
		log.Fatal("Failed to look up chat:", err)
	}

	conv, err := client.OpenConversation(chat.ID, api)
	if err != nil {
		log.Fatal("Failed to open conversation:", err)
	}
	defer conv.Close()

	if err := client.Send(chat.ID, "hello from chatlink"); err != nil {
		log.Fatal("Failed to send:", err)
	}

	go func() {
		for msg := range conv.Updates() {
			fmt.Printf("[%s] user %d: %s\n", msg.Timestamp, msg.SenderID, msg.Content)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop
}
