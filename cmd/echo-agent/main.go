// ABOUTME: Minimal echo agent for E2E testing — connects over websocket, echoes direct messages.
// ABOUTME: Usage: echo-agent [-url ws://localhost:8420/ws] [-id echo-agent] [-token TOKEN]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/2389/coven-relay/internal/broker"
	"github.com/2389/coven-relay/internal/reconnect"
)

func main() {
	url := flag.String("url", "ws://localhost:8420/ws", "relay websocket URL")
	agentID := flag.String("id", "echo-agent", "agent ID")
	token := flag.String("token", os.Getenv("RELAY_TOKEN"), "connection token (or RELAY_TOKEN env var)")
	flag.Parse()

	if *token == "" {
		log.Fatal("a token is required: pass -token or set RELAY_TOKEN")
	}

	if err := run(*url, *agentID, *token); err != nil {
		log.Fatal(err)
	}
}

func run(url, agentID, token string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	transport := &reconnect.WebsocketTransport{URL: url}
	c := reconnect.NewController(transport, agentID, token, reconnect.Options{}, nil)
	defer c.Disconnect()

	c.OnStateChange(func(s reconnect.State) {
		fmt.Fprintf(os.Stderr, "connection state: %s\n", s)
	})

	c.OnEnvelope(func(env *reconnect.Envelope) {
		if env.Type != reconnect.TypeMessage {
			return
		}
		var msg broker.AgentMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			log.Printf("malformed message payload: %v", err)
			return
		}

		log.Printf("received message [%s] from %s: %s", msg.ID, msg.From, msg.Content)

		reply, err := reconnect.NewEnvelope(reconnect.TypeMessage, map[string]string{
			"to":      msg.From,
			"content": "Echo: " + msg.Content,
		})
		if err != nil {
			log.Printf("encode reply: %v", err)
			return
		}
		if err := c.Send(reply); err != nil {
			log.Printf("send reply: %v", err)
		}
	})

	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to relay: %w", err)
	}

	<-ctx.Done()
	return nil
}
