// Package messaging provides the NATS bridge between realtime server
// instances. A chat broadcast or admin emit on one instance is republished so
// peers can deliver it to their own local room members; events carry an
// origin tag so an instance never re-delivers its own publications.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects used by the realtime layer.
const (
	SubjectChatPrefix  = "chat."        // + <appointment_id>
	SubjectChatAll     = "chat.>"       // wildcard subscription
	SubjectAdminEvents = "admin.events" // shared admin broadcast feed
)

// PeerEvent is the envelope republished over NATS: the already-encoded wire
// frame plus the name of the server instance that produced it.
type PeerEvent struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// Client wraps the NATS connection with helpers for the chat and admin
// subjects.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs []*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "medibook-realtime",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{conn: nc}, nil
}

// PublishChatEvent republishes a chat room frame to peers under
// chat.<appointmentID>.
func (c *Client) PublishChatEvent(appointmentID string, ev PeerEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats marshal chat event: %w", err)
	}
	return c.conn.Publish(SubjectChatPrefix+appointmentID, data)
}

// SubscribeChatEvents subscribes to every chat.<appointment_id> subject and
// invokes the handler with the appointment id extracted from the subject.
func (c *Client) SubscribeChatEvents(handler func(appointmentID string, ev PeerEvent)) error {
	sub, err := c.conn.Subscribe(SubjectChatAll, func(msg *nats.Msg) {
		var ev PeerEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[nats] bad chat event on %s: %v", msg.Subject, err)
			return
		}
		handler(strings.TrimPrefix(msg.Subject, SubjectChatPrefix), ev)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectChatAll, err)
	}

	c.track(sub)
	return nil
}

// PublishAdminEvent republishes an encoded admin event frame to peers.
func (c *Client) PublishAdminEvent(ev PeerEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats marshal admin event: %w", err)
	}
	return c.conn.Publish(SubjectAdminEvents, data)
}

// SubscribeAdminEvents subscribes to the shared admin event feed.
func (c *Client) SubscribeAdminEvents(handler func(ev PeerEvent)) error {
	sub, err := c.conn.Subscribe(SubjectAdminEvents, func(msg *nats.Msg) {
		var ev PeerEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[nats] bad admin event: %v", err)
			return
		}
		handler(ev)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectAdminEvents, err)
	}

	c.track(sub)
	return nil
}

func (c *Client) track(sub *nats.Subscription) {
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", sub.Subject, err)
		}
	}
	c.subs = nil

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
