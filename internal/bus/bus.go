package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// Handler receives one bus message. Handlers must not block; ingestion runs
// on the paho callback goroutine.
type Handler func(topic string, payload []byte)

// Client wraps the MQTT connection to the sensor firmware bridge. It owns
// reconnection and replays subscriptions after a broker outage.
type Client struct {
	client mqtt.Client

	mu   sync.Mutex
	subs map[string]Handler
}

func NewClient(broker, clientID string) (*Client, error) {
	c := &Client{subs: make(map[string]Handler)}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn().Err(err).Msg("Lost connection to MQTT broker")
			go c.reconnect()
		})

	c.client = mqtt.NewClient(opts)
	if err := c.connectWithBackoff(); err != nil {
		return nil, fmt.Errorf("connect to broker %s: %w", broker, err)
	}
	log.Info().Str("broker", broker).Str("client_id", clientID).Msg("Connected to MQTT broker")
	return c, nil
}

func (c *Client) connectWithBackoff() error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 60 * time.Second
	policy.MaxElapsedTime = 0 // retry until told otherwise

	return backoff.Retry(func() error {
		token := c.client.Connect()
		token.Wait()
		if err := token.Error(); err != nil {
			log.Warn().Err(err).Msg("Broker connect failed, retrying")
			return err
		}
		return nil
	}, policy)
}

func (c *Client) reconnect() {
	if err := c.connectWithBackoff(); err != nil {
		log.Error().Err(err).Msg("Reconnect to broker failed")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, handler := range c.subs {
		if err := c.subscribe(topic, handler); err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("Failed to resubscribe after reconnect")
		}
	}
	log.Info().Int("topics", len(c.subs)).Msg("Reconnected to broker and resubscribed")
}

func (c *Client) Subscribe(topic string, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.subscribe(topic, handler); err != nil {
		return err
	}
	c.subs[topic] = handler
	log.Info().Str("topic", topic).Msg("Subscribed to topic")
	return nil
}

func (c *Client) subscribe(topic string, handler Handler) error {
	token := c.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (c *Client) Publish(topic, payload string) error {
	token := c.client.Publish(topic, 0, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (c *Client) Close() {
	c.client.Disconnect(250)
	log.Info().Msg("Disconnected from MQTT broker")
}
