package mqtt

import (
	"fmt"
)

// maxPayloadSize guards against resource exhaustion; brokers commonly cap at 1MB too.
const maxPayloadSize = 1 << 20

// Publish sends payload on topic and waits for the broker acknowledgement
// required by qos.
//
// It fails fast with ErrNotConnected while the link is down rather than
// queueing inside paho, so callers learn about the outage immediately.
//
//	err := client.Publish(client.Topics().Command("node_7"), []byte(`{"led":1}`), 2, false)
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: %w after %v", ErrPublishFailed, ErrTimeout, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	return nil
}
