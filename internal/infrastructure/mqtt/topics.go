package mqtt

import (
	"strings"

	"github.com/nerrad567/iotlab-core/internal/infrastructure/config"
)

// Topics builds the service's topic names from configuration.
//
//	topics := mqtt.NewTopics(cfg.MQTT.Topics)
//	topics.Command("node_7")     // "iot/command/node_7"
//	topics.ResponseWildcard()    // "iot/command-response/#"
type Topics struct {
	telemetry      string
	commandPrefix  string
	responsePrefix string
	status         string
}

// NewTopics trims trailing separators so prefixes join cleanly.
func NewTopics(cfg config.MQTTTopicsConfig) Topics {
	return Topics{
		telemetry:      strings.TrimSuffix(cfg.Telemetry, "/"),
		commandPrefix:  strings.TrimSuffix(cfg.CommandPrefix, "/"),
		responsePrefix: strings.TrimSuffix(cfg.ResponsePrefix, "/"),
		status:         strings.TrimSuffix(cfg.Status, "/"),
	}
}

// Telemetry is the inbound telemetry topic, e.g. "iot/data".
func (t Topics) Telemetry() string {
	return t.telemetry
}

// Command is the outbound command topic for one device.
func (t Topics) Command(externalID string) string {
	return t.commandPrefix + "/" + externalID
}

// Response is the topic a device answers a command on.
func (t Topics) Response(externalID string) string {
	return t.responsePrefix + "/" + externalID
}

// ResponseWildcard matches every device's command responses.
func (t Topics) ResponseWildcard() string {
	return t.responsePrefix + "/#"
}

// Status is the retained online/offline topic for this service.
func (t Topics) Status() string {
	if t.status == "" {
		return "iot/service/status"
	}
	return t.status
}
