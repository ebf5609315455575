package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fako1024/btshower"
)

// Message denotes a single MQTT message derived from a record event
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Record denotes the JSON payload of a shower record
type Record struct {
	Peripheral    string    `json:"peripheral"`
	ShowerID      uint32    `json:"shower_id"`
	AvgTemp       float64   `json:"avg_temp_c"`
	InitialTemp   float64   `json:"initial_temp_c"`
	DurationSec   uint16    `json:"duration_s"`
	WaterConsumed float64   `json:"water_l"`
	Timestamp     time.Time `json:"timestamp"`
}

// Value denotes the JSON payload of a live value
type Value struct {
	Peripheral string    `json:"peripheral"`
	Channel    string    `json:"channel"`
	Name       string    `json:"name,omitempty"`
	Unit       string    `json:"unit,omitempty"`
	Raw        uint32    `json:"raw"`
	Formatted  string    `json:"formatted"`
	Updated    time.Time `json:"updated"`
}

// NewMessage builds the message for a record event. Topics are
// <prefix>/<peripheral>/completed, <prefix>/<peripheral>/history and
// <prefix>/<peripheral>/values/<channel>
func NewMessage(prefix string, event btshower.RecordEvent, metadata *btshower.MetadataTable) (Message, error) {
	base := fmt.Sprintf("%s/%s", prefix, event.PeripheralID)

	var (
		msg  Message
		body interface{}
	)
	switch event.Kind {
	case btshower.KindCompleted, btshower.KindHistory:
		rec := event.Record
		body = Record{
			Peripheral:    event.PeripheralID,
			ShowerID:      rec.ShowerID,
			AvgTemp:       rec.AverageTemperature(),
			InitialTemp:   rec.InitialTemperature(),
			DurationSec:   rec.Duration,
			WaterConsumed: rec.Volume(),
			Timestamp:     rec.Time().UTC(),
		}
		if event.Kind == btshower.KindCompleted {
			msg.Topic = base + "/completed"
			msg.Retained = true
		} else {
			msg.Topic = base + "/history"
		}
	case btshower.KindValue:
		info, _ := metadata.Lookup(event.Value.Channel)
		body = Value{
			Peripheral: event.PeripheralID,
			Channel:    string(event.Value.Channel),
			Name:       info.Name,
			Unit:       info.Unit,
			Raw:        event.Value.Value,
			Formatted:  info.Format(event.Value.Value),
			Updated:    event.Value.Updated.UTC(),
		}
		msg.Topic = fmt.Sprintf("%s/values/%s", base, event.Value.Channel)
		msg.Retained = true
	default:
		return Message{}, fmt.Errorf("unsupported record kind %d", event.Kind)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal payload for %s: %w", msg.Topic, err)
	}
	msg.Payload = payload

	return msg, nil
}
