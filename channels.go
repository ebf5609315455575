package btshower

import (
	_ "embed"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fako1024/gatt"
	"gopkg.in/yaml.v3"
)

//go:embed channels.yaml
var defaultChannels []byte

// ChannelID denotes a channel (characteristic) identifier in canonical form
// (lower case hex, no dashes), as rendered by gatt.UUID
type ChannelID string

// Well-known channels of the shower monitor
var (

	// ChannelTimeSync receives the current time as 4 byte little-endian Unix seconds
	ChannelTimeSync = MustParseChannelID("e6221504-e12f-40f2-b0f5-aaa011c0aa8d")

	// ChannelDumpHistory triggers a history dump when written to
	ChannelDumpHistory = MustParseChannelID("e6221601-e12f-40f2-b0f5-aaa011c0aa8d")

	// ChannelShowerRecord notifies one history record per stored shower
	ChannelShowerRecord = MustParseChannelID("e6221603-e12f-40f2-b0f5-aaa011c0aa8d")

	// ChannelCompletedShower notifies the record of a just completed shower
	ChannelCompletedShower = MustParseChannelID("e622140a-e12f-40f2-b0f5-aaa011c0aa8d")

	// ChannelDeviceTime notifies the device clock in Unix seconds
	ChannelDeviceTime = MustParseChannelID("e6221407-e12f-40f2-b0f5-aaa011c0aa8d")
)

// DumpHistoryTrigger is the value written to ChannelDumpHistory
const DumpHistoryTrigger = '1'

// ParseChannelID parses a UUID (with or without dashes) into a ChannelID
func ParseChannelID(s string) (ChannelID, error) {
	u, err := gatt.ParseUUID(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid channel identifier `%s`: %w", s, err)
	}
	return ChannelID(u.String()), nil
}

// MustParseChannelID parses a ChannelID and panics on failure
func MustParseChannelID(s string) ChannelID {
	id, err := ParseChannelID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// UUID returns the channel identifier as gatt.UUID
func (c ChannelID) UUID() gatt.UUID {
	return gatt.MustParseUUID(string(c))
}

// Units used in the metadata table
const (
	UnitNone    = "none"
	UnitCelsius = "Celsius"
	UnitSeconds = "sec"
	UnitUnix    = "unix"
)

// ChannelInfo denotes the static metadata of a channel
type ChannelInfo struct {
	ID    ChannelID
	Name  string
	Width int
	Unit  string
}

// Format renders a raw live value according to the unit of the channel
func (c ChannelInfo) Format(value uint32) string {
	switch c.Unit {
	case UnitCelsius, "Celcius":
		return fmt.Sprintf("%.2f°C", float64(value)/100.)
	case UnitSeconds:
		return (time.Duration(value) * time.Second).String()
	case UnitUnix:
		return time.Unix(int64(value), 0).UTC().Format(time.RFC3339)
	case UnitNone, "":
		return fmt.Sprintf("%d", value)
	default:
		return fmt.Sprintf("%d %s", value, c.Unit)
	}
}

// DefaultWidth is used to decode live values of channels missing from the table
const DefaultWidth = 4

// MetadataTable denotes a read-only lookup of channel metadata
type MetadataTable struct {
	channels map[ChannelID]ChannelInfo
	order    []ChannelID
}

type metadataFile struct {
	Channels []struct {
		ID    string `yaml:"id"`
		Name  string `yaml:"name"`
		Bytes int    `yaml:"bytes"`
		Unit  string `yaml:"unit"`
	} `yaml:"channels"`
}

// LoadMetadataTable reads and validates a channel metadata table in YAML format
func LoadMetadataTable(r io.Reader) (*MetadataTable, error) {
	var file metadataFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode channel metadata: %w", err)
	}

	t := &MetadataTable{
		channels: make(map[ChannelID]ChannelInfo, len(file.Channels)),
	}
	for i, c := range file.Channels {
		id, err := ParseChannelID(c.ID)
		if err != nil {
			return nil, fmt.Errorf("channel #%d: %w", i, err)
		}
		if _, exists := t.channels[id]; exists {
			return nil, fmt.Errorf("channel #%d: duplicate identifier `%s`", i, c.ID)
		}
		if strings.TrimSpace(c.Name) == "" {
			return nil, fmt.Errorf("channel #%d (`%s`): missing name", i, c.ID)
		}
		switch c.Bytes {
		case 1, 2, 4, HistoryRecordLen:
		default:
			return nil, fmt.Errorf("channel #%d (`%s`): unsupported byte width %d", i, c.ID, c.Bytes)
		}
		unit := c.Unit
		if unit == "" {
			unit = UnitNone
		}

		t.channels[id] = ChannelInfo{
			ID:    id,
			Name:  c.Name,
			Width: c.Bytes,
			Unit:  unit,
		}
		t.order = append(t.order, id)
	}

	return t, nil
}

// DefaultMetadataTable returns the built-in channel metadata table
func DefaultMetadataTable() *MetadataTable {
	t, err := LoadMetadataTable(strings.NewReader(string(defaultChannels)))
	if err != nil {
		panic(fmt.Sprintf("invalid built-in channel metadata: %s", err))
	}
	return t
}

// Lookup returns the metadata for a channel, if known
func (t *MetadataTable) Lookup(id ChannelID) (ChannelInfo, bool) {
	if t == nil {
		return ChannelInfo{}, false
	}
	info, ok := t.channels[id]
	return info, ok
}

// Width returns the byte width of a live value channel, falling back to DefaultWidth
func (t *MetadataTable) Width(id ChannelID) int {
	if info, ok := t.Lookup(id); ok {
		return info.Width
	}
	return DefaultWidth
}

// Channels returns all entries in the order they were defined
func (t *MetadataTable) Channels() []ChannelInfo {
	if t == nil {
		return nil
	}
	res := make([]ChannelInfo, 0, len(t.order))
	for _, id := range t.order {
		res = append(res, t.channels[id])
	}
	return res
}
