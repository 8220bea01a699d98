package consumer

import (
	"strings"
)

// Kind closed set of inbound message variants. Classification happens once,
// in Classify; handlers switch exhaustively on the result.
type Kind int

const (
	KindUnknown Kind = iota
	KindTelemetry
	KindReboot
	KindDeviceInfo
	KindTimeSync     // "ntp" topic type
	KindBroker       // "mqtt" topic type
	KindFileTransfer // "sftp" topic type
	KindProtocols
	KindPresence
	KindShadow // our own shadow mirror echoed back; always ignored
)

// PresenceKind transport-level session event type
type PresenceKind int

const (
	PresenceConnected PresenceKind = iota
	PresenceDisconnected
)

// Classified one inbound message after the parse-and-classify step
type Classified struct {
	Kind       Kind
	DeviceUUID string
	TopicType  string // raw topic-type segment, used as the shadow reported key
	Presence   PresenceKind
	Payload    []byte
}

// TopicConfig the topic families the router recognizes
type TopicConfig struct {
	Prefix       string // device topics: {prefix}/{device_uuid}/{type}
	ShadowRoot   string // shadow topics: {root}/things/{device_uuid}/shadow/update
	PresenceRoot string // presence topics: {root}/{connected|disconnected}/{identifier}
}

// Classify resolves a topic string and payload into exactly one variant.
// Unknown topic shapes and types come back as KindUnknown; the caller drops
// them without failing the connection.
func Classify(cfg *TopicConfig, topic string, payload []byte) Classified {
	if cfg.PresenceRoot != "" && strings.HasPrefix(topic, cfg.PresenceRoot+"/") {
		return classifyPresence(topic, payload)
	}

	if strings.HasSuffix(topic, "/shadow/update") {
		return classifyShadow(topic, payload)
	}

	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != cfg.Prefix {
		return Classified{Kind: KindUnknown, Payload: payload}
	}

	deviceUUID := parts[1]
	topicType := parts[2]

	c := Classified{
		DeviceUUID: deviceUUID,
		TopicType:  topicType,
		Payload:    payload,
	}

	switch topicType {
	case "telemetry":
		c.Kind = KindTelemetry
	case "reboot":
		c.Kind = KindReboot
	case "device_info":
		c.Kind = KindDeviceInfo
	case "ntp":
		c.Kind = KindTimeSync
	case "mqtt":
		c.Kind = KindBroker
	case "sftp":
		c.Kind = KindFileTransfer
	case "protocols":
		c.Kind = KindProtocols
	default:
		c.Kind = KindUnknown
	}

	return c
}

// classifyPresence parses a presence topic. The device identifier is the
// final segment, not the second; the event type is the segment before it.
func classifyPresence(topic string, payload []byte) Classified {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return Classified{Kind: KindUnknown, Payload: payload}
	}

	deviceUUID := parts[len(parts)-1]
	event := parts[len(parts)-2]

	c := Classified{
		Kind:       KindPresence,
		DeviceUUID: deviceUUID,
		TopicType:  event,
		Payload:    payload,
	}

	switch event {
	case "connected":
		c.Presence = PresenceConnected
	case "disconnected":
		c.Presence = PresenceDisconnected
	default:
		c.Kind = KindUnknown
	}

	return c
}

// classifyShadow parses {root}/things/{device_uuid}/shadow/update
func classifyShadow(topic string, payload []byte) Classified {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return Classified{Kind: KindUnknown, Payload: payload}
	}

	return Classified{
		Kind:       KindShadow,
		DeviceUUID: parts[len(parts)-3],
		TopicType:  "shadow",
		Payload:    payload,
	}
}
