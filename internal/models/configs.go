package models

import "time"

// BrokerConfig per-device MQTT broker configuration ("mqtt" subsystem).
// DataInterval is the cadence, in seconds, consumed by the scheduler.
type BrokerConfig struct {
	DeviceUUID   string `json:"device_uuid"`
	BrokerIP     string `json:"broker_ip"`
	BrokerPort   int    `json:"broker_port"`
	BrokerUser   string `json:"broker_user"`
	BrokerPass   string `json:"broker_pass"`
	DataInterval int    `json:"data_interval"`
	MQTTTopic    string `json:"mqtt_topic"`
}

// TimeSyncConfig per-device NTP configuration ("ntp" subsystem)
type TimeSyncConfig struct {
	DeviceUUID string            `json:"device_uuid"`
	Data       map[string]string `json:"data"`
}

// FileTransferConfig per-device SFTP configuration ("sftp" subsystem)
type FileTransferConfig struct {
	DeviceUUID   string `json:"device_uuid"`
	ServerIP     string `json:"server_ip"`
	ServerPort   int    `json:"server_port"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	DataInterval int    `json:"data_interval"`
}

// ReportedConfig the last configuration a device acknowledged for one
// subsystem, kept verbatim as the device sent it
type ReportedConfig struct {
	DeviceUUID string    `json:"device_uuid"`
	Subsystem  string    `json:"subsystem"` // "ntp" | "mqtt" | "sftp"
	Reported   []byte    `json:"reported"`  // raw JSON as acknowledged
	ReportedAt time.Time `json:"reported_at"`
}
