package models

import "time"

// Device one physical metering device, keyed by device_uuid
type Device struct {
	DeviceUUID string     `json:"device_uuid"`
	DeviceIMEI *string    `json:"device_imei,omitempty"`
	DeviceIP   *string    `json:"device_ip,omitempty"`
	MQTTStatus bool       `json:"mqtt_status"`
	SFTPStatus bool       `json:"sftp_status"`
	Connected  bool       `json:"connected"`
	LastSeen   *time.Time `json:"last_seen,omitempty"`
}

// RebootEvent one acknowledged reboot, kept in a bounded per-device history
type RebootEvent struct {
	DeviceUUID string    `json:"device_uuid"`
	Timestamp  time.Time `json:"timestamp"`
	Status     string    `json:"status"`
	Response   string    `json:"response"`
}

// Dashboard minimal dashboard document; a default one is created the first
// time a device reports in
type Dashboard struct {
	ID          int64  `json:"id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Owner       string `json:"owner"`
	DeviceUUID  string `json:"device_uuid"`
}
