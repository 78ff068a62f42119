package models

import "time"

// TelegramConfig holds Telegram audit forwarding configuration.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// AuditKind identifies what an audit event records.
type AuditKind string

// Audit event kinds.
const (
	AuditWakeSent       AuditKind = "wake_sent"
	AuditWakeFailed     AuditKind = "wake_failed"
	AuditDeviceRunning  AuditKind = "device_running"
	AuditDeviceOffline  AuditKind = "device_offline"
	AuditShutdownSent   AuditKind = "shutdown_sent"
	AuditShutdownFailed AuditKind = "shutdown_failed"
)

// AuditEvent is a user- or state-driven event worth an audit line.
type AuditEvent struct {
	Kind       AuditKind
	DeviceName string
	MACAddress string
	UserID     string // empty for state changes observed by the reconciler
	Time       time.Time
	Detail     string
}

// TelegramResult holds the result of a Telegram notification.
type TelegramResult struct {
	MessageSent bool
	Error       error
}
