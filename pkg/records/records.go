// Package records defines the incident and compliance records carried by
// the push streams and the REST API, their JSON Schemas and the topic
// catalog.
package records

import "time"

// Severity of an incident.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IncidentStatus is the processing status of an incident.
type IncidentStatus string

const (
	IncidentNew        IncidentStatus = "new"
	IncidentProcessing IncidentStatus = "processing"
	IncidentResolved   IncidentStatus = "resolved"
	IncidentFailed     IncidentStatus = "failed"
)

// Incident is a reported AI-system incident.
type Incident struct {
	IncidentID string         `json:"incidentId"`
	Source     string         `json:"source"`
	Type       string         `json:"type"`
	Severity   Severity       `json:"severity"`
	Payload    map[string]any `json:"payload"`
	Timestamp  time.Time      `json:"timestamp"`
	Status     IncidentStatus `json:"status"`
}

// RecordID implements cache.Record.
func (i Incident) RecordID() string { return i.IncidentID }

// Channel is a notification delivery channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Notification is a notice sent to an authority about an incident.
type Notification struct {
	NotifID    string     `json:"notifId"`
	IncidentID string     `json:"incidentId"`
	Authority  string     `json:"authority"`
	Channel    Channel    `json:"channel"`
	Recipient  string     `json:"recipient"`
	QueuedAt   time.Time  `json:"queuedAt"`
	SentAt     *time.Time `json:"sentAt"`
	Status     string     `json:"status"`
	Response   *string    `json:"response"`
}

// RecordID implements cache.Record.
func (n Notification) RecordID() string { return n.NotifID }

// OverallStatus is the traffic-light compliance status.
type OverallStatus string

const (
	StatusVerde    OverallStatus = "Verde"
	StatusAmarillo OverallStatus = "Amarillo"
	StatusRojo     OverallStatus = "Rojo"
)

// ComplianceState is a computed compliance snapshot. Details maps module
// names to scores in [0, 1].
type ComplianceState struct {
	StateID       string             `json:"state_id"`
	Date          string             `json:"date"`
	OverallStatus OverallStatus      `json:"overall_status"`
	Details       map[string]float64 `json:"details_json"`
}

// RecordID implements cache.Record.
func (s ComplianceState) RecordID() string { return s.StateID }

// TaskStatus is the completion status of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
)

// Task is a remediation task.
type Task struct {
	TaskID      string     `json:"task_id"`
	Module      string     `json:"module"`
	Description string     `json:"description"`
	AssignedTo  string     `json:"assigned_to"`
	DueDate     string     `json:"due_date"`
	Status      TaskStatus `json:"status"`
}

// RecordID implements cache.Record.
func (t Task) RecordID() string { return t.TaskID }

// Metric is a per-module compliance metric with a value in [0, 1].
type Metric struct {
	MetricID   string    `json:"metric_id"`
	Module     string    `json:"module"`
	MetricName string    `json:"metric_name"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
}

// RecordID implements cache.Record.
func (m Metric) RecordID() string { return m.MetricID }
