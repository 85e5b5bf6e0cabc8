package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/Mindburn-Labs/dataport/pkg/records"
)

// MetricInput is the body of RecordMetric.
type MetricInput struct {
	Module     string  `json:"module"`
	MetricName string  `json:"metric_name"`
	Value      float64 `json:"value"`
}

// TaskInput is the body of UpsertTask. An empty TaskID creates a task.
type TaskInput struct {
	TaskID      string             `json:"task_id,omitempty"`
	Module      string             `json:"module"`
	Description string             `json:"description"`
	AssignedTo  string             `json:"assigned_to"`
	DueDate     string             `json:"due_date"`
	Status      records.TaskStatus `json:"status,omitempty"`
}

// ComplianceMetrics calls GET /compliance/metrics.
func (c *Client) ComplianceMetrics(ctx context.Context) ([]records.Metric, error) {
	var out []records.Metric
	err := c.do(ctx, complianceService, http.MethodGet, "/metrics", nil, nil, records.SchemaMetrics, &out)
	return out, err
}

// RecordMetric calls POST /compliance/metrics.
func (c *Client) RecordMetric(ctx context.Context, in MetricInput) (records.Metric, error) {
	var out records.Metric
	err := c.do(ctx, complianceService, http.MethodPost, "/metrics", nil, in, records.SchemaMetric, &out)
	return out, err
}

// LatestComplianceState calls GET /compliance/state/latest.
func (c *Client) LatestComplianceState(ctx context.Context) (records.ComplianceState, error) {
	var out records.ComplianceState
	err := c.do(ctx, complianceService, http.MethodGet, "/state/latest", nil, nil, records.SchemaComplianceState, &out)
	return out, err
}

// ComputeComplianceState calls POST /compliance/state/compute.
func (c *Client) ComputeComplianceState(ctx context.Context) (records.ComplianceState, error) {
	var out records.ComplianceState
	err := c.do(ctx, complianceService, http.MethodPost, "/state/compute", nil, nil, records.SchemaComplianceState, &out)
	return out, err
}

// ListTasks calls GET /compliance/tasks.
func (c *Client) ListTasks(ctx context.Context) ([]records.Task, error) {
	var out []records.Task
	err := c.do(ctx, complianceService, http.MethodGet, "/tasks", nil, nil, records.SchemaTasks, &out)
	return out, err
}

// UpsertTask calls POST /compliance/tasks.
func (c *Client) UpsertTask(ctx context.Context, in TaskInput) (records.Task, error) {
	var out records.Task
	err := c.do(ctx, complianceService, http.MethodPost, "/tasks", nil, in, records.SchemaTask, &out)
	return out, err
}

// CompleteTask calls PATCH /compliance/tasks/{id}/complete.
func (c *Client) CompleteTask(ctx context.Context, taskID string) (records.Task, error) {
	var out records.Task
	err := c.do(ctx, complianceService, http.MethodPatch, "/tasks/"+url.PathEscape(taskID)+"/complete", nil, nil, records.SchemaTask, &out)
	return out, err
}
