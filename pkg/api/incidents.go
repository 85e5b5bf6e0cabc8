package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/Mindburn-Labs/dataport/pkg/cache"
	"github.com/Mindburn-Labs/dataport/pkg/records"
)

// IncidentQuery filters the incident list. Zero fields are omitted.
type IncidentQuery struct {
	Status   string
	Severity string
	Q        string
	DateFrom string
	DateTo   string
	Page     int
	PageSize int
}

// IncidentQueryFromParams is the inverse of Params.
func IncidentQueryFromParams(p map[string]string) IncidentQuery {
	q := IncidentQuery{
		Status:   p["status"],
		Severity: p["severity"],
		Q:        p[cache.ParamQuery],
		DateFrom: p[cache.ParamDateFrom],
		DateTo:   p[cache.ParamDateTo],
	}
	q.Page, _ = strconv.Atoi(p[cache.ParamPage])
	q.PageSize, _ = strconv.Atoi(p[cache.ParamPageSize])
	return q
}

// Params returns the query as view parameters, suitable for cache.NewKey.
func (q IncidentQuery) Params() map[string]string {
	p := map[string]string{
		"status":            q.Status,
		"severity":          q.Severity,
		cache.ParamQuery:    q.Q,
		cache.ParamDateFrom: q.DateFrom,
		cache.ParamDateTo:   q.DateTo,
	}
	if q.Page > 0 {
		p[cache.ParamPage] = strconv.Itoa(q.Page)
	}
	if q.PageSize > 0 {
		p[cache.ParamPageSize] = strconv.Itoa(q.PageSize)
	}
	for k, v := range p {
		if v == "" {
			delete(p, k)
		}
	}
	return p
}

func (q IncidentQuery) values() url.Values {
	v := url.Values{}
	for k, s := range q.Params() {
		v.Set(k, s)
	}
	return v
}

// ListIncidents calls GET /incidents.
func (c *Client) ListIncidents(ctx context.Context, q IncidentQuery) (cache.Page[records.Incident], error) {
	var out cache.Page[records.Incident]
	err := c.do(ctx, incidentsService, http.MethodGet, "", q.values(), nil, records.SchemaIncidentPage, &out)
	return out, err
}

// GetIncident calls GET /incidents/{id}.
func (c *Client) GetIncident(ctx context.Context, id string) (records.Incident, error) {
	var out records.Incident
	err := c.do(ctx, incidentsService, http.MethodGet, "/"+url.PathEscape(id), nil, nil, records.SchemaIncident, &out)
	return out, err
}

// ListNotifications calls GET /incidents/{id}/notifications.
func (c *Client) ListNotifications(ctx context.Context, incidentID string) ([]records.Notification, error) {
	var out []records.Notification
	err := c.do(ctx, incidentsService, http.MethodGet, "/"+url.PathEscape(incidentID)+"/notifications", nil, nil, records.SchemaNotifications, &out)
	return out, err
}

type notifyRequest struct {
	Authority string          `json:"authority"`
	Channel   records.Channel `json:"channel"`
}

// NotifyAuthority calls POST /incidents/{id}/notify.
func (c *Client) NotifyAuthority(ctx context.Context, incidentID, authority string, channel records.Channel) (records.Notification, error) {
	var out records.Notification
	body := notifyRequest{Authority: authority, Channel: channel}
	err := c.do(ctx, incidentsService, http.MethodPost, "/"+url.PathEscape(incidentID)+"/notify", nil, body, records.SchemaNotification, &out)
	return out, err
}

// RetryNotification calls POST /incidents/notifications/{id}/retry.
func (c *Client) RetryNotification(ctx context.Context, notifID string) (records.Notification, error) {
	var out records.Notification
	err := c.do(ctx, incidentsService, http.MethodPost, "/notifications/"+url.PathEscape(notifID)+"/retry", nil, nil, records.SchemaNotification, &out)
	return out, err
}
