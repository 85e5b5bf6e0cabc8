package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/Mindburn-Labs/dataport/pkg/config"
)

type topicRow struct {
	Name     string     `json:"name"`
	Endpoint string     `json:"endpoint"`
	PageSize int        `json:"page_size"`
	Events   []eventRow `json:"events"`
}

type eventRow struct {
	Name     string `json:"name"`
	Schema   string `json:"schema"`
	Resource string `json:"resource,omitempty"`
}

// runTopicsCmd implements `dataport topics`.
func runTopicsCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("topics", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	topics, profile, err := loadTopics(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	rows := make([]topicRow, 0, len(topics))
	for _, t := range topics {
		ep, err := t.Endpoint(cfg.APIBaseURL)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		row := topicRow{Name: t.Name, Endpoint: ep, PageSize: profile.PageSize(t.Name, cfg.PageSize)}
		for _, e := range t.Events {
			row.Events = append(row.Events, eventRow{Name: e.Name, Schema: e.Schema, Resource: e.Resource})
		}
		rows = append(rows, row)
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rows); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TOPIC\tENDPOINT\tEVENT\tSCHEMA\tRESOURCE")
	for _, r := range rows {
		for _, e := range r.Events {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Name, r.Endpoint, e.Name, e.Schema, e.Resource)
		}
	}
	_ = tw.Flush()
	return 0
}
