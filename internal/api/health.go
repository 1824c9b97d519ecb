package api

import "time"

type HealthResponse struct {
	SchemaVersion  string         `json:"schema_version"`
	GeneratedAt    time.Time      `json:"generated_at"`
	Status         string         `json:"status"`
	Posts          int            `json:"posts"`
	ActiveChannels map[string]int `json:"active_channels,omitempty"`
}
