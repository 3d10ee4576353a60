package api

import "time"

type HealthResponse struct {
	SchemaVersion string    `json:"schemaVersion"`
	GeneratedAt   time.Time `json:"generatedAt"`
	Status        string    `json:"status"`
	TmuxSession   string    `json:"tmuxSession"`
	APIPort       int       `json:"apiPort"`
	TTYDRunning   bool      `json:"ttydRunning"`
	Version       string    `json:"version"`
}
