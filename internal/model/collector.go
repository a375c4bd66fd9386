package model

// CollectorInfo describes a host collector for the API.
type CollectorInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Enabled     bool     `json:"enabled"`
	Metrics     []string `json:"metrics"`
}
