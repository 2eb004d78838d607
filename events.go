package imageguard

import "time"

// ClassificationEvent is passed to Config.OnClassification after every
// Classify call, for audit logs and dashboards.
type ClassificationEvent struct {
	ID          string        `json:"id"`
	Exact       string        `json:"sha1"`
	Approx      string        `json:"ahash"`
	Result      Result        `json:"result"`
	Source      string        `json:"source"` // one of the Source* constants
	Attempts    int           `json:"attempts,omitempty"`
	Shared      bool          `json:"shared,omitempty"`
	SimilarDist int           `json:"similar_dist"` // -1 when no similar entry was seen
	Elapsed     time.Duration `json:"elapsed"`
	At          time.Time     `json:"at"`
}
