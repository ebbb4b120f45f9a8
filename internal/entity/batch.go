package entity

import "time"

// BatchItemStatus is the outcome of one item of a batch request.
type BatchItemStatus string

const (
	BatchCreated BatchItemStatus = "created"
	BatchStarted BatchItemStatus = "started"
	BatchSkipped BatchItemStatus = "skipped"
	BatchError   BatchItemStatus = "error"
)

// BatchItem reports what happened to one item.
type BatchItem struct {
	TaskID string          `json:"task_id,omitempty"`
	URL    string          `json:"url,omitempty"`
	Status BatchItemStatus `json:"status"`
	Reason string          `json:"reason,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// BatchSummary counts batch outcomes.
type BatchSummary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// BatchResult is the per-item report of a batch request.
type BatchResult struct {
	Results        []BatchItem   `json:"results"`
	Summary        BatchSummary  `json:"summary"`
	ProcessingTime time.Duration `json:"-"`
}

// Add appends item and updates the summary.
func (r *BatchResult) Add(item BatchItem) {
	r.Results = append(r.Results, item)
	r.Summary.Total++

	switch item.Status {
	case BatchCreated, BatchStarted:
		r.Summary.Successful++
	case BatchSkipped:
		r.Summary.Skipped++
	case BatchError:
		r.Summary.Failed++
	}
}
