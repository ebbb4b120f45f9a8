package entity

// Stats aggregates the task store plus process-level counters.
type Stats struct {
	Total                int            `json:"total_tasks"`
	ByStatus             map[Status]int `json:"by_status"`
	Active               int            `json:"active_downloads"`
	Queued               int            `json:"queued_downloads"`
	Pending              int            `json:"pending_downloads"`
	Completed            int            `json:"completed_downloads"`
	Failed               int            `json:"failed_downloads"`
	Cancelled            int            `json:"cancelled_downloads"`
	TotalDownloadedBytes int64          `json:"total_downloaded_bytes"`
	TotalSizeBytes       int64          `json:"total_size_bytes"`
	CurrentSpeed         float64        `json:"current_speed"`
	SuccessRate          float64        `json:"success_rate"`
	ConnectedClients     int            `json:"connected_clients"`
	UptimeSeconds        float64        `json:"server_uptime"`
}
