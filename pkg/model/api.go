package model

import "time"

// Response is the standard API response envelope.
type Response struct {
	Status    string    `json:"status"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Error     *APIError `json:"error"`
}

// QueueSnapshot is a point-in-time view of every scheduling queue.
type QueueSnapshot struct {
	Ready    map[string]int           `json:"ready"`
	Misfired []string                 `json:"misfired"`
	Failover map[string][]int         `json:"failover"`
	Running  map[string][]TaskContext `json:"running"`
}
