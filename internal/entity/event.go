package entity

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags the variant of an outbound Event.
type EventType string

const (
	EventInitial   EventType = "initial"
	EventProgress  EventType = "progress"
	EventHeartbeat EventType = "heartbeat"
	EventPong      EventType = "pong"
	EventRemoved   EventType = "task_removed"
	EventStats     EventType = "stats_update"
)

// Event is a closed set of messages delivered to observers.
// Only types in this package implement it.
type Event interface {
	Type() EventType
	sealed()
}

// InitialEvent is the snapshot every observer receives before any other event.
type InitialEvent struct {
	Tasks      []Task    `json:"tasks"`
	Stats      Stats     `json:"stats"`
	ClientID   string    `json:"client_id"`
	ServerTime time.Time `json:"server_time"`
}

// ProgressEvent carries the normalized progress and status fields of one task.
type ProgressEvent struct {
	TaskID             string     `json:"task_id"`
	Status             Status     `json:"status"`
	Title              string     `json:"title"`
	Queued             bool       `json:"queued"`
	DownloadedBytes    int64      `json:"downloaded_bytes"`
	TotalBytes         int64      `json:"total_bytes"`
	Speed              float64    `json:"speed"`
	ETA                int64      `json:"eta"`
	ProgressPercentage float64    `json:"progress_percentage"`
	ProgressText       string     `json:"progress_text"`
	SpeedText          string     `json:"speed_text"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	StartedAt          *time.Time `json:"started_at"`
	CompletedAt        *time.Time `json:"completed_at"`
	OutputPath         string     `json:"output_path,omitempty"`
}

// NewProgressEvent projects t onto a ProgressEvent.
func NewProgressEvent(t Task) ProgressEvent {
	t = t.Clone()

	return ProgressEvent{
		TaskID:             t.ID,
		Status:             t.Status,
		Title:              t.Title,
		Queued:             t.Queued,
		DownloadedBytes:    t.DownloadedBytes,
		TotalBytes:         t.TotalBytes,
		Speed:              t.Speed,
		ETA:                t.ETA,
		ProgressPercentage: t.ProgressPercentage,
		ProgressText:       t.ProgressText,
		SpeedText:          t.SpeedText,
		ErrorMessage:       t.ErrorMessage,
		StartedAt:          t.StartedAt,
		CompletedAt:        t.CompletedAt,
		OutputPath:         t.OutputPath,
	}
}

// HeartbeatEvent is sent periodically regardless of task activity.
type HeartbeatEvent struct {
	ServerTime       time.Time `json:"server_time"`
	ActiveTasks      int       `json:"active_tasks"`
	TotalConnections int       `json:"total_connections"`
}

// PongEvent answers an observer ping.
type PongEvent struct {
	ServerTime time.Time `json:"server_time"`
}

// RemovedEvent reports that a task was deleted or cleaned up.
type RemovedEvent struct {
	TaskID string `json:"task_id"`
}

// StatsEvent answers an observer stats request.
type StatsEvent struct {
	Stats Stats `json:"stats"`
}

func (InitialEvent) Type() EventType   { return EventInitial }
func (ProgressEvent) Type() EventType  { return EventProgress }
func (HeartbeatEvent) Type() EventType { return EventHeartbeat }
func (PongEvent) Type() EventType      { return EventPong }
func (RemovedEvent) Type() EventType   { return EventRemoved }
func (StatsEvent) Type() EventType     { return EventStats }

func (InitialEvent) sealed()   {}
func (ProgressEvent) sealed()  {}
func (HeartbeatEvent) sealed() {}
func (PongEvent) sealed()      {}
func (RemovedEvent) sealed()   {}
func (StatsEvent) sealed()     {}

// tagged adds the "type" discriminator next to the payload fields.
type tagged[T any] struct {
	Type EventType `json:"type"`
	Data T         `json:"data"`
}

// MarshalEvent encodes e as {"type": ..., "data": {...}}.
func MarshalEvent(e Event) ([]byte, error) {
	switch ev := e.(type) {
	case InitialEvent:
		return json.Marshal(tagged[InitialEvent]{Type: ev.Type(), Data: ev})
	case ProgressEvent:
		return json.Marshal(tagged[ProgressEvent]{Type: ev.Type(), Data: ev})
	case HeartbeatEvent:
		return json.Marshal(tagged[HeartbeatEvent]{Type: ev.Type(), Data: ev})
	case PongEvent:
		return json.Marshal(tagged[PongEvent]{Type: ev.Type(), Data: ev})
	case RemovedEvent:
		return json.Marshal(tagged[RemovedEvent]{Type: ev.Type(), Data: ev})
	case StatsEvent:
		return json.Marshal(tagged[StatsEvent]{Type: ev.Type(), Data: ev})
	default:
		return nil, fmt.Errorf("unknown event %T", e)
	}
}
