// Package state tracks the operational state of a running system: engine
// throughput, pipeline occupancy, host resources and an error log, each in
// its own partition under one manager. Partitions update independently;
// readers always observe a consistent whole.
package state

import (
	"time"

	"github.com/teranos/VIGIL/errors"
)

// EngineStatus is the engine lifecycle phase.
type EngineStatus int

const (
	StatusStopped EngineStatus = iota
	StatusStarting
	StatusRunning
	StatusPaused
	StatusStopping
	StatusError
)

var statusNames = map[EngineStatus]string{
	StatusStopped:  "stopped",
	StatusStarting: "starting",
	StatusRunning:  "running",
	StatusPaused:   "paused",
	StatusStopping: "stopping",
	StatusError:    "error",
}

func (s EngineStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON encodes the status as its lowercase name.
func (s EngineStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes a lowercase status name.
func (s *EngineStatus) UnmarshalJSON(data []byte) error {
	name := string(data)
	if len(name) >= 2 && name[0] == '"' && name[len(name)-1] == '"' {
		name = name[1 : len(name)-1]
	}
	for status, n := range statusNames {
		if n == name {
			*s = status
			return nil
		}
	}
	return errors.Newf("unknown engine status %q", name)
}

// EngineState is the engine partition.
type EngineState struct {
	Status          EngineStatus `json:"status"`
	FramesProcessed uint64       `json:"frames_processed"`
	FPS             float32      `json:"fps"`
	UptimeSeconds   int64        `json:"uptime_seconds"`
	LastActive      time.Time    `json:"last_active"`
}

// StageMetrics is the state view of one pipeline stage's counters. It is a
// distinct record from the pipeline's own metrics type so the two surfaces
// can evolve independently.
type StageMetrics struct {
	ProcessedItems uint64    `json:"processed_items"`
	Errors         uint64    `json:"errors"`
	AverageTimeMs  float32   `json:"average_time_ms"`
	LastProcessed  time.Time `json:"last_processed"`
}

// PipelineState is the pipeline partition.
type PipelineState struct {
	ActiveStages        []string                `json:"active_stages"`
	StageMetrics        map[string]StageMetrics `json:"stage_metrics"`
	QueueSize           int                     `json:"queue_size"`
	ProcessingLatencyMs float32                 `json:"processing_latency_ms"`
}

// ResourceState is the host resource partition. Usage values are percentages,
// Temperature is °C; -1 marks a sample the collector could not take.
type ResourceState struct {
	GPUUsage    float32 `json:"gpu_usage"`
	MemoryUsage float32 `json:"memory_usage"`
	CPUUsage    float32 `json:"cpu_usage"`
	DiskUsage   float32 `json:"disk_usage"`
	Temperature float32 `json:"temperature"`
}

// ErrorInfo is one recorded failure.
type ErrorInfo struct {
	Timestamp time.Time         `json:"timestamp"`
	ErrorType string            `json:"error_type"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
}

// ErrorState is the error partition. ErrorCount is monotonic; ErrorHistory
// keeps only the most recent entries.
type ErrorState struct {
	ErrorCount   uint64      `json:"error_count"`
	LastError    *ErrorInfo  `json:"last_error,omitempty"`
	ErrorHistory []ErrorInfo `json:"error_history"`
}

// SystemState is the full aggregate across all four partitions.
type SystemState struct {
	Engine   EngineState   `json:"engine"`
	Pipeline PipelineState `json:"pipeline"`
	Resource ResourceState `json:"resource"`
	Errors   ErrorState    `json:"errors"`
}

// Snapshot is one immutable point-in-time capture.
type Snapshot struct {
	Timestamp time.Time   `json:"timestamp"`
	State     SystemState `json:"state"`
}

// clone returns a deep copy so callers never share slices or maps with the
// manager's live state.
func (s SystemState) clone() SystemState {
	out := s
	if s.Pipeline.ActiveStages != nil {
		out.Pipeline.ActiveStages = append([]string(nil), s.Pipeline.ActiveStages...)
	}
	if s.Pipeline.StageMetrics != nil {
		out.Pipeline.StageMetrics = make(map[string]StageMetrics, len(s.Pipeline.StageMetrics))
		for name, m := range s.Pipeline.StageMetrics {
			out.Pipeline.StageMetrics[name] = m
		}
	}
	if s.Errors.LastError != nil {
		last := cloneErrorInfo(*s.Errors.LastError)
		out.Errors.LastError = &last
	}
	if s.Errors.ErrorHistory != nil {
		out.Errors.ErrorHistory = make([]ErrorInfo, len(s.Errors.ErrorHistory))
		for i, e := range s.Errors.ErrorHistory {
			out.Errors.ErrorHistory[i] = cloneErrorInfo(e)
		}
	}
	return out
}

func cloneErrorInfo(e ErrorInfo) ErrorInfo {
	out := e
	if e.Context != nil {
		out.Context = make(map[string]string, len(e.Context))
		for k, v := range e.Context {
			out.Context[k] = v
		}
	}
	return out
}
