package pipeline

import (
	"time"

	"github.com/teranos/VIGIL/vision"
)

// Data is the unit of work flowing through a pipeline. Exactly one stage
// mutates it at a time; ownership passes stage to stage along the chain.
//
// Callers that need arrival order downstream should carry a sequence number
// in Metadata: concurrent workers give no completion-order guarantee.
type Data struct {
	Frame      *vision.Frame
	Detections []vision.Detection
	Analysis   *vision.Analysis
	Inference  map[string]float32
	Metadata   map[string]string
	Timestamp  time.Time
}

// NewData wraps a frame for pipeline entry.
func NewData(frame *vision.Frame) *Data {
	return &Data{
		Frame:     frame,
		Metadata:  make(map[string]string),
		Timestamp: time.Now(),
	}
}

// Clone deep-copies the mutable parts of Data. Stage attempts run against a
// clone so an abandoned timed-out attempt cannot race a retry.
func (d *Data) Clone() *Data {
	c := &Data{
		Frame:     d.Frame,
		Analysis:  d.Analysis,
		Timestamp: d.Timestamp,
	}
	if d.Detections != nil {
		c.Detections = make([]vision.Detection, len(d.Detections))
		copy(c.Detections, d.Detections)
	}
	if d.Inference != nil {
		c.Inference = make(map[string]float32, len(d.Inference))
		for k, v := range d.Inference {
			c.Inference[k] = v
		}
	}
	if d.Metadata != nil {
		c.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// Result converts fully-processed pipeline data to a processing result.
func (d *Data) Result() *vision.ProcessingResult {
	res := &vision.ProcessingResult{
		Detections: d.Detections,
		Analysis:   d.Analysis,
		Inference:  d.Inference,
		Timestamp:  d.Timestamp,
	}
	if d.Frame != nil {
		res.FrameID = d.Frame.ID
	}
	return res
}
