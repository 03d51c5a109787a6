// Package vigiltest holds shared test fixtures: an in-memory database and
// builders for frames, detections and results.
package vigiltest

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/teranos/VIGIL/vision"
)

// CreateTestDB creates an in-memory SQLite test database.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// Frame builds a test frame with a zeroed RGB buffer.
func Frame(id uint64, width, height int) *vision.Frame {
	return &vision.Frame{
		ID:        id,
		Timestamp: time.Now(),
		Data:      make([]byte, width*height*3),
		Metadata: vision.FrameMetadata{
			Width:    width,
			Height:   height,
			Channels: 3,
			Format:   vision.FormatRGB,
			Source:   "test",
		},
	}
}

// Detection builds a test detection with a fixed box.
func Detection(className string, classID int, confidence float32) vision.Detection {
	return vision.Detection{
		Box:        vision.BoundingBox{X: 1, Y: 2, W: 10, H: 20},
		ClassID:    classID,
		ClassName:  className,
		Confidence: confidence,
	}
}

// Result builds a processing result carrying an active-scene analysis.
func Result(frameID uint64, ts time.Time, dets ...vision.Detection) *vision.ProcessingResult {
	return &vision.ProcessingResult{
		FrameID:    frameID,
		Detections: dets,
		Analysis: &vision.Analysis{
			Scene:  vision.SceneInfo{SceneType: "active", Lighting: "normal"},
			Motion: vision.MotionInfo{Level: 0.4},
		},
		Timestamp: ts,
	}
}
