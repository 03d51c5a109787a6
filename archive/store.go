package archive

import (
	"database/sql"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/VIGIL/errors"
	"github.com/teranos/VIGIL/logger"
	"github.com/teranos/VIGIL/vision"
)

// Store persists processing results. Safe for concurrent use; the sqlite
// driver serializes writers and WAL keeps readers unblocked.
type Store struct {
	db     *sql.DB
	log    *zap.SugaredLogger
	closed atomic.Bool
}

// NewStore wraps an opened, migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, log: logger.ComponentLogger("archive")}
}

// Summary aggregates archived results since a point in time.
type Summary struct {
	Results       int64   `json:"results"`
	Detections    int64   `json:"detections"`
	AvgConfidence float64 `json:"avg_confidence"`
	TopClass      string  `json:"top_class"`
}

// SaveResult inserts one result row plus one row per detection, in a single
// transaction so a crash never leaves orphan detections.
func (s *Store) SaveResult(res *vision.ProcessingResult, source string) error {
	if s.closed.Load() {
		return ErrArchiveClosed
	}

	var sceneType, lighting string
	var motionLevel float64
	if res.Analysis != nil {
		sceneType = res.Analysis.Scene.SceneType
		lighting = res.Analysis.Scene.Lighting
		motionLevel = float64(res.Analysis.Motion.Level)
	}

	tx, err := s.db.Begin()
	if err != nil {
		if IsArchiveClosed(err) {
			return errors.Wrap(ErrArchiveClosed, "save result")
		}
		return errors.Wrap(err, "begin save transaction")
	}

	result, err := tx.Exec(`
		INSERT INTO results (frame_id, source, processed_at, detection_count, scene_type, lighting, motion_level)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, res.FrameID, source, res.Timestamp.Format(time.RFC3339Nano), len(res.Detections), sceneType, lighting, motionLevel)
	if err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "insert result for frame %d", res.FrameID)
	}

	resultID, err := result.LastInsertId()
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "result insert id")
	}

	for _, d := range res.Detections {
		if _, err := tx.Exec(`
			INSERT INTO detections (result_id, class_id, class_name, confidence, x, y, w, h)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, resultID, d.ClassID, d.ClassName, d.Confidence, d.Box.X, d.Box.Y, d.Box.W, d.Box.H); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "insert detection for frame %d", res.FrameID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "commit result for frame %d", res.FrameID)
	}
	return nil
}

// Summary aggregates everything archived since the given time.
func (s *Store) Summary(since time.Time) (Summary, error) {
	if s.closed.Load() {
		return Summary{}, ErrArchiveClosed
	}

	var out Summary
	cutoff := since.Format(time.RFC3339Nano)

	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(detection_count), 0)
		FROM results WHERE processed_at >= ?
	`, cutoff).Scan(&out.Results, &out.Detections)
	if err != nil {
		return Summary{}, errors.Wrap(err, "summarize results")
	}

	err = s.db.QueryRow(`
		SELECT COALESCE(AVG(d.confidence), 0)
		FROM detections d
		JOIN results r ON r.id = d.result_id
		WHERE r.processed_at >= ?
	`, cutoff).Scan(&out.AvgConfidence)
	if err != nil {
		return Summary{}, errors.Wrap(err, "summarize confidence")
	}

	err = s.db.QueryRow(`
		SELECT d.class_name
		FROM detections d
		JOIN results r ON r.id = d.result_id
		WHERE r.processed_at >= ?
		GROUP BY d.class_name
		ORDER BY COUNT(*) DESC, d.class_name ASC
		LIMIT 1
	`, cutoff).Scan(&out.TopClass)
	if err != nil && err != sql.ErrNoRows {
		return Summary{}, errors.Wrap(err, "summarize top class")
	}

	return out, nil
}

// Close marks the store closed and closes the database. Idempotent.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "close archive database")
	}
	s.log.Debugw("archive closed")
	return nil
}
