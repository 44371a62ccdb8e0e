package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

// FileSink writes each batch to <dir>/<experiment_id>/<filename>.
type FileSink struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// NewFileSink creates a sink rooted at dir.
func NewFileSink(dir string, logger *slog.Logger) (*FileSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	return &FileSink{dir: dir, logger: logger, now: time.Now}, nil
}

// Upload implements Uploader. An existing file for the same batch is replaced.
func (s *FileSink) Upload(ctx context.Context, b Batch) (Receipt, error) {
	if err := b.validate(); err != nil {
		return Receipt{}, err
	}
	if filepath.Base(b.Filename) != b.Filename || filepath.Base(b.ExperimentID) != b.ExperimentID {
		return Receipt{}, fmt.Errorf("unsafe upload path %s/%s: %w", b.ExperimentID, b.Filename, errdefs.ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	doc := Document{
		RunID:          b.RunID,
		ExperimentID:   b.ExperimentID,
		ExperimentType: b.ExperimentType,
		SubjectID:      b.SubjectID,
		FatalError:     b.FatalError,
		UploadedAt:     s.now().UTC(),
		Trials:         b.Records,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return Receipt{}, fmt.Errorf("encode batch: %w", err)
	}

	dir := filepath.Join(s.dir, b.ExperimentID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Receipt{}, fmt.Errorf("%w: create experiment directory: %w", ErrUpload, err)
	}
	path := filepath.Join(dir, b.Filename)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return Receipt{}, fmt.Errorf("%w: write batch: %w", ErrUpload, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return Receipt{}, fmt.Errorf("%w: commit batch: %w", ErrUpload, err)
	}

	receipt := Receipt{ID: uuid.NewString(), Location: path, Bytes: int64(len(data))}
	s.logger.Info("batch stored",
		"experiment_id", b.ExperimentID,
		"subject_id", b.SubjectID,
		"records", len(b.Records),
		"location", path)
	return receipt, nil
}
