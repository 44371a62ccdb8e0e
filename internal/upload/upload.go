// Package upload delivers a finished run's data log to a collector.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/recall-labs/internal/domain"
	"github.com/containerd/errdefs"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrUpload marks failures of the upload sink itself.
var ErrUpload = errors.New("upload failed")

// Batch is one run's data as handed to the sink.
type Batch struct {
	RunID          string
	ExperimentID   string
	Filename       string
	ExperimentType domain.ExperimentType
	SubjectID      string
	FatalError     bool
	Records        []domain.TrialRecord
}

// Receipt acknowledges a stored batch.
type Receipt struct {
	ID       string
	Location string
	Bytes    int64
}

// Uploader stores batches.
type Uploader interface {
	Upload(ctx context.Context, b Batch) (Receipt, error)
}

// Document is the JSON file written for a batch.
type Document struct {
	RunID          string                `json:"run_id"`
	ExperimentID   string                `json:"experiment_id"`
	ExperimentType domain.ExperimentType `json:"experiment_type"`
	SubjectID      string                `json:"subject_id"`
	FatalError     bool                  `json:"fatal_error"`
	UploadedAt     time.Time             `json:"uploaded_at"`
	Trials         []domain.TrialRecord  `json:"trials"`
}

func (b Batch) validate() error {
	switch {
	case b.ExperimentID == "":
		return fmt.Errorf("batch has no experiment id: %w", errdefs.ErrInvalidArgument)
	case b.Filename == "":
		return fmt.Errorf("batch has no filename: %w", errdefs.ErrInvalidArgument)
	}
	return nil
}

// toStruct encodes a batch as the collector's wire message.
func toStruct(b Batch) (*structpb.Struct, error) {
	data, err := json.Marshal(b.Records)
	if err != nil {
		return nil, fmt.Errorf("encode records: %w", err)
	}
	return structpb.NewStruct(map[string]any{
		"run_id":          b.RunID,
		"experiment_id":   b.ExperimentID,
		"filename":        b.Filename,
		"experiment_type": string(b.ExperimentType),
		"subject_id":      b.SubjectID,
		"fatal_error":     b.FatalError,
		"data":            string(data),
	})
}

// fromStruct decodes the collector's wire message.
func fromStruct(s *structpb.Struct) (Batch, error) {
	f := s.GetFields()
	b := Batch{
		RunID:          f["run_id"].GetStringValue(),
		ExperimentID:   f["experiment_id"].GetStringValue(),
		Filename:       f["filename"].GetStringValue(),
		ExperimentType: domain.ExperimentType(f["experiment_type"].GetStringValue()),
		SubjectID:      f["subject_id"].GetStringValue(),
		FatalError:     f["fatal_error"].GetBoolValue(),
	}
	if data := f["data"].GetStringValue(); data != "" {
		if err := json.Unmarshal([]byte(data), &b.Records); err != nil {
			return Batch{}, fmt.Errorf("decode records: %w: %w", errdefs.ErrInvalidArgument, err)
		}
	}
	return b, nil
}

func receiptToStruct(r Receipt) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"receipt_id": r.ID,
		"location":   r.Location,
		"bytes":      float64(r.Bytes),
	})
}

func receiptFromStruct(s *structpb.Struct) Receipt {
	f := s.GetFields()
	return Receipt{
		ID:       f["receipt_id"].GetStringValue(),
		Location: f["location"].GetStringValue(),
		Bytes:    int64(f["bytes"].GetNumberValue()),
	}
}
