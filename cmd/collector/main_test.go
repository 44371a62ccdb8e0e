package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/recall-labs/internal/domain"
	"github.com/ashureev/recall-labs/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startCollector(t *testing.T) (addr, dir string) {
	t.Helper()
	dir = t.TempDir()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, lis, dir, slog.Default()) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Error("collector did not stop")
		}
	})
	return lis.Addr().String(), dir
}

func TestCollectorStoresUploadedBatch(t *testing.T) {
	addr, dir := startCollector(t)

	sink, err := upload.NewGRPCSink(upload.DefaultGRPCSinkConfig(addr), slog.Default())
	require.NoError(t, err)
	defer sink.Close()

	item := 3
	receipt, err := sink.Upload(context.Background(), upload.Batch{
		RunID:          "run-1",
		ExperimentID:   "ling-tr",
		Filename:       "subj_a.json",
		ExperimentType: domain.ExperimentLinguistic,
		SubjectID:      "subj_a",
		Records: []domain.TrialRecord{
			{Slot: 4, Phase: domain.PhaseEncoding, ExperimentType: domain.ExperimentLinguistic, ItemID: &item},
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.ID)

	raw, err := os.ReadFile(filepath.Join(dir, "ling-tr", "subj_a.json"))
	require.NoError(t, err)
	var doc upload.Document
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "subj_a", doc.SubjectID)
	require.Len(t, doc.Trials, 1)
	assert.Equal(t, 4, doc.Trials[0].Slot)
}

func TestHealthCommand(t *testing.T) {
	addr, _ := startCollector(t)

	cmd := newRootCmd(slog.Default())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"health", "--addr", addr})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "SERVING\n", out.String())
}
