package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnisearch/omnisearch/abengine/internal/config"
	"github.com/omnisearch/omnisearch/abengine/internal/engine"
	"github.com/omnisearch/omnisearch/abengine/internal/events"
	"github.com/omnisearch/omnisearch/abengine/internal/storage"
)

func TestAnalyze_RebuildsComparisonFromAuditFile(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "ab_events.jsonl")

	srcCfg := config.Default()
	srcCfg.Audit.Path = auditPath
	src, err := engine.New(context.Background(), srcCfg, engine.WithBackend(storage.NewMemory()))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = src.Registry.Assign(ctx, "a", 1.0, nil)
	require.NoError(t, err)
	_, err = src.Registry.Assign(ctx, "b", 0.0, nil)
	require.NoError(t, err)
	for _, id := range []string{"a", "b"} {
		_, err = src.Events.LogSearch(ctx, events.SearchInput{IdentityID: id, Query: "q", ResultsCount: intPtr(3)})
		require.NoError(t, err)
	}
	_, err = src.Events.LogClick(ctx, events.ClickInput{IdentityID: "b", ProductID: "p1", Rank: 0})
	require.NoError(t, err)
	require.NoError(t, src.Close())

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--config", filepath.Join(dir, "missing.yaml"), "analyze", "--file", auditPath, "--days", "0"})
	require.NoError(t, rootCmd.ExecuteContext(ctx))

	var res struct {
		Records    int `json:"records"`
		Comparison struct {
			Winner string `json:"winner_by_ctr"`
		} `json:"comparison"`
		Overview struct {
			TotalEvents      int `json:"total_events"`
			TotalAssignments int `json:"total_assignments"`
		} `json:"overview"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, 5, res.Records)
	assert.Equal(t, "search_v2", res.Comparison.Winner)
	assert.Equal(t, 3, res.Overview.TotalEvents)
	assert.Equal(t, 2, res.Overview.TotalAssignments)
}

func TestReset_RequiresYes(t *testing.T) {
	rootCmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "reset"})
	assert.Error(t, rootCmd.ExecuteContext(context.Background()))
}

func intPtr(n int) *int { return &n }
