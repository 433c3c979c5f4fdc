package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rawblock/ringwatch/internal/config"
	"github.com/rawblock/ringwatch/internal/scheduler"
)

func TestRunCommandPrintsReport(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"run", "decay"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), `"scanned": 0`)
}

func TestRunCommandRejectsUnknownJob(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run", "reindex"})
	assert.Error(t, root.Execute())
}

func TestMigrateNeedsDatabase(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"migrate"})
	assert.ErrorContains(t, root.Execute(), "database.url")
}

func TestBuildEngineRegistersEveryJob(t *testing.T) {
	c := config.NewDefaultConfig()
	c.Scheduler.Enabled = false
	e, err := buildEngine(context.Background(), c, zap.NewNop(), nil)
	require.NoError(t, err)
	defer e.Close()

	var names []string
	for _, p := range e.scheduler.Progress() {
		names = append(names, p.Name)
		assert.Zero(t, p.Interval, "a disabled scheduler registers on-demand jobs")
	}
	assert.ElementsMatch(t, scheduler.JobNames, names)
}

func TestBuildEngineRejectsBadCaseRisk(t *testing.T) {
	c := config.NewDefaultConfig()
	c.Cases.AutoOpenMinRisk = "severe"
	_, err := buildEngine(context.Background(), c, zap.NewNop(), nil)
	assert.Error(t, err)
}
