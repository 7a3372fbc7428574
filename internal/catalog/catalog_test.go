package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastflow-labs/fastflow/internal/domain"
)

func writePipeline(t *testing.T, root, name string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	if _, ok := files["main.py"]; !ok {
		files["main.py"] = "print('hello')\n"
	}
	for file, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(body), 0o644))
	}
}

func TestLoad(t *testing.T) {
	root := t.TempDir()
	writePipeline(t, root, "etl", map[string]string{
		"requirements.txt": "requests\n",
		"pipeline.yaml": `
description: nightly load
tags: [nightly, etl, nightly]
cpu_soft_limit: 0.5
cpu_hard_limit: 1
mem_soft_limit: 512m
mem_hard_limit: 1g
timeout: 30m
secret_env: [WAREHOUSE_DSN]
default_env:
  REGION: eu
`,
	})
	writePipeline(t, root, "report", map[string]string{
		"pipeline.json": `{"enabled": false, "mem_hard_limit": 256, "timeout": 90, "cpu_soft_limit": "50%", "cpu_hard_limit": 2}`,
	})
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))

	pipelines, err := Load(root)
	require.NoError(t, err)
	require.Len(t, pipelines, 2)

	etl := pipelines["etl"]
	assert.True(t, etl.Enabled)
	assert.True(t, etl.HasRequirements)
	assert.Equal(t, "nightly load", etl.Metadata.Description)
	assert.Equal(t, []string{"etl", "nightly"}, etl.Metadata.Tags)
	assert.Equal(t, domain.Limits{CPUSoft: 0.5, CPUHard: 1, MemSoftMB: 512, MemHardMB: 1024}, etl.Metadata.Limits)
	assert.Equal(t, 30*time.Minute, etl.Metadata.Timeout)
	assert.Equal(t, map[string]string{"REGION": "eu"}, etl.Metadata.DefaultEnv)
	assert.NotEmpty(t, etl.Checksum)

	report := pipelines["report"]
	assert.False(t, report.Enabled)
	assert.False(t, report.HasRequirements)
	assert.EqualValues(t, 256, report.Metadata.MemHardMB)
	assert.InDelta(t, 0.5, report.Metadata.CPUSoft, 1e-9, "50% of one core")
	assert.InDelta(t, 2.0, report.Metadata.CPUHard, 1e-9)
	assert.Equal(t, 90*time.Second, report.Metadata.Timeout)
}

func TestLoadRejectsInvalidPipelines(t *testing.T) {
	tests := map[string]struct {
		name  string
		files map[string]string
	}{
		"soft above hard": {name: "etl", files: map[string]string{"pipeline.yaml": "cpu_soft_limit: 2\ncpu_hard_limit: 1\n"}},
		"bad memory":      {name: "etl", files: map[string]string{"pipeline.yaml": "mem_hard_limit: lots\n"}},
		"bad cpu":         {name: "etl", files: map[string]string{"pipeline.yaml": "cpu_soft_limit: half\n"}},
		"bad name":        {name: "-etl", files: map[string]string{}},
		"bad yaml":        {name: "etl", files: map[string]string{"pipeline.yml": "tags: [\n"}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			writePipeline(t, root, tc.name, tc.files)
			_, err := Load(root)
			require.Error(t, err)
		})
	}
}

func TestLoadChecksumTracksContent(t *testing.T) {
	root := t.TempDir()
	writePipeline(t, root, "etl", map[string]string{"main.py": "v1"})
	first, err := Load(root)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "etl", "main.py"), []byte("v2"), 0o644))
	second, err := Load(root)
	require.NoError(t, err)
	assert.NotEqual(t, first["etl"].Checksum, second["etl"].Checksum)
}

func TestDiff(t *testing.T) {
	prev := map[string]domain.Pipeline{
		"a": {Name: "a", Checksum: "1"},
		"b": {Name: "b", Checksum: "1"},
		"c": {Name: "c", Checksum: "1"},
	}
	next := map[string]domain.Pipeline{
		"a": {Name: "a", Checksum: "1"},
		"b": {Name: "b", Checksum: "2"},
		"d": {Name: "d", Checksum: "1"},
	}
	ch := Diff(prev, next)
	assert.Equal(t, []string{"d"}, ch.Added)
	assert.Equal(t, []string{"b"}, ch.Updated)
	assert.Equal(t, []string{"c"}, ch.Removed)
	assert.True(t, Diff(next, next).Empty())
}

type fakeStats map[string]domain.PipelineCounters

func (f fakeStats) PipelineStats(_ context.Context, name string) (domain.PipelineCounters, error) {
	return f[name], nil
}

func TestCatalogReplaceGetList(t *testing.T) {
	stats := fakeStats{"etl": {Total: 3, Successful: 2, Failed: 1}}
	c, err := New(nil, stats, "")
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "etl")
	require.ErrorIs(t, err, domain.ErrPipelineNotFound)

	ch := c.Replace(map[string]domain.Pipeline{
		"etl":    {Name: "etl", Enabled: true, Checksum: "1"},
		"report": {Name: "report", Enabled: true, Checksum: "1"},
	})
	assert.Equal(t, []string{"etl", "report"}, ch.Added)

	p, err := c.Get(context.Background(), "etl")
	require.NoError(t, err)
	assert.EqualValues(t, 3, p.Counters.Total)

	list := c.List(context.Background())
	require.Len(t, list, 2)
	assert.Equal(t, "etl", list[0].Name)
	assert.Equal(t, []string{"etl", "report"}, c.Names())
}

func TestCatalogSetEnabledPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "pipeline_overrides.json")
	c, err := New(nil, nil, path)
	require.NoError(t, err)
	c.Replace(map[string]domain.Pipeline{"etl": {Name: "etl", Enabled: true}})

	p, err := c.SetEnabled("etl", false)
	require.NoError(t, err)
	assert.False(t, p.Enabled)

	_, err = c.SetEnabled("missing", false)
	require.ErrorIs(t, err, domain.ErrPipelineNotFound)

	reopened, err := New(nil, nil, path)
	require.NoError(t, err)
	reopened.Replace(map[string]domain.Pipeline{"etl": {Name: "etl", Enabled: true}})
	got, ok := reopened.Lookup("etl")
	require.True(t, ok)
	assert.False(t, got.Enabled)
}
