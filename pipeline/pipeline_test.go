package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cistromics/motifwin/store"
	"github.com/cistromics/motifwin/track"
	"github.com/cistromics/motifwin/window"
)

const testChromSizes = "chr1\t1000\nchr2\t450\n"

func writeFile(t *testing.T, path, content string) {
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// testConfig lays out a track dir with two datasets and returns a ready
// Config: dsA hits chr1:50-150, dsB hits chr1:250-260, window size 100.
func testConfig(t *testing.T, tempDir string) Config {
	trackDir := filepath.Join(tempDir, "tracks")
	outDir := filepath.Join(tempDir, "out")
	require.NoError(t, os.MkdirAll(trackDir, 0777))
	writeFile(t, filepath.Join(tempDir, "chrom.sizes"), testChromSizes)
	writeFile(t, filepath.Join(trackDir, "dsA.bed"), "chr1\t50\t150\tCTCF\t12.5\t+\n")
	writeFile(t, filepath.Join(trackDir, "dsB.bed"), "chr1\t250\t260\tGATA1\t.\t-\n")
	return Config{
		Species:    "testasm",
		WindowSize: 100,
		Motifs:     []string{"dsA", "dsB"},
		ChromSizes: filepath.Join(tempDir, "chrom.sizes"),
		TrackDir:   trackDir,
		OutDir:     outDir,
	}
}

func datasetIDs(recs []track.BinRecord) []string {
	var ids []string
	for _, rec := range recs {
		ids = append(ids, rec.DatasetID)
	}
	return ids
}

func TestRunEndToEnd(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	p, err := New(testConfig(t, tempDir))
	require.NoError(t, err)
	assert.Equal(t, Pending, p.Stage())
	require.NoError(t, p.Run(ctx))
	assert.Equal(t, Done, p.Stage())

	// The sentinel exists and is empty.
	info, err := os.Stat(p.SentinelPath())
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())

	s, err := store.Open(p.StorePath())
	require.NoError(t, err)
	defer s.Close()

	// chr1 windows start at base 0: the dsA hit spans windows 0 and 1, the
	// dsB hit falls in window 2.
	hits, err := s.Hits(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"dsA"}, datasetIDs(hits))
	hits, err = s.Hits(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"dsA"}, datasetIDs(hits))
	hits, err = s.Hits(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"dsB"}, datasetIDs(hits))
	assert.Equal(t, "GATA1", hits[0].MotifID)
	assert.False(t, hits[0].HasScore)

	all, err := s.HitsInRange(ctx, 0, window.BinID(14))
	require.NoError(t, err)
	assert.Equal(t, []string{"dsA", "dsA", "dsB"}, datasetIDs(all))

	datasets, err := s.Datasets(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, len(datasets))
	assert.Equal(t, "dsA", datasets[0].ID)
	assert.Equal(t, "dsA.bed", datasets[0].SourceInfo)

	meta, err := s.Meta(ctx)
	require.NoError(t, err)
	assert.Equal(t, "testasm", meta["species"])
	assert.Equal(t, "100", meta["window_size"])

	// The combined artifact holds the same three records, bin-ordered.
	var combined []track.BinRecord
	err = track.ReadBinRecords(ctx, filepath.Join(p.cfg.OutDir, "combined.bins.tsv"),
		func(rec track.BinRecord) error {
			combined = append(combined, rec)
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, 3, len(combined))
	assert.Equal(t, window.BinID(0), combined[0].Bin)
	assert.Equal(t, window.BinID(2), combined[2].Bin)
}

func TestRunMalformedDatasetFailsPipeline(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	cfg := testConfig(t, tempDir)
	writeFile(t, filepath.Join(cfg.TrackDir, "dsB.bed"), "chr1\t250\tnot-a-number\n")
	p, err := New(cfg)
	require.NoError(t, err)

	err = p.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, Failed, p.Stage())
	var malformed *track.MalformedInputError
	assert.True(t, errors.As(err, &malformed))

	// No sentinel, no store.
	_, err = os.Stat(p.SentinelPath())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(p.StorePath())
	assert.True(t, os.IsNotExist(err))
}

func TestRunMissingTrackFailsFetchStage(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	cfg := testConfig(t, tempDir)
	cfg.Motifs = append(cfg.Motifs, "dsC")
	p, err := New(cfg)
	require.NoError(t, err)

	err = p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dsC")
	assert.Equal(t, Failed, p.Stage())
	_, err = os.Stat(p.SentinelPath())
	assert.True(t, os.IsNotExist(err))
}

func TestRunRerunReplacesStore(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	cfg := testConfig(t, tempDir)
	p, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Run(ctx))

	// A rerun rebuilds the store in place; metadata appends from the first
	// run are deduped by dataset id.
	p2, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, p2.Run(ctx))

	s, err := store.Open(p2.StorePath())
	require.NoError(t, err)
	defer s.Close()
	datasets, err := s.Datasets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, len(datasets))
	hits, err := s.Hits(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, len(hits))
}

func TestRunCompressedCombinedArtifact(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	cfg := testConfig(t, tempDir)
	cfg.Compress = true
	p, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))
	_, err = os.Stat(filepath.Join(cfg.OutDir, "combined.bins.tsv.gz"))
	assert.NoError(t, err)
}

func TestNewValidation(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	base := testConfig(t, tempDir)

	for _, tc := range []struct {
		name   string
		mutate func(*Config)
	}{
		{"no species", func(c *Config) { c.Species = "" }},
		{"bad window", func(c *Config) { c.WindowSize = 0 }},
		{"no motifs", func(c *Config) { c.Motifs = nil }},
		{"no track dir", func(c *Config) { c.TrackDir = "" }},
		{"no out dir", func(c *Config) { c.OutDir = "" }},
		{"bad chrom sizes", func(c *Config) { c.ChromSizes = filepath.Join(tempDir, "nope") }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			_, err := New(cfg)
			assert.Error(t, err)
		})
	}
}
