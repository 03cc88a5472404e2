package track

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cistromics/motifwin/window"
)

const testSizes = "chr1\t1000\nchr2\t450\n"

func testGenome(t *testing.T) *window.Genome {
	g, err := window.NewGenome("testspecies", 100, strings.NewReader(testSizes))
	require.NoError(t, err)
	return g
}

func testDataset(id string) Dataset {
	return Dataset{ID: id, Species: "testspecies", Name: id + " factor", SourceInfo: "matrix:" + id}
}

func writeFile(t *testing.T, path, content string) {
	require.NoError(t, os.WriteFile(path, []byte(content), 0666))
}

func collectRecords(t *testing.T, path string) []BinRecord {
	var recs []BinRecord
	require.NoError(t, ReadBinRecords(context.Background(), path, func(r BinRecord) error {
		recs = append(recs, r)
		return nil
	}))
	return recs
}

func TestExtract(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	g := testGenome(t)

	trackPath := filepath.Join(tempDir, "M001.bed")
	writeFile(t, trackPath, strings.Join([]string{
		"chr1\t50\t150\tM1\t3.5\t+",
		"chr1\t250\t260\tM2\t.\t-",
		"chr2\t0\t95",
		"",
	}, "\n"))

	metaPath := filepath.Join(tempDir, "metadata.tsv")
	meta, err := OpenMetadataTable(metaPath)
	require.NoError(t, err)
	defer meta.Close()

	outPath := filepath.Join(tempDir, "M001.bins.tsv")
	n, err := Extract(context.Background(), g, testDataset("M001"), trackPath, outPath, meta)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	recs := collectRecords(t, outPath)
	require.Equal(t, 4, len(recs))
	// chr1:50-150 spans the bin boundary at 100, so both windows get a record.
	assert.Equal(t, window.BinID(0), recs[0].Bin)
	assert.Equal(t, window.BinID(1), recs[1].Bin)
	assert.Equal(t, "M1", recs[0].MotifID)
	assert.Equal(t, "M001", recs[0].DatasetID)
	assert.Equal(t, int64(50), recs[0].Start)
	assert.Equal(t, int64(150), recs[0].End)
	assert.True(t, recs[0].HasScore)
	assert.Equal(t, 3.5, recs[0].Score)
	// The two records of the spanning hit share the original interval.
	assert.Equal(t, recs[0].Start, recs[1].Start)
	assert.Equal(t, recs[0].End, recs[1].End)

	assert.Equal(t, window.BinID(2), recs[2].Bin)
	assert.Equal(t, "M2", recs[2].MotifID)
	assert.False(t, recs[2].HasScore)

	// Nameless, scoreless line: motif id falls back to the dataset id.
	assert.Equal(t, window.BinID(10), recs[3].Bin)
	assert.Equal(t, "M001", recs[3].MotifID)

	rows, err := ReadMetadataTable(context.Background(), metaPath)
	require.NoError(t, err)
	require.Equal(t, 1, len(rows))
	assert.Equal(t, testDataset("M001"), rows[0])

	// No leftover temp file.
	_, err = os.Stat(outPath + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestExtractGzip(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	g := testGenome(t)

	trackPath := filepath.Join(tempDir, "M002.bed.gz")
	f, err := os.Create(trackPath)
	require.NoError(t, err)
	zw := gzip.NewWriter(f)
	_, err = zw.Write([]byte("chr1\t0\t100\tM9\t1\t+\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	meta, err := OpenMetadataTable(filepath.Join(tempDir, "metadata.tsv"))
	require.NoError(t, err)
	defer meta.Close()

	outPath := filepath.Join(tempDir, "M002.bins.tsv")
	n, err := Extract(context.Background(), g, testDataset("M002"), trackPath, outPath, meta)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	recs := collectRecords(t, outPath)
	require.Equal(t, 1, len(recs))
	assert.Equal(t, window.BinID(0), recs[0].Bin)
}

// A malformed line anywhere in the track must fail the whole extraction with
// no published artifact and no metadata row.
func TestExtractAllOrNothing(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	g := testGenome(t)

	var sb strings.Builder
	for i := 0; i < 1000; i++ {
		if i == 499 {
			sb.WriteString("chr1\tnotanumber\t100\n")
			continue
		}
		fmt.Fprintf(&sb, "chr1\t%d\t%d\n", i, i+10)
	}
	trackPath := filepath.Join(tempDir, "bad.bed")
	writeFile(t, trackPath, sb.String())

	metaPath := filepath.Join(tempDir, "metadata.tsv")
	meta, err := OpenMetadataTable(metaPath)
	require.NoError(t, err)
	defer meta.Close()

	outPath := filepath.Join(tempDir, "bad.bins.tsv")
	_, err = Extract(context.Background(), g, testDataset("BAD"), trackPath, outPath, meta)
	var malformed *MalformedInputError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, 500, malformed.Line)

	_, err = os.Stat(outPath)
	assert.True(t, os.IsNotExist(err), "no artifact may be published")
	_, err = os.Stat(outPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp output must be cleaned up")

	rows, err := ReadMetadataTable(context.Background(), metaPath)
	require.NoError(t, err)
	assert.Equal(t, 0, len(rows))
}

func TestExtractMalformedLines(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	g := testGenome(t)
	meta, err := OpenMetadataTable(filepath.Join(tempDir, "metadata.tsv"))
	require.NoError(t, err)
	defer meta.Close()

	tests := []struct {
		name string
		line string
	}{
		{"two columns", "chr1\t100"},
		{"bad end", "chr1\t0\tten"},
		{"inverted", "chr1\t200\t100"},
		{"zero length", "chr1\t100\t100"},
		{"negative start", "chr1\t-5\t100"},
		{"bad score", "chr1\t0\t100\tM1\thigh"},
		{"bad strand", "chr1\t0\t100\tM1\t1\tx"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			trackPath := filepath.Join(tempDir, "t.bed")
			writeFile(t, trackPath, tc.line+"\n")
			_, err := Extract(context.Background(), g, testDataset("T"), trackPath,
				filepath.Join(tempDir, "t.bins.tsv"), meta)
			var malformed *MalformedInputError
			require.ErrorAs(t, err, &malformed)
		})
	}
}

func TestExtractUnknownChromosome(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	g := testGenome(t)
	meta, err := OpenMetadataTable(filepath.Join(tempDir, "metadata.tsv"))
	require.NoError(t, err)
	defer meta.Close()

	trackPath := filepath.Join(tempDir, "t.bed")
	writeFile(t, trackPath, "chr99\t0\t100\n")
	_, err = Extract(context.Background(), g, testDataset("T"), trackPath,
		filepath.Join(tempDir, "t.bins.tsv"), meta)
	var unknown *window.UnknownChromosomeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "chr99", unknown.Chrom)
}

// Rerunning an extraction overwrites the artifact and appends the metadata
// row again; readers see the duplicate.
func TestExtractRerunDuplicatesMetadata(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	g := testGenome(t)
	metaPath := filepath.Join(tempDir, "metadata.tsv")
	meta, err := OpenMetadataTable(metaPath)
	require.NoError(t, err)
	defer meta.Close()

	trackPath := filepath.Join(tempDir, "M001.bed")
	writeFile(t, trackPath, "chr1\t0\t10\n")
	outPath := filepath.Join(tempDir, "M001.bins.tsv")
	for i := 0; i < 2; i++ {
		_, err := Extract(context.Background(), g, testDataset("M001"), trackPath, outPath, meta)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, len(collectRecords(t, outPath)))
	rows, err := ReadMetadataTable(context.Background(), metaPath)
	require.NoError(t, err)
	assert.Equal(t, 2, len(rows))
}

func TestMetadataTableConcurrentAppend(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	metaPath := filepath.Join(tempDir, "metadata.tsv")
	meta, err := OpenMetadataTable(metaPath)
	require.NoError(t, err)

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, meta.Append(testDataset(fmt.Sprintf("M%03d", i))))
		}(i)
	}
	wg.Wait()
	require.NoError(t, meta.Close())

	rows, err := ReadMetadataTable(context.Background(), metaPath)
	require.NoError(t, err)
	require.Equal(t, n, len(rows))
	seen := map[string]bool{}
	for _, row := range rows {
		assert.False(t, seen[row.ID], "torn or duplicated row for %s", row.ID)
		seen[row.ID] = true
	}
}
