// Package pipeline drives a full motif-window indexing run for one
// species/window-size configuration: extract every configured dataset's
// track file into window-keyed records, externally sort the combined
// records, and load them into the consolidated store. Track files are
// fetched by an external collaborator; the pipeline only verifies they are
// present before extraction starts.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/pkg/errors"

	"github.com/cistromics/motifwin/binsort"
	"github.com/cistromics/motifwin/store"
	"github.com/cistromics/motifwin/track"
	"github.com/cistromics/motifwin/window"
)

// Stage is the pipeline's externally observable state. Stages advance
// strictly in order; any failure moves the pipeline to Failed and halts it.
type Stage int32

const (
	Pending Stage = iota
	Fetching
	Extracting
	Aggregating
	Sorting
	Loading
	Done
	Failed
)

var stageNames = [...]string{
	Pending:     "PENDING",
	Fetching:    "FETCHING",
	Extracting:  "EXTRACTING",
	Aggregating: "AGGREGATING",
	Sorting:     "SORTING",
	Loading:     "LOADING",
	Done:        "DONE",
	Failed:      "FAILED",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("Stage(%d)", int32(s))
	}
	return stageNames[s]
}

// Config fully determines one pipeline run. It is fixed at construction and
// never mutated; every component receives it (or the genome derived from it)
// explicitly.
type Config struct {
	// Species names the genome assembly, e.g. "hg38".
	Species string
	// WindowSize is the fixed window width in bases. Must be > 0.
	WindowSize int64
	// Motifs is the fixed set of dataset ids to index. The set is given by
	// configuration, never discovered from the track directory.
	Motifs []string
	// ChromSizes is the path of the chromosome-size reference table.
	ChromSizes string
	// TrackDir holds the fetched track files, one <dataset>.bed[.gz] each.
	TrackDir string
	// OutDir receives all artifacts: per-dataset extractions, the metadata
	// table, the sorted shard, the combined TSV, the store and the sentinel.
	OutDir string
	// Parallelism bounds concurrent dataset extractions. <= 0 means
	// runtime.NumCPU().
	Parallelism int
	// SortBatchSize overrides binsort.SortOptions.BatchSize when > 0.
	SortBatchSize int
	// Compress bgzf-compresses the combined TSV artifact.
	Compress bool
}

// Pipeline runs the stages for one Config. Use New to construct.
type Pipeline struct {
	cfg    Config
	genome *window.Genome
	stage  int32
}

// New validates the configuration and loads the chromosome reference.
func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Species == "":
		return nil, errors.New("pipeline: species must be set")
	case cfg.WindowSize <= 0:
		return nil, errors.Errorf("pipeline: invalid window size %d", cfg.WindowSize)
	case len(cfg.Motifs) == 0:
		return nil, errors.New("pipeline: no motif datasets configured")
	case cfg.TrackDir == "":
		return nil, errors.New("pipeline: track dir must be set")
	case cfg.OutDir == "":
		return nil, errors.New("pipeline: out dir must be set")
	}
	genome, err := window.NewGenomeFromPath(cfg.Species, cfg.WindowSize, cfg.ChromSizes)
	if err != nil {
		return nil, err
	}
	return &Pipeline{cfg: cfg, genome: genome}, nil
}

// Stage returns the current stage. Safe to call from other goroutines while
// Run is in flight.
func (p *Pipeline) Stage() Stage {
	return Stage(atomic.LoadInt32(&p.stage))
}

func (p *Pipeline) setStage(s Stage) {
	atomic.StoreInt32(&p.stage, int32(s))
	log.Printf("pipeline %s.w%d: %s", p.cfg.Species, p.cfg.WindowSize, s)
}

func (p *Pipeline) artifactPath(datasetID string) string {
	return filepath.Join(p.cfg.OutDir, datasetID+".bins.tsv")
}

func (p *Pipeline) metadataPath() string {
	return filepath.Join(p.cfg.OutDir, "metadata.tsv")
}

func (p *Pipeline) shardPath() string {
	return filepath.Join(p.cfg.OutDir, "combined.sort")
}

func (p *Pipeline) combinedPath() string {
	path := filepath.Join(p.cfg.OutDir, "combined.bins.tsv")
	if p.cfg.Compress {
		path += ".gz"
	}
	return path
}

// StorePath is where the committed store for this configuration lives.
func (p *Pipeline) StorePath() string {
	return filepath.Join(p.cfg.OutDir, fmt.Sprintf("%s.w%d.db", p.cfg.Species, p.cfg.WindowSize))
}

// SentinelPath is the zero-byte completion marker. Its existence is the sole
// signal that the store at StorePath is complete.
func (p *Pipeline) SentinelPath() string {
	return filepath.Join(p.cfg.OutDir, fmt.Sprintf("%s.w%d.done", p.cfg.Species, p.cfg.WindowSize))
}

func (p *Pipeline) parallelism() int {
	parallelism := p.cfg.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	if parallelism > len(p.cfg.Motifs) {
		parallelism = len(p.cfg.Motifs)
	}
	return parallelism
}

// Run executes the stage sequence. The first stage error halts the run,
// moves the pipeline to Failed and is returned; the sentinel is created only
// when every stage has succeeded. Cancelling ctx aborts between and within
// stages; intermediate artifacts may be left behind, but the store itself is
// only ever replaced atomically.
func (p *Pipeline) Run(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			p.setStage(Failed)
		}
	}()
	if err = os.MkdirAll(p.cfg.OutDir, 0777); err != nil {
		return err
	}

	p.setStage(Fetching)
	tracks, err := p.resolveTracks()
	if err != nil {
		return err
	}

	p.setStage(Extracting)
	if err = p.extract(ctx, tracks); err != nil {
		return errors.Wrap(err, "extract")
	}

	p.setStage(Aggregating)
	if err = p.aggregate(ctx); err != nil {
		return errors.Wrap(err, "aggregate")
	}

	p.setStage(Sorting)
	if err = binsort.TSVFromSortShards(ctx, []string{p.shardPath()}, p.combinedPath(), p.parallelism()); err != nil {
		return errors.Wrap(err, "sort")
	}

	p.setStage(Loading)
	if err = p.load(ctx); err != nil {
		return errors.Wrap(err, "load")
	}

	// The sentinel is the only completion signal, so it must be the very
	// last write.
	sentinel, err := os.Create(p.SentinelPath())
	if err != nil {
		return err
	}
	if err = sentinel.Close(); err != nil {
		return err
	}
	p.setStage(Done)
	return nil
}

// resolveTracks maps every configured dataset to its fetched track file.
// Fetching itself is out of scope here; a missing file fails the run.
func (p *Pipeline) resolveTracks() (map[string]string, error) {
	tracks := make(map[string]string, len(p.cfg.Motifs))
	for _, id := range p.cfg.Motifs {
		found := ""
		for _, name := range []string{id + ".bed", id + ".bed.gz"} {
			path := filepath.Join(p.cfg.TrackDir, name)
			if _, err := os.Stat(path); err == nil {
				found = path
				break
			}
		}
		if found == "" {
			return nil, errors.Errorf("fetch: no track file for dataset %s in %s", id, p.cfg.TrackDir)
		}
		tracks[id] = found
	}
	return tracks, nil
}

// extract fans the configured datasets out over parallel workers, each
// writing its own artifact. Metadata appends go through one shared
// MetadataTable, which serializes them.
func (p *Pipeline) extract(ctx context.Context, tracks map[string]string) error {
	meta, err := track.OpenMetadataTable(p.metadataPath())
	if err != nil {
		return err
	}
	parallelism := p.parallelism()
	n := len(p.cfg.Motifs)
	err = traverse.Each(parallelism, func(jobIdx int) error {
		startIdx := (jobIdx * n) / parallelism
		endIdx := ((jobIdx + 1) * n) / parallelism
		for _, id := range p.cfg.Motifs[startIdx:endIdx] {
			if err := ctx.Err(); err != nil {
				return err
			}
			trackPath := tracks[id]
			ds := track.Dataset{
				ID:         id,
				Species:    p.cfg.Species,
				Name:       id,
				SourceInfo: filepath.Base(trackPath),
			}
			if _, err := track.Extract(ctx, p.genome, ds, trackPath, p.artifactPath(id), meta); err != nil {
				return err
			}
		}
		return nil
	})
	if closeErr := meta.Close(); err == nil {
		err = closeErr
	}
	return err
}

// aggregate feeds every per-dataset artifact into one external sorter and
// merges the result into a single bin-ordered shard. Every configured
// dataset must have produced an artifact; a missing one is a fatal
// precondition failure, never skipped.
func (p *Pipeline) aggregate(ctx context.Context) error {
	sorter := binsort.NewSorter(p.shardPath(), binsort.SortOptions{
		BatchSize:   p.cfg.SortBatchSize,
		Parallelism: p.parallelism(),
		TmpDir:      p.cfg.OutDir,
	})
	for _, id := range p.cfg.Motifs {
		path := p.artifactPath(id)
		if _, err := os.Stat(path); err != nil {
			return errors.Wrapf(err, "missing artifact for dataset %s", id)
		}
		err := track.ReadBinRecords(ctx, path, func(rec track.BinRecord) error {
			sorter.Add(rec)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return sorter.Close()
}

// load streams the merged shard into a fresh store and commits it.
func (p *Pipeline) load(ctx context.Context) error {
	datasets, err := track.ReadMetadataTable(ctx, p.metadataPath())
	if err != nil {
		return err
	}
	src := func(cb func(track.BinRecord) error) error {
		return binsort.Each([]string{p.shardPath()}, cb)
	}
	opts := store.LoadOpts{Species: p.cfg.Species, WindowSize: p.cfg.WindowSize}
	_, err = store.Load(ctx, p.StorePath(), opts, datasets, src)
	return err
}
