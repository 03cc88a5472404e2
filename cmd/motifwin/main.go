package main

// motifwin runs the motif-window indexing pipeline for one species and
// window size: it extracts the configured motif track files into
// window-keyed records, sorts them, and commits a queryable store plus a
// zero-byte completion sentinel.
//
// Usage: motifwin -species hg38 -window-size 100 -motifs M0001,M0002 \
//          -chrom-sizes hg38.chrom.sizes -track-dir tracks/ -out out/

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"

	"github.com/cistromics/motifwin/pipeline"
)

var (
	species       = flag.String("species", "", "Species/assembly name, e.g. hg38; required")
	windowSize    = flag.Int64("window-size", 100, "Window width in bases")
	motifs        = flag.String("motifs", "", "Comma-separated list of motif dataset ids to index; required")
	chromSizes    = flag.String("chrom-sizes", "", "Chromosome-size reference table (name TAB length per line); required")
	trackDir      = flag.String("track-dir", "", "Directory holding the fetched <dataset>.bed[.gz] track files; required")
	outDir        = flag.String("out", "", "Output directory for artifacts, the store and the sentinel; required")
	parallelism   = flag.Int("parallelism", 0, "Maximum number of simultaneous dataset extractions; 0 = runtime.NumCPU()")
	sortBatchSize = flag.Int("sort-batch-size", 0, "Records sorted in memory per spill shard; 0 uses the binsort default")
	compress      = flag.Bool("compress", false, "bgzf-compress the combined TSV artifact")
)

func motifwinUsage() {
	fmt.Printf("Usage: %s -species SPECIES -motifs ID,ID,... -chrom-sizes PATH -track-dir DIR -out DIR [OPTIONS]\n", os.Args[0])
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = motifwinUsage
	shutdown := grail.Init()
	defer shutdown()

	if *species == "" || *motifs == "" || *chromSizes == "" || *trackDir == "" || *outDir == "" {
		flag.Usage()
		os.Exit(1)
	}
	cfg := pipeline.Config{
		Species:       *species,
		WindowSize:    *windowSize,
		Motifs:        strings.Split(*motifs, ","),
		ChromSizes:    *chromSizes,
		TrackDir:      *trackDir,
		OutDir:        *outDir,
		Parallelism:   *parallelism,
		SortBatchSize: *sortBatchSize,
		Compress:      *compress,
	}
	p, err := pipeline.New(cfg)
	if err != nil {
		log.Fatalf("motifwin: %v", err)
	}
	ctx := vcontext.Background()
	if err := p.Run(ctx); err != nil {
		log.Fatalf("motifwin %s.w%d: %v", cfg.Species, cfg.WindowSize, err)
	}
	log.Printf("motifwin %s.w%d: store %s, sentinel %s", cfg.Species, cfg.WindowSize, p.StorePath(), p.SentinelPath())
}
