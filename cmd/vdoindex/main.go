// Command vdoindex is a small demo driver over the index engine: it
// builds an Index from flag-driven geometry/config, optionally replays a
// newline-delimited request script against it, and records a run
// summary. Grounded on the flag.NewFlagSet-plus-indexer.NewIndexer
// bootstrap of secondary/cmd/indexer/main.go, trimmed from a full
// cluster node down to a single in-process demo.
package main

import (
	"bufio"
	"crypto/sha256"
	"encoding/gob"
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"strings"

	"github.com/hpvb/vdo/common"
	"github.com/hpvb/vdo/geometry"
	"github.com/hpvb/vdo/indexer"
	"github.com/hpvb/vdo/logging"
	"github.com/hpvb/vdo/volume"
)

// runSummary is gob-encoded to -summary, mirroring the teacher's
// gob.NewEncoder(&instBytes) idiom in secondary/indexer/storage_manager.go
// for persisting a snapshot of in-memory state.
type runSummary struct {
	LoadedType      string
	OldestChapter   uint64
	NewestChapter   uint64
	HasCheckpoint   bool
	LastCheckpoint  uint64
	RequestsHandled int
	Hits            int64
	Misses          int64
	OverflowRecords int64
	Deletes         int64
}

func main() {
	fset := flag.NewFlagSet("vdoindex", flag.ExitOnError)

	logLevel := fset.String("loglevel", "Info", "Log level: Silent, Fatal, Error, Warn, Info, Debug, Trace")
	loadTypeFlag := fset.String("load", "create", "Load type: create, load, rebuild")
	zoneCount := fset.Int("zones", 1, "Number of index zones")
	chaptersPerVolume := fset.Uint64("chapters-per-volume", 10, "Physical chapter ring size")
	indexPagesPerChapter := fset.Uint("index-pages-per-chapter", 1, "Index pages per chapter")
	recordPagesPerChapter := fset.Uint("record-pages-per-chapter", 1, "Record pages per chapter")
	recordsPerPage := fset.Uint("records-per-page", 256, "Records per page")
	sparseChaptersPerVolume := fset.Uint64("sparse-chapters-per-volume", 0, "Trailing sparse window size")
	openChapterCapacity := fset.Int("open-chapter-capacity", 64, "Entries per open chapter before it closes")
	sampleRate := fset.Int("sample-rate", 8, "1-in-N master-index sampling rate")
	scriptPath := fset.String("script", "", "Newline-delimited request script: ACTION name [metadata]")
	summaryPath := fset.String("summary", "", "Path to write a gob-encoded run summary")
	doSave := fset.Bool("save", true, "Save the index after processing the script")

	fset.Parse(os.Args[1:])

	logging.SetLevel(logging.ParseLevel(*logLevel))

	geom, err := geometry.New(*chaptersPerVolume, uint32(*indexPagesPerChapter), uint32(*recordPagesPerChapter),
		uint32(*recordsPerPage), *sparseChaptersPerVolume)
	if err != nil {
		logging.Fatalf("vdoindex: invalid geometry: %v", err)
		os.Exit(1)
	}

	cfg := common.NewConfig().
		SetInt(common.KeyZoneCount, *zoneCount).
		SetInt(common.KeyOpenChapterCapacity, *openChapterCapacity).
		SetInt(common.KeyMasterIndexSampleRate, *sampleRate)

	loadType, err := parseLoadType(*loadTypeFlag)
	if err != nil {
		logging.Fatalf("vdoindex: %v", err)
		os.Exit(1)
	}

	vol := volume.New(geom)
	store := indexer.NewMemStore()
	loadContext := indexer.NewLoadContext()

	idx, err := indexer.MakeIndex(cfg, geom, vol, store, loadType, loadContext)
	if err != nil {
		logging.Fatalf("vdoindex: make_index failed: %v", err)
		os.Exit(1)
	}
	defer idx.Close()

	logging.Infof("vdoindex: ready, loaded_type=%v oldest=%d newest=%d",
		idx.LoadedType(), idx.OldestVirtualChapter(), idx.NewestVirtualChapter())

	handled := 0
	if *scriptPath != "" {
		handled, err = runScript(idx, *scriptPath, *zoneCount)
		if err != nil {
			logging.Fatalf("vdoindex: script failed: %v", err)
			os.Exit(1)
		}
	}

	if *doSave {
		if err := idx.Save(); err != nil {
			logging.Errorf("vdoindex: save failed: %v", err)
		}
	}

	snap := idx.Stats().Snapshot()
	lastCheckpoint, hasCheckpoint := idx.LastCheckpoint()
	summary := runSummary{
		LoadedType:      idx.LoadedType().String(),
		OldestChapter:   uint64(idx.OldestVirtualChapter()),
		NewestChapter:   uint64(idx.NewestVirtualChapter()),
		HasCheckpoint:   hasCheckpoint,
		LastCheckpoint:  uint64(lastCheckpoint),
		RequestsHandled: handled,
		Hits:            snap.Hits,
		Misses:          snap.Misses,
		OverflowRecords: snap.OverflowRecords,
		Deletes:         snap.Deletes,
	}

	if *summaryPath != "" {
		if err := writeSummary(*summaryPath, summary); err != nil {
			logging.Errorf("vdoindex: writing summary: %v", err)
		}
	}

	fmt.Printf("loaded_type=%s oldest=%d newest=%d requests=%d hits=%d misses=%d overflow=%d deletes=%d\n",
		summary.LoadedType, summary.OldestChapter, summary.NewestChapter, summary.RequestsHandled,
		summary.Hits, summary.Misses, summary.OverflowRecords, summary.Deletes)
}

func parseLoadType(s string) (common.LoadType, error) {
	switch strings.ToLower(s) {
	case "create":
		return common.LoadCreate, nil
	case "load":
		return common.LoadLoad, nil
	case "rebuild":
		return common.LoadRebuild, nil
	}
	return common.LoadCreate, fmt.Errorf("unrecognized -load value %q", s)
}

// chunkNameFor derives a deterministic ChunkName from a script token so
// test scripts can use readable names instead of raw hex fingerprints.
func chunkNameFor(token string) common.ChunkName {
	return common.ChunkName(sha256.Sum256([]byte(token)))
}

// zoneFor assigns a script line's request to a zone, the same
// hash-and-mod routing an external deduplicator would use to keep a
// fingerprint on one zone for its whole life.
func zoneFor(name common.ChunkName, zoneCount int) int {
	if zoneCount <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write(name[:])
	return int(h.Sum32()) % zoneCount
}

func runScript(idx *indexer.Index, path string, zoneCount int) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	handled := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			logging.Warnf("vdoindex: skipping malformed line %q", line)
			continue
		}
		action, err := parseAction(fields[0])
		if err != nil {
			logging.Warnf("vdoindex: %v", err)
			continue
		}
		metadata := ""
		if len(fields) >= 3 {
			metadata = strings.Join(fields[2:], " ")
		}

		name := chunkNameFor(fields[1])
		req := &indexer.Request{
			ChunkName:   name,
			ZoneNumber:  zoneFor(name, zoneCount),
			Action:      action,
			Update:      action == common.ActionUpdate,
			NewMetadata: common.Metadata(metadata),
		}

		if err := idx.DispatchRequest(req); err != nil {
			logging.Errorf("vdoindex: request %s %s failed: %v", fields[0], fields[1], err)
			continue
		}
		logging.Infof("vdoindex: %s %s -> %v", fields[0], fields[1], req.Location)
		handled++
	}
	return handled, scanner.Err()
}

func parseAction(s string) (common.Action, error) {
	switch strings.ToUpper(s) {
	case "QUERY":
		return common.ActionQuery, nil
	case "UPDATE":
		return common.ActionUpdate, nil
	case "INDEX":
		return common.ActionIndex, nil
	case "DELETE":
		return common.ActionDelete, nil
	}
	return 0, fmt.Errorf("unrecognized action %q", s)
}

func writeSummary(path string, summary runSummary) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(summary)
}
