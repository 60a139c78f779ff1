// Package config centralises the runtime-tunable constants this engine's
// main.go used to hardcode (adapter path, pool sizes, advertising
// intervals), promoted to flag- and env-driven fields the way the
// teacher's top-level main.go constants are promoted here instead of left
// as scattered package vars.
package config

import (
	"flag"
	"os"
	"strconv"
)

// Config holds the knobs the composition root reads to bring the engine
// up: how many VOCS/AICS instances to size pools for, CSIS's bond-table
// capacity, and the monitoring HTTP address. AdapterPath and
// PSRIRotationSec are parsed but no component reads them.
type Config struct {
	// AdapterPath is the BlueZ adapter object path, e.g. "/org/bluez/hci0".
	// NewBlueZAdapter locates its adapter itself and does not take it.
	AdapterPath string

	// HTTPAddr is the monitoring/status server's listen address.
	HTTPAddr string

	// VocsCount and AicsCount size the VOCS/AICS pools VCS acquires its
	// included instances from (spec.md §3.7).
	VocsCount int
	AicsCount int

	// SinkASECount and SourceASECount size ASCS's fixed ASE table.
	SinkASECount  int
	SourceASECount int

	// InitialVolume and VolumeStep seed VCS's starting state.
	InitialVolume uint8
	VolumeStep    uint8

	// CSISSeed derives the Set Identity Resolving Key (spec.md §4.5).
	CSISSeed uint32

	// CSISSetSize and CSISRank are this device's coordinated-set size and
	// rank, advertised via the Set Size/Rank characteristics.
	CSISSetSize uint8
	CSISRank    uint8

	// CSISBondTableSize caps the bonded-peer pending-notification ring;
	// beyond this many bonded peers, the oldest pending entry is evicted
	// to make room rather than refusing the new one (spec.md §4.5).
	CSISBondTableSize int

	// PSRIRotationSec is the PSRI advertising rotation interval. No
	// advertising scheduler reads it.
	PSRIRotationSec int
}

// Defaults returns the values main.go falls back to when neither a flag
// nor an environment variable overrides them.
func Defaults() Config {
	return Config{
		AdapterPath:       "/org/bluez/hci0",
		HTTPAddr:          ":8080",
		VocsCount:         1,
		AicsCount:         1,
		SinkASECount:      2,
		SourceASECount:    0,
		InitialVolume:     64,
		VolumeStep:        8,
		CSISSeed:          1,
		CSISSetSize:       2,
		CSISRank:          1,
		CSISBondTableSize: 8,
		PSRIRotationSec:   15,
	}
}

// Load parses flags out of args (pass os.Args[1:] in main) over top of
// Defaults(), with any LEAUDIOD_* environment variable overriding the
// default before flags are applied -- the same "env seeds it, flag wins"
// precedence the teacher's main.go gives UNDER_SUPERVISOR/PORT.
func Load(args []string) (Config, error) {
	cfg := Defaults()
	applyEnv(&cfg)

	fs := flag.NewFlagSet("leauided", flag.ContinueOnError)
	fs.StringVar(&cfg.AdapterPath, "adapter", cfg.AdapterPath, "BlueZ adapter object path")
	fs.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "monitoring HTTP server listen address")
	fs.IntVar(&cfg.VocsCount, "vocs-count", cfg.VocsCount, "number of included VOCS instances")
	fs.IntVar(&cfg.AicsCount, "aics-count", cfg.AicsCount, "number of included AICS instances")
	fs.IntVar(&cfg.SinkASECount, "sink-ase-count", cfg.SinkASECount, "number of Sink ASE characteristics")
	fs.IntVar(&cfg.SourceASECount, "source-ase-count", cfg.SourceASECount, "number of Source ASE characteristics")
	initialVolume := uint(cfg.InitialVolume)
	volumeStep := uint(cfg.VolumeStep)
	csisSetSize := uint(cfg.CSISSetSize)
	csisRank := uint(cfg.CSISRank)
	fs.UintVar(&initialVolume, "initial-volume", initialVolume, "starting VCS volume setting")
	fs.UintVar(&volumeStep, "volume-step", volumeStep, "VCS relative volume step")
	fs.UintVar(&csisSetSize, "csis-set-size", csisSetSize, "coordinated set size")
	fs.UintVar(&csisRank, "csis-rank", csisRank, "this device's rank within its coordinated set")
	fs.IntVar(&cfg.CSISBondTableSize, "csis-bond-table-size", cfg.CSISBondTableSize, "bonded-peer pending-notification ring capacity")
	fs.IntVar(&cfg.PSRIRotationSec, "psri-rotation-sec", cfg.PSRIRotationSec, "PSRI advertising rotation interval, seconds")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.InitialVolume = uint8(initialVolume)
	cfg.VolumeStep = uint8(volumeStep)
	cfg.CSISSetSize = uint8(csisSetSize)
	cfg.CSISRank = uint8(csisRank)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LEAUDIOD_ADAPTER"); v != "" {
		cfg.AdapterPath = v
	}
	if v := os.Getenv("LEAUDIOD_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("LEAUDIOD_VOCS_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VocsCount = n
		}
	}
	if v := os.Getenv("LEAUDIOD_AICS_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AicsCount = n
		}
	}
	if v := os.Getenv("LEAUDIOD_CSIS_SEED"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.CSISSeed = uint32(n)
		}
	}
}
