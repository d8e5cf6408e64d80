// Package config holds the immutable startup configuration cmd/relforge
// builds once from CLI flags and threads down by value into the storage
// and session layers. Nothing inside internal/txn, internal/exec, or
// internal/storage reads a global — every constructor takes what it needs
// explicitly, per SPEC_FULL.md §3.10.
package config

// Config is the immutable set of knobs a relforge process starts with.
type Config struct {
	// DataPath is the page-addressed heap/index data file.
	DataPath string
	// WALDir holds the wal_NNNNNN.log segment files.
	WALDir string
	// CLOGPath is the page-addressed commit-log file.
	CLOGPath string
	// CheckpointDir holds checkpoint.meta.
	CheckpointDir string

	PageSize         int
	BufferPoolFrames int
	SegmentRecordCap int

	// ListenAddr is the TCP address internal/wire binds, e.g. ":5432".
	ListenAddr string

	// AutoCheckpointCron is an optional robfig/cron schedule expression;
	// empty disables the background checkpoint job (spec.md §4.11's
	// "issued on demand" remains the only required trigger — this is
	// pure process-wiring convenience per SPEC_FULL.md §4.12).
	AutoCheckpointCron string
}

// Default returns the out-of-the-box configuration for a data directory
// rooted at dir.
func Default(dir string) Config {
	return Config{
		DataPath:         dir + "/data.db",
		WALDir:           dir + "/wal",
		CLOGPath:         dir + "/clog.db",
		CheckpointDir:    dir,
		PageSize:         4096,
		BufferPoolFrames: 256,
		SegmentRecordCap: 10000,
		ListenAddr:       ":5432",
	}
}
