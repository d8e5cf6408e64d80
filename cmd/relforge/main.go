// Command relforge starts a single-node relforge server: it opens (or, with
// --init, wipes and bootstraps) the on-disk storage stack, runs ARIES
// recovery, then serves the Postgres wire protocol until killed.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/relforge/relforge/internal/catalog"
	"github.com/relforge/relforge/internal/checkpoint"
	"github.com/relforge/relforge/internal/config"
	"github.com/relforge/relforge/internal/exec"
	"github.com/relforge/relforge/internal/recovery"
	"github.com/relforge/relforge/internal/session"
	"github.com/relforge/relforge/internal/storage/buffer"
	"github.com/relforge/relforge/internal/storage/clog"
	"github.com/relforge/relforge/internal/storage/page"
	"github.com/relforge/relforge/internal/storage/wal"
	"github.com/relforge/relforge/internal/txn"
	"github.com/relforge/relforge/internal/wire"
)

func main() {
	dataDir := flag.String("data", "./data", "data directory (page file, WAL segments, CLOG, checkpoint.meta)")
	listenAddr := flag.String("listen", ":5432", "TCP address to serve the Postgres wire protocol on")
	initFlag := flag.Bool("init", false, "wipe data/WAL/CLOG/checkpoint and bootstrap a fresh database")
	autoCron := flag.String("checkpoint-cron", "", "optional cron schedule for an automatic background CHECKPOINT (e.g. \"0 * * * *\"); empty disables it")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "relforge: build logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg := config.Default(*dataDir)
	cfg.ListenAddr = *listenAddr
	cfg.AutoCheckpointCron = *autoCron

	if *initFlag {
		if err := os.RemoveAll(*dataDir); err != nil {
			log.Fatal("wipe data directory", zap.Error(err))
		}
	}
	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		log.Fatal("create data directory", zap.Error(err))
	}

	fresh := *initFlag
	if _, err := os.Stat(cfg.DataPath); os.IsNotExist(err) {
		fresh = true
	}

	disk, err := page.Open(cfg.DataPath, cfg.PageSize)
	if err != nil {
		log.Fatal("open page manager", zap.Error(err))
	}
	w, err := wal.Open(cfg.WALDir, cfg.SegmentRecordCap)
	if err != nil {
		log.Fatal("open WAL", zap.Error(err))
	}
	cl, err := clog.Open(cfg.CLOGPath)
	if err != nil {
		log.Fatal("open CLOG", zap.Error(err))
	}
	pool := buffer.New(disk, w, buffer.Config{Capacity: cfg.BufferPoolFrames})
	locks := txn.NewLockManager()

	var cat *catalog.Catalog
	var txns *txn.Manager

	if fresh {
		txns = txn.NewManager(w, cl, locks, pool, catalog.SystemTxnID)
		bootstrapID, _, err := txns.Begin()
		if err != nil {
			log.Fatal("begin bootstrap transaction", zap.Error(err))
		}
		if bootstrapID != catalog.SystemTxnID {
			log.Fatal("unexpected bootstrap transaction id", zap.Uint64("got", bootstrapID))
		}
		cat, err = catalog.Bootstrap(pool, txns, cl)
		if err != nil {
			log.Fatal("bootstrap catalog", zap.Error(err))
		}
		if err := txns.Commit(bootstrapID); err != nil {
			log.Fatal("commit bootstrap transaction", zap.Error(err))
		}
	} else {
		// recoveryTxns only drives loser rollback during recovery; its
		// starting id is irrelevant since recovery never calls Begin on
		// it, only RestoreATT+Rollback for transactions Analysis found
		// still active at crash time (spec.md §4.10).
		recoveryTxns := txn.NewManager(w, cl, locks, pool, 2)
		result, err := recovery.Recover(*dataDir, cfg.WALDir, disk, pool, w, cl, recoveryTxns)
		if err != nil {
			log.Fatal("recovery", zap.Error(err))
		}
		log.Info("recovery complete",
			zap.Uint64("records", uint64(result.RecordCount)),
			zap.Uint64("redo", uint64(result.RedoCount)),
			zap.Int("losers", len(result.LosersUndo)),
			zap.Uint64("next_txn_id", result.NextTxnID))

		txns = txn.NewManager(w, cl, locks, pool, result.NextTxnID)
		cat, err = catalog.Open(pool)
		if err != nil {
			log.Fatal("open catalog", zap.Error(err))
		}
	}

	chk := checkpoint.New(cfg.CheckpointDir, w, cl, txns, pool)

	if cfg.AutoCheckpointCron != "" {
		sched := cron.New()
		if _, err := sched.AddFunc(cfg.AutoCheckpointCron, func() {
			if err := chk.Run(); err != nil {
				log.Warn("automatic checkpoint failed", zap.Error(err))
			}
		}); err != nil {
			log.Fatal("parse checkpoint-cron", zap.Error(err))
		}
		sched.Start()
		defer sched.Stop()
	}

	exEngine := exec.NewEngine(pool, txns, locks, cat, cl)
	newEng := func() session.Engine {
		return session.Engine{Exec: exEngine, Txns: txns, Cat: cat, Check: chk, Log: log}
	}

	srv := wire.NewServer(cfg.ListenAddr, newEng, log)
	log.Info("relforge ready", zap.String("listen", cfg.ListenAddr))
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}
