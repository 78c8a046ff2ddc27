package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"math/big"
	mathrand "math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/shanyp/neon/capability"
	"github.com/shanyp/neon/capability/mdbcap"
	"github.com/shanyp/neon/capability/muxcap"
	"github.com/shanyp/neon/capability/pgcap"
	"github.com/shanyp/neon/config"
	"github.com/shanyp/neon/sched"
	"github.com/shanyp/neon/stats"
	"github.com/shanyp/neon/walutil"
	"github.com/shanyp/neon/wire"
)

func main() {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	if err := run(logger); err != nil {
		logger.Log("msg", "fatal error", "error", err)
		os.Exit(1)
	}
}

func run(logger log.Logger) error {
	var configFile, dataDir string
	var syncSafekeepers bool
	var redoStartLsn uint64

	flag.StringVar(&configFile, "config", "", "`Path` to properties configuration file (required).")
	flag.StringVar(&dataDir, "dir", "", "`Path` to the local data directory holding the shared-memory term cell and WAL store.")
	flag.BoolVar(&syncSafekeepers, "sync-safekeepers", false, "Run in --sync-safekeepers mode: reconcile every safekeeper to a common LSN and exit.")
	flag.Uint64Var(&redoStartLsn, "redo-start-lsn", 0, "getRedoStartLsn() for this timeline, used to bootstrap the local WAL store.")
	flag.Parse()

	if configFile == "" {
		flag.Usage()
		return fmt.Errorf("missing required -config flag")
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	cfg.SyncSafekeepers = cfg.SyncSafekeepers || syncSafekeepers

	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return err
	}

	reg := stats.NewRegistry(nil)

	wal, err := walutil.Open(dataDir+"/wal", wire.Lsn(redoStartLsn))
	if err != nil {
		return fmt.Errorf("opening wal store: %w", err)
	}
	defer wal.Close()

	shmem, err := mdbcap.Open(dataDir + "/shmem")
	if err != nil {
		return fmt.Errorf("opening shared-memory term cell: %w", err)
	}
	defer shmem.Close()

	conns := pgcap.NewManager()
	mux := muxcap.New(conns, 5*time.Millisecond)

	facade := capability.Facade{
		Clock:       realClock{},
		Multiplexer: mux,
		Connection:  conns,
		WAL:         wal,
		Shmem:       shmem,
		Rand:        cryptoRand{},
		Hooks:       &logHooks{logger: logger},
	}

	seed, err := cryptoInt64()
	if err != nil {
		return fmt.Errorf("seeding backoff rng: %w", err)
	}
	rng := mathrand.New(mathrand.NewSource(seed))

	scheduler, err := sched.Create(cfg, facade, logger, reg, rng)
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	var freeOnce sync.Once
	free := func() { freeOnce.Do(scheduler.Free) }
	defer free()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-shutdown
		logger.Log("msg", "shutdown requested")
		free()
	}()

	logger.Log("msg", "starting", "safekeepers", len(cfg.Safekeepers), "quorum", cfg.Quorum(), "syncSafekeepers", cfg.SyncSafekeepers)
	return scheduler.Start()
}

// realClock implements capability.Clock over time.Now.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// cryptoRand implements capability.Rand over crypto/rand (§6.2's
// strongRandom). The ProposerUUID in the greeting and vote request is
// generated by paxos.New with uuid.New, not through this capability.
type cryptoRand struct{}

func (cryptoRand) StrongRandom(dst []byte) error {
	_, err := rand.Read(dst)
	return err
}

func cryptoInt64() (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return 0, err
	}
	return n.Int64(), nil
}

// logHooks is the default capability.Hooks: every lifecycle event is
// logged through the same go-kit logger the rest of the process uses,
// mirroring how the teacher's components log through the ConnectionManager's
// shared logger rather than printing directly.
type logHooks struct {
	logger log.Logger
}

func (h *logHooks) StartStreaming(startLsn wire.Lsn) {
	h.logger.Log("msg", "streaming started", "startLsn", uint64(startLsn))
}

func (h *logHooks) FinishSyncSafekeepers(lsn wire.Lsn) {
	fmt.Println(uint64(lsn))
	h.logger.Log("msg", "sync-safekeepers finished", "lsn", uint64(lsn))
}

func (h *logHooks) ProcessSafekeeperFeedback(commitLsn wire.Lsn) {
	h.logger.Log("msg", "feedback", "commitLsn", uint64(commitLsn))
}

func (h *logHooks) ConfirmWalStreamed(truncateLsn wire.Lsn) {
	h.logger.Log("msg", "wal confirmed streamed", "truncateLsn", uint64(truncateLsn))
}

func (h *logHooks) AfterElection() {
	h.logger.Log("msg", "election complete")
}

func (h *logHooks) LogInternal(level string, line string) {
	h.logger.Log("level", level, "msg", line)
}
