package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gridworld.ai/internal/client"
	"gridworld.ai/internal/persistence/indexdb"
	"gridworld.ai/internal/persistence/runlog"
	"gridworld.ai/internal/protocol"
	"gridworld.ai/internal/sim/hospital"
	"gridworld.ai/internal/sim/tuning"
	"gridworld.ai/internal/transport/observer"
)

func main() {
	var (
		levelPath  = flag.String("level", "", "path to level file (required)")
		clientCmd  = flag.String("client", "", "client command line (required)")
		timeoutSec = flag.Int("timeout", -1, "per-run budget in seconds (0 = infinite; -1 = tuning default)")
		logPath    = flag.String("log", "", "run log path (default: <log_dir>/<level>_<stamp>.log.zst)")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (optional)")
		addr       = flag.String("addr", "", "http listen address (empty = tuning default; \"off\" disables)")
		dbPath     = flag.String("db", "", "run index db path (empty = tuning default)")
		disableDB  = flag.Bool("disable_db", false, "disable the run index")
		discard    = flag.Bool("discard_past", false, "keep only the latest state (disables replay verification)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	if *levelPath == "" || *clientCmd == "" {
		fmt.Fprintln(os.Stderr, "missing -level or -client")
		os.Exit(2)
	}

	tune := loadTuning(*tuningPath, logger)
	budget := time.Duration(tune.TimeoutSeconds) * time.Second
	if *timeoutSec >= 0 {
		budget = time.Duration(*timeoutSec) * time.Second
	}
	listen := tune.Addr
	if *addr != "" {
		listen = *addr
	}
	if listen == "off" {
		listen = ""
	}
	indexPath := tune.DBPath
	if *dbPath != "" {
		indexPath = *dbPath
	}

	levelData, err := os.ReadFile(*levelPath)
	if err != nil {
		logger.Fatalf("read level: %v", err)
	}
	seq, err := hospital.LoadLevel(bytes.NewReader(levelData))
	if err != nil {
		logger.Fatalf("load level: %v", err)
	}
	if *discard || tune.DiscardPastStates {
		seq.DiscardPastStates()
		logger.Printf("discarding past states; the run log will not be replay-verifiable")
	}

	lp := *logPath
	if lp == "" {
		base := fmt.Sprintf("%s_%s.log", sanitizeName(seq.Level().Name), time.Now().Format("2006-01-02_15-04-05"))
		if tune.CompressLogs {
			base += ".zst"
		}
		lp = filepath.Join(tune.LogDir, base)
	}
	logOut, err := runlog.Create(lp)
	if err != nil {
		logger.Fatalf("create run log: %v", err)
	}
	logger.Printf("writing run log to %s", lp)

	engine := protocol.New(seq, levelData, logger)

	timeout := client.NewTimeout()
	go func() {
		ch := make(chan os.Signal, 2)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		logger.Printf("received termination signal; aborting run")
		timeout.Expire()
	}()

	var httpSrv *http.Server
	if listen != "" {
		httpSrv = startHTTP(listen, seq, engine, logger)
	}

	runner := &client.Runner{
		Command:  *clientCmd,
		Budget:   budget,
		Logger:   logger,
		LogOut:   logOut,
		CloseLog: true,
		Protocol: engine.Run,
	}
	if err := runner.Run(timeout); err != nil {
		logger.Fatalf("run: %v", err)
	}

	for _, line := range engine.Status() {
		fmt.Println(line)
	}

	if !*disableDB && indexPath != "" {
		recordRun(indexPath, seq, engine, lp, logger)
	}

	if httpSrv != nil {
		_ = httpSrv.Close()
	}
}

func loadTuning(path string, logger *log.Logger) tuning.Tuning {
	if path == "" {
		return tuning.Defaults()
	}
	tune, err := tuning.Load(path)
	if err != nil {
		logger.Fatalf("load tuning: %v", err)
	}
	return tune
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

func startHTTP(addr string, seq *hospital.Sequence, engine *protocol.Engine, logger *log.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		level := seq.Level().Name

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP gridworld_run_states Number of recorded states (initial state included).\n")
		fmt.Fprintf(rw, "# TYPE gridworld_run_states gauge\n")
		fmt.Fprintf(rw, "gridworld_run_states{level=%q} %d\n", level, seq.NumStates())

		fmt.Fprintf(rw, "# HELP gridworld_run_actions Number of executed joint actions.\n")
		fmt.Fprintf(rw, "# TYPE gridworld_run_actions gauge\n")
		fmt.Fprintf(rw, "gridworld_run_actions{level=%q} %d\n", level, engine.NumActions())

		solved := 0
		if seq.Solved() {
			solved = 1
		}
		fmt.Fprintf(rw, "# HELP gridworld_run_solved Whether the latest state satisfies the goal.\n")
		fmt.Fprintf(rw, "# TYPE gridworld_run_solved gauge\n")
		fmt.Fprintf(rw, "gridworld_run_solved{level=%q} %d\n", level, solved)
	})

	obsSrv := observer.NewServer(seq, logger)
	mux.HandleFunc("/v1/observer/bootstrap", obsSrv.BootstrapHandler())
	mux.HandleFunc("/v1/observer/ws", obsSrv.WSHandler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Printf("listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("ListenAndServe: %v", err)
		}
	}()
	return srv
}

func recordRun(path string, seq *hospital.Sequence, engine *protocol.Engine, logPath string, logger *log.Logger) {
	db, err := indexdb.Open(path)
	if err != nil {
		logger.Printf("open run index: %v", err)
		return
	}
	defer db.Close()

	last := seq.NumStates() - 1
	rec := indexdb.RunRecord{
		LevelName:  seq.Level().Name,
		ClientName: engine.ClientName(),
		Solved:     seq.IsGoalState(last),
		NumActions: engine.NumActions(),
		TimeNS:     seq.StateTime(last),
		LogPath:    logPath,
	}
	if err := db.RecordRun(rec); err != nil {
		logger.Printf("record run: %v", err)
	}
}
