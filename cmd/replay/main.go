// Command replay re-executes a run log against a fresh simulation and
// cross-checks the recorded summary, detecting tampered or corrupt
// logs.
package main

import (
	"flag"
	"fmt"
	"os"

	"gridworld.ai/internal/persistence/runlog"
	"gridworld.ai/internal/sim/hospital"
)

func main() {
	var logPath = flag.String("log", "", "path to run log (.log or .log.zst)")
	flag.Parse()

	if *logPath == "" {
		fmt.Fprintln(os.Stderr, "missing -log")
		os.Exit(2)
	}

	f, err := runlog.Open(*logPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open log:", err)
		os.Exit(1)
	}
	defer f.Close()

	seq, sum, err := hospital.LoadLog(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}

	fmt.Printf("replay ok: level=%q client=%q solved=%t actions=%d time=%.3fs (states=%d)\n",
		sum.LevelName, sum.ClientName, sum.Solved, sum.NumActions,
		float64(sum.TimeNS)/1e9, seq.NumStates())
}
