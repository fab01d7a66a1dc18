package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/asheshgoplani/groupwatch/internal/config"
	"github.com/asheshgoplani/groupwatch/internal/logging"
)

const Version = "0.3.0"

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		switch args[0] {
		case "version", "--version", "-v":
			fmt.Printf("groupwatch v%s\n", Version)
			return
		case "help", "--help", "-h":
			printHelp()
			return
		case "serve", "sessions", "pair":
			cmd = args[0]
			args = args[1:]
		default:
			if args[0] != "" && args[0][0] != '-' {
				fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
				printHelp()
				os.Exit(1)
			}
		}
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "sessions":
		err = runSessions(args)
	case "pair":
		err = runPair(args)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Printf("groupwatch v%s\n", Version)
	fmt.Println("Watches WhatsApp groups for keywords and alerts each user.")
	fmt.Println()
	fmt.Println("Usage: groupwatch [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve        Run the alert service (default)")
	fmt.Println("  sessions     List sessions on a running server (admin token)")
	fmt.Println("  pair <user>  Pair a user's WhatsApp account from this terminal")
	fmt.Println("  version      Print the version")
	fmt.Println("  help         Show this help")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  groupwatch serve --config ~/.groupwatch/config.toml")
	fmt.Println("  groupwatch serve --listen 0.0.0.0:8430 --debug")
	fmt.Println("  groupwatch sessions --server http://127.0.0.1:8430 --token $GROUPWATCH_ADMIN_TOKEN")
	fmt.Println("  groupwatch pair alice")
}

// initLogging configures structured logging from the [logs] section and
// routes stdlib log output into it. The returned func flushes and closes.
func initLogging(cfg *config.Config, debug bool) func() {
	ls := cfg.Logs
	logging.Init(logging.Config{
		Debug:                 debug,
		LogDir:                ls.Dir,
		Level:                 ls.Level,
		Format:                ls.Format,
		MaxSizeMB:             ls.MaxSizeMB,
		MaxBackups:            ls.MaxBackups,
		MaxAgeDays:            ls.MaxAgeDays,
		Compress:              ls.Compress,
		RingBufferSize:        4 * 1024 * 1024,
		AggregateIntervalSecs: 30,
		PprofEnabled:          ls.Pprof,
	})
	log.SetFlags(0)
	log.SetOutput(logging.NewBridgeWriter(logging.CompLegacy))

	// SIGUSR1 dumps the ring buffer for post-mortem debugging.
	usr1Chan := make(chan os.Signal, 1)
	signal.Notify(usr1Chan, syscall.SIGUSR1)
	go func() {
		for range usr1Chan {
			dumpPath := filepath.Join(cfg.DataDir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			if err := logging.DumpRingBuffer(dumpPath); err != nil {
				logging.Logger().Error("crash_dump_failed", slog.String("error", err.Error()))
			} else {
				logging.Logger().Info("crash_dump_written", slog.String("path", dumpPath))
			}
		}
	}()

	return func() {
		signal.Stop(usr1Chan)
		logging.Shutdown()
	}
}
