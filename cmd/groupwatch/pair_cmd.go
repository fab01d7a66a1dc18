package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mdp/qrterminal/v3"

	"github.com/asheshgoplani/groupwatch/internal/session"
	"github.com/asheshgoplani/groupwatch/internal/whatsapp"
)

func runPair(args []string) error {
	fs := flag.NewFlagSet("pair", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config.toml (default <data-dir>/config.toml)")
	dataDir := fs.String("data-dir", "", "Data directory, overrides data_dir")
	timeout := fs.Duration("timeout", 3*time.Minute, "Give up if pairing does not complete in time")
	force := fs.Bool("force", false, "Pair again even if the user already has credentials")

	fs.Usage = func() {
		fmt.Println("Usage: groupwatch pair <user> [options]")
		fmt.Println()
		fmt.Println("Link a user's WhatsApp account by scanning a QR code in this terminal.")
		fmt.Println("Stop the server first: a user's credentials must not be open twice.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		return fmt.Errorf("flag parsing: %w", err)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("exactly one user id is required")
	}
	userID := fs.Arg(0)

	cfg, err := loadConfig(*configPath, *dataDir)
	if err != nil {
		return err
	}
	closeLogs := initLogging(cfg, false)
	defer closeLogs()

	creds := whatsapp.NewCredentials(cfg.CredentialsDir())
	if creds.HasCredentials(userID) && !*force {
		return fmt.Errorf("user %q is already paired (use --force to pair again)", userID)
	}

	client, err := whatsapp.NewFactory(creds).NewClient(userID)
	if err != nil {
		return err
	}
	defer client.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := client.Initialize(ctx); err != nil {
		return err
	}
	return awaitPairing(ctx, client.Events(), os.Stdout, isTerminal(os.Stdout))
}

// awaitPairing renders each challenge and returns once the client is ready.
func awaitPairing(ctx context.Context, events <-chan session.ClientEvent, out io.Writer, renderQR bool) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("pairing did not complete: %w", ctx.Err())
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("connection closed before pairing completed")
			}
			switch ev.Kind {
			case session.ClientPairingChallenge:
				fmt.Fprintln(out, "Scan with WhatsApp > Linked devices > Link a device:")
				if renderQR {
					qrterminal.GenerateHalfBlock(ev.Challenge, qrterminal.L, out)
				} else {
					fmt.Fprintln(out, ev.Challenge)
				}
			case session.ClientReady:
				fmt.Fprintln(out, "Paired. Start the server to begin watching groups.")
				return nil
			case session.ClientAuthFailure:
				return fmt.Errorf("pairing rejected: %s", ev.Reason)
			case session.ClientDisconnected:
				return fmt.Errorf("pairing failed: %s", ev.Reason)
			}
		}
	}
}
