// SPDX-FileCopyrightText: © 2026 Base Chat Authors
// SPDX-License-Identifier: AGPL-3.0-only

// basechat is the command line chat client. It starts the client
// against the configured ledger store and prints delivery and
// conversation events until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/ThirteenKF/base-chat/chat"
	"github.com/ThirteenKF/base-chat/chat/config"
	"github.com/ThirteenKF/base-chat/fhe"
	"github.com/ThirteenKF/base-chat/ledger"
	"github.com/ThirteenKF/base-chat/ledger/memledger"
	"github.com/ThirteenKF/base-chat/wallet"
)

type cliConfig struct {
	ConfigFile string
	Passphrase string
	Generate   bool
}

func newRootCommand() *cobra.Command {
	var cfg cliConfig

	cmd := &cobra.Command{
		Use:   "basechat",
		Short: "End-to-end encrypted ledger chat client",
		Long: `basechat runs the encrypted chat client against a local ledger store.

Outbound messages are split into per-character ciphertext units and
submitted to the ledger in one batch; conversations are rebuilt from
the ledger unit stream on every refresh.`,
		Example: `  # Create a fresh statefile and start the client
  basechat -f basechat.toml -p passphrase --generate

  # Resume from an existing statefile
  basechat -f basechat.toml -p passphrase`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.ConfigFile == "" {
				return fmt.Errorf("config file must be specified with -f/--config")
			}
			if cfg.Passphrase == "" {
				return fmt.Errorf("statefile passphrase must be specified with -p/--passphrase")
			}
			return run(&cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "", "configuration file")
	cmd.Flags().StringVarP(&cfg.Passphrase, "passphrase", "p", "", "statefile passphrase")
	cmd.Flags().BoolVar(&cfg.Generate, "generate", false, "create a new statefile")

	return cmd
}

func run(cliCfg *cliConfig) error {
	cfg, err := config.LoadFile(cliCfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file: %v", err)
	}
	logBackend, err := cfg.InitLogBackend()
	if err != nil {
		return err
	}

	var stateWorker *chat.StateWriter
	var state *chat.State
	if cliCfg.Generate {
		stateWorker, err = chat.NewStateWriter(logBackend.GetLogger("state"), cfg.StateFile, []byte(cliCfg.Passphrase))
	} else {
		stateWorker, state, err = chat.LoadStateWriter(logBackend.GetLogger("state"), cfg.StateFile, []byte(cliCfg.Passphrase))
	}
	if err != nil {
		return err
	}
	stateWorker.Start()

	self, err := ledger.ParseAddress(cfg.WalletAddress)
	if err != nil {
		return err
	}
	zoneSecret, err := cfg.ZoneSecret()
	if err != nil {
		return err
	}
	session, err := fhe.NewSession(self.String(), cfg.Encryption.SecurityZone, zoneSecret)
	if err != nil {
		return err
	}

	store, err := memledger.New(cfg.Ledger.Store, logBackend.GetLogger("memledger"))
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := chat.New(logBackend, store, wallet.NewStatic(self), session, stateWorker, state)
	if err != nil {
		return err
	}
	client.SetPollInterval(cfg.PollInterval())
	client.Start()
	defer client.Shutdown()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	for {
		select {
		case sig := <-sigCh:
			fmt.Printf("Caught %s, shutting down.\n", sig)
			return nil
		case event, ok := <-client.EventSink:
			if !ok {
				return nil
			}
			fmt.Printf("%T: %+v\n", event, event)
		}
	}
}

func main() {
	rootCmd := newRootCommand()

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}
