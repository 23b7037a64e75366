// Copyright (c) 2024 The rob-script developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/vnprc/rob-script/electrum"
	"github.com/vnprc/rob-script/policytree"
	"github.com/vnprc/rob-script/snapshot"
	"github.com/vnprc/rob-script/template"
	"github.com/vnprc/rob-script/wallet"
)

// dialLedger connects to the Electrum server of the configuration and logs
// what it reports about itself.
func dialLedger(ctx context.Context, cfg *config) (*electrum.Client, error) {
	client, err := electrum.Dial(ctx, &electrum.Config{
		Server:       cfg.Electrum,
		Proxy:        cfg.Proxy,
		ProxyUser:    cfg.ProxyUser,
		ProxyPass:    cfg.ProxyPass,
		TorIsolation: cfg.TorIsolation,
		SkipVerify:   cfg.SkipVerify,
		Timeout:      cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}

	software, protocol, err := client.ServerVersion(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}
	tip, err := client.BlockchainHeadersSubscribe(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}
	log.Infof("Connected to %s (%s, protocol %s) at height %d",
		cfg.Electrum, software, protocol, tip.Height)

	return client, nil
}

// robscriptMain is the real main function for rob-script.  It is necessary to
// work around the fact that deferred functions do not run when os.Exit() is
// called.
func robscriptMain(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		if errors.Is(err, errCleanExit) {
			return nil
		}
		return err
	}

	if err := initLogRotator(filepath.Join(cfg.LogDir,
		defaultLogFilename)); err != nil {
		return err
	}
	defer logRotator.Close()

	log.Infof("Version %s", version())
	log.Infof("Active network: %s", activeNetParams.Name)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	input, err := template.LoadInput(cfg.Input)
	if err != nil {
		return snapshot.Error{
			Kind:  snapshot.ErrInput,
			Stage: "load input",
			Err:   err,
		}
	}

	// The input is resolved and compiled before the server is contacted.
	compiled, err := snapshot.Compile(snapshot.Config{
		Net:          activeNetParams.Params,
		AddressCount: cfg.Addresses,
		GapLimit:     cfg.GapLimit,
		Offline:      cfg.Offline,
	}, input)
	if err != nil {
		return err
	}

	var ledger wallet.Ledger
	if !cfg.Offline {
		client, err := dialLedger(ctx, cfg)
		if err != nil {
			return snapshot.Error{
				Kind:  snapshot.ErrNetwork,
				Stage: "connect ledger",
				Err:   err,
			}
		}
		defer client.Close()
		ledger = client
	}

	snap, err := compiled.Build(ctx, ledger)
	if err != nil {
		return err
	}

	if cfg.DrawTree {
		fmt.Printf("external policy\n%s\n", policytree.Draw(snap.ExternalPolicy))
		fmt.Printf("internal policy\n%s\n", policytree.Draw(snap.InternalPolicy))
	}

	mode := snapshot.Combined
	if cfg.Split {
		mode = snapshot.Split
	}
	format, err := snapshot.ParseFormat(cfg.Format)
	if err != nil {
		return err
	}
	w := &snapshot.Writer{
		Dir:      cfg.OutDir,
		Mode:     mode,
		Format:   format,
		FileName: cfg.OutFile,
	}
	paths, err := w.Write(snap)
	if err != nil {
		return err
	}
	for _, path := range paths {
		log.Infof("Wrote %s", path)
	}

	return nil
}

func main() {
	if err := robscriptMain(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
