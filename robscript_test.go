// Copyright (c) 2024 The rob-script developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
	"github.com/vnprc/rob-script/snapshot"
)

// baseArgs points the config file and the log directory into dir.
func baseArgs(dir string) []string {
	return []string{
		"--configfile=" + filepath.Join(dir, "missing.conf"),
		"--logdir=" + filepath.Join(dir, "logs"),
	}
}

// The tests below change the package-global network and log levels and are
// not run in parallel.

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := loadConfig(baseArgs(dir))
	require.NoError(t, err)
	require.Equal(t, &testNet3Params, activeNetParams)
	require.Equal(t, testNet3Params.electrumServer, cfg.Electrum)
	require.Equal(t, defaultAddressCount, cfg.Addresses)
	require.EqualValues(t, defaultGapLimit, cfg.GapLimit)
	require.Equal(t, defaultTimeout, cfg.Timeout)
	require.Equal(t, "json", cfg.Format)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "rob-script.conf")
	err := os.WriteFile(confPath, []byte("regtest=true\naddresses=3\n"+
		"electrum=tcp://10.0.0.1:50001\n"), 0600)
	require.NoError(t, err)

	args := []string{
		"--configfile=" + confPath,
		"--logdir=" + dir,
		"--addresses=5",
		"--timeout=5s",
	}
	cfg, err := loadConfig(args)
	require.NoError(t, err)
	require.Equal(t, &regressionNetParams, activeNetParams)
	require.Equal(t, "tcp://10.0.0.1:50001", cfg.Electrum)
	require.Equal(t, 5, cfg.Addresses)
	require.Equal(t, 5*time.Second, cfg.Timeout)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	tests := [][]string{
		{"--mainnet", "--signet"},
		{"--addresses=0"},
		{"--gaplimit=0"},
		{"--split", "--outfile=x.json"},
		{"--proxyuser=alice"},
		{"--format=toml"},
		{"--debuglevel=loud"},
		{"--debuglevel=NOPE=debug"},
		{"--debuglevel=SNAP"},
		{"extra"},
	}

	for _, test := range tests {
		_, err := loadConfig(append(baseArgs(dir), test...))
		require.Error(t, err, test)
	}

	_, err := loadConfig(append(baseArgs(dir), "--version"))
	require.True(t, errors.Is(err, errCleanExit))
	_, err = loadConfig(append(baseArgs(dir), "--debuglevel=show"))
	require.True(t, errors.Is(err, errCleanExit))
}

func TestParseAndSetDebugLevels(t *testing.T) {
	require.NoError(t, parseAndSetDebugLevels("debug"))
	require.NoError(t, parseAndSetDebugLevels("SNAP=trace,ELEC=warn"))
	require.Error(t, parseAndSetDebugLevels("SNAP=trace,ELEC"))
	require.Equal(t, []string{
		"DESC", "ELEC", "PLCY", "ROBS", "SNAP", "TMPL", "WLLT",
	}, supportedSubsystems())
	require.NoError(t, parseAndSetDebugLevels(defaultLogLevel))
}

func TestVersion(t *testing.T) {
	require.Equal(t, "0.1.0-beta", version())
	require.Equal(t, "abc-1", normalizeVerString("a!b.c-1"))
}

// TestOfflineRun runs the whole program without a ledger and checks the
// written snapshot.
func TestOfflineRun(t *testing.T) {
	dir := t.TempDir()

	seed := bytes.Repeat([]byte{0x44}, hdkeychain.RecommendedSeedLen)
	master, err := hdkeychain.NewMaster(seed, &chaincfg.TestNet3Params)
	require.NoError(t, err)
	xpub, err := master.Neuter()
	require.NoError(t, err)

	inputPath := filepath.Join(dir, "data.json")
	content, err := json.Marshal(map[string]string{
		"pubkey1": xpub.String() + "/0/*",
		"policy":  "or(pk($MY_KEY),older(144))",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(inputPath, content, 0600))

	outDir := filepath.Join(dir, "out")
	args := append(baseArgs(dir),
		"--input="+inputPath,
		"--outdir="+outDir,
		"--offline",
		"--addresses=4",
	)
	require.NoError(t, robscriptMain(args))

	content, err = os.ReadFile(filepath.Join(outDir,
		snapshot.DefaultFileName))
	require.NoError(t, err)

	var snap snapshot.Snapshot
	require.NoError(t, json.Unmarshal(content, &snap))
	require.Len(t, snap.Addresses, 4)
	require.Empty(t, snap.Transactions)
	require.Equal(t, "OrD", snap.ExternalPolicy.Kind)

	// A missing key fails before anything is written.
	require.NoError(t, os.WriteFile(inputPath,
		[]byte(`{"policy": "pk($MY_KEY)"}`), 0600))
	err = robscriptMain(append(args, "--outdir="+filepath.Join(dir, "none")))
	require.True(t, errors.Is(err, snapshot.Error{Kind: snapshot.ErrInput}))
	_, err = os.Stat(filepath.Join(dir, "none"))
	require.True(t, os.IsNotExist(err))
}

// TestInputCheckedBeforeLedger points the run at a closed port and expects
// input and compile failures to be reported without contacting it.
func TestInputCheckedBeforeLedger(t *testing.T) {
	dir := t.TempDir()
	inputPath := filepath.Join(dir, "data.json")
	outDir := filepath.Join(dir, "out")
	args := append(baseArgs(dir),
		"--input="+inputPath,
		"--outdir="+outDir,
		"--electrum=tcp://127.0.0.1:1",
		"--timeout=2s",
	)

	tests := []struct {
		input string
		kind  snapshot.ErrorKind
	}{
		{`{"policy": "or(pk($MY_KEY),older(144))"}`, snapshot.ErrInput},
		{`{"pubkey1": "notakey", "policy": "pk($MY_KEY)"}`,
			snapshot.ErrCompilation},
		{`{"pubkey1": "A", "policy": "or(pk($MY_KEY)"}`,
			snapshot.ErrCompilation},
		{`{`, snapshot.ErrInput},
	}

	for _, test := range tests {
		require.NoError(t, os.WriteFile(inputPath, []byte(test.input),
			0600))

		err := robscriptMain(args)
		require.True(t, errors.Is(err, snapshot.Error{Kind: test.kind}),
			"%s: %v", test.input, err)
		require.NotContains(t, err.Error(), "connect ledger")

		_, err = os.Stat(outDir)
		require.True(t, os.IsNotExist(err))
	}
}
