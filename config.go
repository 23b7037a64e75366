// Copyright (c) 2024 The rob-script developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
	"github.com/vnprc/rob-script/electrum"
	"github.com/vnprc/rob-script/snapshot"
	"github.com/vnprc/rob-script/wallet"
)

const (
	defaultConfigFilename = "rob-script.conf"
	defaultLogFilename    = "rob-script.log"
	defaultLogDirname     = "logs"
	defaultLogLevel       = "info"
	defaultInputFile      = "data.json"
	defaultOutDir         = "."
	defaultFormat         = "json"
	defaultAddressCount   = snapshot.DefaultAddressCount
	defaultGapLimit       = wallet.DefaultGapLimit
	defaultTimeout        = electrum.DefaultTimeout
)

var (
	defaultHomeDir    = btcutil.AppDataDir("rob-script", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// config defines the configuration options for rob-script.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion  bool          `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile   string        `short:"C" long:"configfile" description:"Path to configuration file"`
	Input        string        `short:"i" long:"input" description:"Input record with the keys and policy templates (JSON, or YAML with a .yaml/.yml extension)"`
	OutDir       string        `short:"o" long:"outdir" description:"Directory to write the snapshot to"`
	OutFile      string        `long:"outfile" description:"File name of a combined snapshot (default wallet_snapshot.json or .yaml)"`
	Split        bool          `long:"split" description:"Write one file per part of the snapshot"`
	Format       string        `long:"format" choice:"json" choice:"yaml" description:"Encoding of the snapshot"`
	Addresses    int           `short:"n" long:"addresses" description:"Number of fresh receiving addresses"`
	GapLimit     uint32        `long:"gaplimit" description:"Consecutive unused addresses that end the scan of a branch"`
	Electrum     string        `short:"s" long:"electrum" description:"Electrum server as tcp://, ssl://, ws:// or wss://host:port (default depends on the network)"`
	Proxy        string        `long:"proxy" description:"Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	ProxyUser    string        `long:"proxyuser" description:"Username for proxy server"`
	ProxyPass    string        `long:"proxypass" default-mask:"-" description:"Password for proxy server"`
	TorIsolation bool          `long:"torisolation" description:"Enable Tor stream isolation by randomizing user credentials for each connection"`
	SkipVerify   bool          `long:"skipverify" description:"Do not verify the TLS certificate of the Electrum server"`
	Timeout      time.Duration `long:"timeout" description:"Timeout of a single Electrum request"`
	MainNet      bool          `long:"mainnet" description:"Use the main network"`
	RegTest      bool          `long:"regtest" description:"Use the regression test network"`
	SigNet       bool          `long:"signet" description:"Use the signet test network"`
	Offline      bool          `long:"offline" description:"Skip the Electrum server: zero balance and no transactions"`
	DebugLevel   string        `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	LogDir       string        `long:"logdir" description:"Directory to log output"`
	DrawTree     bool          `long:"drawtree" description:"Print both condition trees to standard output"`
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but they variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace":
		fallthrough
	case "debug":
		fallthrough
	case "info":
		fallthrough
	case "warn":
		fallthrough
	case "error":
		fallthrough
	case "critical":
		return true
	}
	return false
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimiters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "the specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsystems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// errCleanExit is returned by loadConfig when the requested output (help,
// version or the list of subsystems) has been printed and nothing else is
// left to do.
var errCleanExit = errors.New("clean exit")

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in rob-script functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig(args []string) (*config, error) {
	// Default config.
	cfg := config{
		ConfigFile: defaultConfigFile,
		Input:      defaultInputFile,
		OutDir:     defaultOutDir,
		Format:     defaultFormat,
		Addresses:  defaultAddressCount,
		GapLimit:   defaultGapLimit,
		Timeout:    defaultTimeout,
		DebugLevel: defaultLogLevel,
		LogDir:     defaultLogDir,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.ParseArgs(args)
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			return nil, errCleanExit
		}
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Println("rob-script version", version())
		return nil, errCleanExit
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.PassDoubleDash|flags.HelpFlag)
	err = flags.NewIniParser(parser).ParseFile(
		cleanAndExpandPath(preCfg.ConfigFile))
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			return nil, fmt.Errorf("error parsing config file: %v", err)
		}
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.ParseArgs(args)
	if err != nil {
		return nil, err
	}
	if len(remainingArgs) > 0 {
		return nil, fmt.Errorf("unexpected arguments %v", remainingArgs)
	}

	// Multiple networks can't be selected simultaneously.
	numNets := 0
	activeNetParams = &testNet3Params
	if cfg.MainNet {
		numNets++
		activeNetParams = &mainNetParams
	}
	if cfg.RegTest {
		numNets++
		activeNetParams = &regressionNetParams
	}
	if cfg.SigNet {
		numNets++
		activeNetParams = &sigNetParams
	}
	if numNets > 1 {
		return nil, errors.New("the mainnet, regtest and signet params " +
			"can't be used together -- choose one of the three")
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		return nil, errCleanExit
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return nil, err
	}

	if cfg.Addresses <= 0 {
		return nil, fmt.Errorf("the number of addresses must be "+
			"positive, got %d", cfg.Addresses)
	}
	if cfg.GapLimit == 0 {
		return nil, errors.New("the gap limit must be positive")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("the timeout must be positive, got %v",
			cfg.Timeout)
	}
	if cfg.Split && cfg.OutFile != "" {
		return nil, errors.New("--outfile can't be used with --split")
	}
	if cfg.ProxyUser != "" && cfg.Proxy == "" {
		return nil, errors.New("--proxyuser requires --proxy")
	}

	if cfg.Electrum == "" {
		cfg.Electrum = activeNetParams.electrumServer
	}

	cfg.Input = cleanAndExpandPath(cfg.Input)
	cfg.OutDir = cleanAndExpandPath(cfg.OutDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	return &cfg, nil
}
