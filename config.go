package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/tidewallet/tidewallet/internal/cfgutil"
)

const (
	defaultConfigFilename = "tidewallet.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "tidewallet.log"
	defaultWalletDbName   = "wallet.db"

	defaultGatewayPort = "8546"
	defaultProxyPort   = "9050"

	defaultIdleTimeout      = 5 * time.Minute
	defaultCacheSize        = 256
	defaultCacheTTL         = 30 * time.Second
	defaultQueryConcurrency = 8
	defaultQueryRetries     = 3
	defaultQueryBaseDelay   = 100 * time.Millisecond
	defaultQueryMaxDelay    = 10 * time.Second
	defaultSyncInterval     = time.Minute
)

var (
	defaultAppDataDir = appDataDir()
	defaultConfigFile = filepath.Join(defaultAppDataDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(defaultAppDataDir, defaultLogDirname)
)

// config defines the configuration options for the wallet daemon.
//
// See loadConfig for details on the configuration load process.
type config struct {
	// General application behavior.
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	AppDataDir  string `short:"A" long:"appdata" description:"Application data directory for the wallet database and logs"`
	Create      bool   `long:"create" description:"Create the new wallet in the specified data directory"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	LogDir      string `long:"logdir" description:"Directory to log output"`
	Unlock      bool   `long:"unlock" description:"Prompt for the wallet passphrase and unlock the session at startup"`

	// Chain gateway connection.
	Gateway   string `short:"c" long:"gateway" description:"Websocket endpoint of the chain gateway to query balances from"`
	Proxy     string `long:"proxy" description:"Connect to the gateway via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	ProxyUser string `long:"proxyuser" description:"Username for proxy server"`
	ProxyPass string `long:"proxypass" default-mask:"-" description:"Password for proxy server"`

	// Session and query engine tuning.
	IdleTimeout      time.Duration `long:"idletimeout" description:"Automatically lock the wallet after this duration without activity (0 disables)"`
	CacheSize        int           `long:"cachesize" description:"Maximum number of cached query results"`
	CacheTTL         time.Duration `long:"cachettl" description:"Lifetime of cached query results"`
	QueryConcurrency int           `long:"queryconcurrency" description:"Maximum number of balance queries in flight"`
	QueryRetries     int           `long:"queryretries" description:"Retry attempts for transient query failures (0 disables retries)"`
	QueryBaseDelay   time.Duration `long:"querybasedelay" description:"Initial retry backoff delay"`
	QueryMaxDelay    time.Duration `long:"querymaxdelay" description:"Retry backoff delay ceiling"`
	SyncInterval     time.Duration `long:"syncinterval" description:"Interval between background balance refreshes (0 disables)"`
}

// appDataDir returns the default data directory for the wallet, which is
// ~/.tidewallet on Unix-like systems and the platform application data
// directory elsewhere.
func appDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("LOCALAPPDATA"); appData != "" {
			return filepath.Join(appData, "Tidewallet")
		}
		return filepath.Join(homeDir, "Tidewallet")
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support",
			"Tidewallet")
	default:
		return filepath.Join(homeDir, ".tidewallet")
	}
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = strings.Replace(path, "~", homeDir, 1)
		}
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in the daemon functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		ConfigFile:       defaultConfigFile,
		AppDataDir:       defaultAppDataDir,
		DebugLevel:       defaultLogLevel,
		LogDir:           defaultLogDir,
		IdleTimeout:      defaultIdleTimeout,
		CacheSize:        defaultCacheSize,
		CacheTTL:         defaultCacheTTL,
		QueryConcurrency: defaultQueryConcurrency,
		QueryRetries:     defaultQueryRetries,
		QueryBaseDelay:   defaultQueryBaseDelay,
		QueryMaxDelay:    defaultQueryMaxDelay,
		SyncInterval:     defaultSyncInterval,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		preParser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// Load additional config from file.
	configFilePath := cleanAndExpandPath(preCfg.ConfigFile)
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(configFilePath)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Expand and clean the paths.
	cfg.AppDataDir = cleanAndExpandPath(cfg.AppDataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	// If a non-default appdata directory was given but the log directory
	// was left alone, keep the logs beside the wallet database.
	if cfg.AppDataDir != defaultAppDataDir && cfg.LogDir == defaultLogDir {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, defaultLogDirname)
	}

	// Initialize log rotation.  After the log rotation has been
	// initialized, the logger variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("loadConfig: %v", err)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Sanity-check the cache and query engine tuning.
	if cfg.CacheSize < 1 {
		err := fmt.Errorf("loadConfig: cachesize must be positive: %v",
			cfg.CacheSize)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	if cfg.QueryConcurrency < 1 {
		err := fmt.Errorf("loadConfig: queryconcurrency must be "+
			"positive: %v", cfg.QueryConcurrency)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	if cfg.QueryRetries < 0 {
		err := fmt.Errorf("loadConfig: queryretries must not be "+
			"negative: %v", cfg.QueryRetries)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Normalize the proxy address when one was given.
	if cfg.Proxy != "" {
		cfg.Proxy, err = cfgutil.NormalizeAddress(cfg.Proxy,
			defaultProxyPort)
		if err != nil {
			err := fmt.Errorf("loadConfig: invalid proxy address: "+
				"%v", err)
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
	}

	// Ensure the wallet exists or create it when the create flag is set.
	dbPath := filepath.Join(cfg.AppDataDir, defaultWalletDbName)
	dbFileExists, err := cfgutil.FileExists(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	if cfg.Create {
		// Error if the create flag is set and the wallet already
		// exists.
		if dbFileExists {
			err := fmt.Errorf("the wallet database file `%v` "+
				"already exists", dbPath)
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}

		// Ensure the data directory for the wallet exists.
		if err := os.MkdirAll(cfg.AppDataDir, 0700); err != nil {
			err := fmt.Errorf("loadConfig: %v", err)
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}

		// Perform the initial wallet creation wizard.
		if err := createWallet(&cfg); err != nil {
			fmt.Fprintln(os.Stderr, "Unable to create wallet:", err)
			return nil, nil, err
		}

		// Created successfully, so exit now with success.
		os.Exit(0)
	} else if !dbFileExists {
		err := fmt.Errorf("the wallet does not exist, run with the "+
			"--create option to initialize and create it at %v",
			dbPath)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// A gateway endpoint is required for balance queries.  Accept a bare
	// host or host:port and turn it into a websocket URL.
	if cfg.Gateway == "" {
		err := fmt.Errorf("a chain gateway must be set with --gateway")
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}
	if !strings.Contains(cfg.Gateway, "://") {
		addr, err := cfgutil.NormalizeAddress(cfg.Gateway,
			defaultGatewayPort)
		if err != nil {
			err := fmt.Errorf("loadConfig: invalid gateway "+
				"address: %v", err)
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
		cfg.Gateway = "ws://" + addr
	}

	return &cfg, remainingArgs, nil
}
