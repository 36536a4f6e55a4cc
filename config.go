package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/btcgate/btc-gateway-server/utils"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "btc-gateway-server.conf"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "btc-gateway-server.log"
	defaultLogLevel       = "info"
	defaultListenerPort   = "8480"
	defaultDbAddress      = "127.0.0.1:3306"
	defaultDatabaseName   = "btc_gateway"

	defaultPollInterval          = 10 * time.Second
	defaultCallbackWorkers       = 4
	defaultCallbackMaxAttempts   = 5
	defaultCallbackBackoff       = 2 * time.Second
	defaultCallbackTimeout       = 30 * time.Second
	defaultRequestsLimit         = 120
	defaultThrottlePeriod        = time.Minute
	defaultConfirmationsRequired = 1

	version = "0.9.0"
)

var (
	defaultHomeDir    = utils.AppDataDir("btc-gateway-server", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// config defines the configuration options for the gateway server.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	AppDataDir  string `short:"A" long:"appdata" description:"Application data directory for gateway config and logs"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	Listeners    []string `long:"listen" description:"Add an interface/port to listen for client connections"`
	ListenerPort string   `long:"listenerport" description:"Port that the HTTP/ws server listens on (default: 8480)"`

	DbUsername          string `long:"dbusername" description:"username which is used to connect with database"`
	DbPassword          string `long:"dbpassword" description:"password which is used to connect with database"`
	DbAddress           string `long:"dbaddress" description:"ip address and port of database (default: 127.0.0.1:3306)"`
	DbName              string `long:"dbname" description:"name of server database (default: btc_gateway)"`
	DisableAutoCreateDB bool   `long:"noautocreatedb" description:"Disable creating database and table automatically"`

	ChainConnect string `short:"c" long:"chainconnect" description:"URL of the blockchain query backend to connect to"`
	ChainRPCUser string `long:"chainrpcuser" description:"Username for connections with the blockchain backend"`
	ChainRPCPass string `long:"chainrpcpass" default-mask:"-" description:"Password for connections with the blockchain backend"`

	WalletConnect   string `long:"walletconnect" description:"URL of the address provider to connect to"`
	WalletRPCUser   string `long:"walletrpcuser" description:"Username for connections with the address provider"`
	WalletRPCPass   string `long:"walletrpcpass" default-mask:"-" description:"Password for connections with the address provider"`
	WalletTakesFees bool   `long:"wallettakesfees" description:"The address provider keeps a fee out of received payments"`

	Proxy     string `long:"proxy" description:"Connect to outbound services via SOCKS5 proxy (host:port)"`
	ProxyUser string `long:"proxyuser" description:"Username for proxy server"`
	ProxyPass string `long:"proxypass" default-mask:"-" description:"Password for proxy server"`

	PollInterval        time.Duration `long:"pollinterval" description:"Interval between status polls of one order (default: 10s)"`
	CallbackWorkers     int           `long:"callbackworkers" description:"Number of concurrent callback delivery workers (default: 4)"`
	CallbackMaxAttempts int           `long:"callbackmaxattempts" description:"Max delivery attempts per callback before it is dropped (default: 5)"`
	CallbackBackoff     time.Duration `long:"callbackbackoff" description:"Delay before the first callback retry, doubled on every further attempt (default: 2s)"`
	CallbackTimeout     time.Duration `long:"callbacktimeout" description:"Timeout of a single outbound callback request (default: 30s)"`

	RequestsLimit  int64         `long:"requestslimit" description:"Default number of unsigned requests allowed per client per throttle period (default: 120)"`
	ThrottlePeriod time.Duration `long:"throttleperiod" description:"Length of the throttle window (default: 1m)"`

	GatewayName           string `long:"gatewayname" description:"Name of the gateway seeded on first start"`
	GatewaySecret         string `long:"gatewaysecret" default-mask:"-" description:"Shared secret of the gateway seeded on first start"`
	GatewayCallbackURL    string `long:"gatewaycallbackurl" description:"Merchant callback URL of the gateway seeded on first start"`
	GatewayCheckSignature bool   `long:"gatewaychecksignature" description:"Require signed requests on the gateway seeded on first start"`
	ConfirmationsRequired int64  `long:"confirmationsrequired" description:"Confirmations a transaction needs before it counts as paid (default: 1)"`
	OrderExpirationPeriod int64  `long:"orderexpirationperiod" description:"Seconds before an unpaid order expires, 0 disables expiration"`

	ProfilePort string `long:"profileport" description:"Enable HTTP profiling on given port -- NOTE port must be between 1024 and 65536"`
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}
	return false
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		if !validLogLevel(debugLevel) {
			str := "The specified debug level [%v] is invalid"
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
			str := "The specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "The specified subsystem [%v] is invalid -- " +
				"supported subsytems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		if !validLogLevel(logLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// normalizeAddress returns addr with the passed default port appended if
// there is not already a port specified.
func normalizeAddress(addr, defaultPort string) string {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}

// removeDuplicateAddresses returns a new slice with all duplicate entries in
// addrs removed.
func removeDuplicateAddresses(addrs []string) []string {
	result := make([]string, 0, len(addrs))
	seen := map[string]struct{}{}
	for _, val := range addrs {
		if _, ok := seen[val]; !ok {
			result = append(result, val)
			seen[val] = struct{}{}
		}
	}
	return result
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
// This function also initializes logging and configures it accordingly.
func loadConfig() (*config, []string, error) {
	cfg := config{
		ConfigFile:            defaultConfigFile,
		AppDataDir:            defaultHomeDir,
		LogDir:                defaultLogDir,
		DebugLevel:            defaultLogLevel,
		ListenerPort:          defaultListenerPort,
		DbAddress:             defaultDbAddress,
		DbName:                defaultDatabaseName,
		PollInterval:          defaultPollInterval,
		CallbackWorkers:       defaultCallbackWorkers,
		CallbackMaxAttempts:   defaultCallbackMaxAttempts,
		CallbackBackoff:       defaultCallbackBackoff,
		CallbackTimeout:       defaultCallbackTimeout,
		RequestsLimit:         defaultRequestsLimit,
		ThrottlePeriod:        defaultThrottlePeriod,
		ConfirmationsRequired: defaultConfirmationsRequired,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
	}

	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, version)
		os.Exit(0)
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	if preCfg.ConfigFile != defaultConfigFile || fileExists(preCfg.ConfigFile) {
		err := flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
		if err != nil {
			if _, ok := err.(*os.PathError); !ok {
				fmt.Fprintf(os.Stderr, "Error parsing config file: %v\n", err)
				return nil, nil, err
			}
		}
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
		}
		return nil, nil, err
	}

	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", appName, err.Error())
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Add the default listener if none were specified. The default
	// listener is all addresses on the listener port.
	if len(cfg.Listeners) == 0 {
		cfg.Listeners = []string{
			net.JoinHostPort("", cfg.ListenerPort),
		}
	}
	for i, addr := range cfg.Listeners {
		cfg.Listeners[i] = normalizeAddress(addr, cfg.ListenerPort)
	}
	cfg.Listeners = removeDuplicateAddresses(cfg.Listeners)

	if cfg.ChainConnect == "" {
		err := fmt.Errorf("%s: a blockchain backend must be specified with --chainconnect", appName)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	if cfg.WalletConnect == "" {
		err := fmt.Errorf("%s: an address provider must be specified with --walletconnect", appName)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	if cfg.PollInterval < time.Second {
		err := fmt.Errorf("%s: pollinterval must be at least 1s", appName)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	return &cfg, remainingArgs, nil
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
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
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
