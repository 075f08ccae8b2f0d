package orb

import (
	"os"
	"strconv"
	"time"
)

const timeoutAdjustEnv = "CID_ORBTIMEOUTADJUST"
const defaultTimeoutAdjustMs = 5000

// timeoutAdjustFromEnv reads CID_ORBTIMEOUTADJUST once at facility
// init: an unset variable means no adjustment (0), a malformed value
// defaults to 5000ms (spec.md §6).
func timeoutAdjustFromEnv() time.Duration {
	v, ok := os.LookupEnv(timeoutAdjustEnv)
	if !ok {
		return 0
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return defaultTimeoutAdjustMs * time.Millisecond
	}
	return time.Duration(ms) * time.Millisecond
}

// clientConfig holds client-facility settings built by ClientOption
// functions, grounded on the functional-options pattern in
// other_examples/c042a3ea_bearlytools-claw__rpc-client-client.go.go
// (WithPingInterval, WithMaxPayloadSize, ...), the pack's clearest
// instance of options config for a connection-oriented client.
type clientConfig struct {
	logger        Logger
	encrypter     Encrypter
	timeoutAdjust time.Duration
	cmdPoolCap    int
	bindingCacheCap int
	bindingLease    time.Duration
	forcedRefresh   time.Duration
}

// ClientOption configures InitClient.
type ClientOption func(*clientConfig)

// WithClientLogger sets the Logger every client-side task logs
// through. Defaults to a no-op logger.
func WithClientLogger(l Logger) ClientOption {
	return func(c *clientConfig) { c.logger = l }
}

// WithClientEncrypter enables symmetric block-cipher encryption of
// payloads for every ServerTarget this facility creates.
func WithClientEncrypter(enc Encrypter) ClientOption {
	return func(c *clientConfig) { c.encrypter = enc }
}

// WithCmdItemPoolCap overrides spec.md §6's binding-cache-cap-style
// default (128) for the CmdItem pool.
func WithCmdItemPoolCap(n int) ClientOption {
	return func(c *clientConfig) { c.cmdPoolCap = n }
}

// WithBindingCache overrides the binding-name cache's capacity, lease,
// and forced-refresh ceiling (spec.md §6 defaults: 2048, 50s, 30s).
func WithBindingCache(capacity int, lease, forcedRefresh time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.bindingCacheCap = capacity
		c.bindingLease = lease
		c.forcedRefresh = forcedRefresh
	}
}

func newClientConfig(opts []ClientOption) *clientConfig {
	c := &clientConfig{
		logger:          nopLogger{},
		timeoutAdjust:   timeoutAdjustFromEnv(),
		cmdPoolCap:      DefaultCmdItemPoolCap,
		bindingCacheCap: DefaultBindingCacheCap,
		bindingLease:    DefaultBindingLease,
		forcedRefresh:   DefaultForcedRefresh,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

const (
	DefaultMaxClients     = 256
	DefaultInitialWorkers = InitialWorkers
)

// serverConfig holds server-facility settings built by ServerOption
// functions, same pattern as clientConfig.
type serverConfig struct {
	logger         Logger
	encrypter      Encrypter
	timeoutAdjust  time.Duration
	listenPort     int
	maxClients     int
	initialWorkers int
	onlyAcceptFrom string
}

type ServerOption func(*serverConfig)

func WithServerLogger(l Logger) ServerOption {
	return func(c *serverConfig) { c.logger = l }
}

func WithServerEncrypter(enc Encrypter) ServerOption {
	return func(c *serverConfig) { c.encrypter = enc }
}

// WithMaxClients overrides the hard cap on simultaneous connections,
// clamped to spec.md §6's 256 ceiling.
func WithMaxClients(n int) ServerOption {
	return func(c *serverConfig) {
		if n > DefaultMaxClients {
			n = DefaultMaxClients
		}
		c.maxClients = n
	}
}

// WithInitialWorkers overrides the starting worker count.
func WithInitialWorkers(n int) ServerOption {
	return func(c *serverConfig) { c.initialWorkers = n }
}

// WithOnlyAcceptFrom restricts accept to one source IP.
func WithOnlyAcceptFrom(ip string) ServerOption {
	return func(c *serverConfig) { c.onlyAcceptFrom = ip }
}

func newServerConfig(port int, opts []ServerOption) *serverConfig {
	c := &serverConfig{
		logger:         nopLogger{},
		timeoutAdjust:  timeoutAdjustFromEnv(),
		listenPort:     port,
		maxClients:     DefaultMaxClients,
		initialWorkers: DefaultInitialWorkers,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxClients > DefaultMaxClients {
		c.maxClients = DefaultMaxClients
	}
	return c
}
