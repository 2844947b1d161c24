package session

import (
	"time"

	"github.com/renproject/feed/codec"
	"github.com/renproject/feed/metrics"
	"github.com/renproject/feed/policy"
	"github.com/sirupsen/logrus"
)

var (
	DefaultHost           = "127.0.0.1"
	DefaultPort           = uint16(40000)
	DefaultPingInterval   = 20 * time.Second
	DefaultConnectTimeout = policy.MaxTimeout(30*time.Second, policy.LinearBackoff(1, policy.ConstantTimeout(10*time.Second)))
	DefaultCooldown       = policy.ConstantTimeout(time.Second)
	DefaultReadTimeout    = 10 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultReadBufferSize = 2048
	DefaultKeepAlive      = KeepAlive{
		Idle:     time.Second,
		Interval: 3 * time.Second,
		Count:    5,
	}
)

// Credential is the authentication document sent once per connection. Any
// JSON-marshalable value can be used instead; this is the shape that the
// telemetry peer expects.
type Credential struct {
	User            string `json:"user"`
	Password        string `json:"password"`
	App             string `json:"app"`
	AppVersion      string `json:"app_ver"`
	Protocol        string `json:"protocol"`
	ProtocolVersion string `json:"protocol_ver"`
}

// KeepAlive configures TCP keepalive probing on the socket. The operating
// system declares the peer dead after roughly Idle + Interval*Count of
// silence.
type KeepAlive struct {
	Idle     time.Duration
	Interval time.Duration
	Count    int
}

// Options for parameterizing the behaviour of a Conn.
type Options struct {
	Logger logrus.FieldLogger

	Host       string
	Port       uint16
	Credential interface{}

	// PingFlag is carried by every liveness ping.
	PingFlag string
	// PingInterval is used until the peer negotiates a different one.
	PingInterval time.Duration

	// ConnectTimeout bounds each dial. The argument is the number of
	// consecutive failures, plus one.
	ConnectTimeout policy.Timeout
	// Cooldown is the time that must pass after a disconnect before the next
	// dial. The argument is the number of consecutive failures.
	Cooldown policy.Timeout

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadBufferSize int
	KeepAlive      KeepAlive

	Encoder codec.Encoder
	Decoder codec.Decoder

	Metrics *metrics.Metrics
}

// DefaultOptions returns Options that connect to a peer on the loopback
// interface.
func DefaultOptions() Options {
	return Options{
		Logger: logrus.New().
			WithField("lib", "feed").
			WithField("pkg", "session").
			WithField("com", "conn"),
		Host:           DefaultHost,
		Port:           DefaultPort,
		Credential:     Credential{},
		PingInterval:   DefaultPingInterval,
		ConnectTimeout: DefaultConnectTimeout,
		Cooldown:       DefaultCooldown,
		ReadTimeout:    DefaultReadTimeout,
		WriteTimeout:   DefaultWriteTimeout,
		ReadBufferSize: DefaultReadBufferSize,
		KeepAlive:      DefaultKeepAlive,
		Encoder:        codec.PlainEncoder,
		Decoder:        codec.StreamDecoder,
	}
}

func (opts Options) WithLogger(logger logrus.FieldLogger) Options {
	opts.Logger = logger
	return opts
}

func (opts Options) WithHost(host string) Options {
	opts.Host = host
	return opts
}

func (opts Options) WithPort(port uint16) Options {
	opts.Port = port
	return opts
}

func (opts Options) WithCredential(credential interface{}) Options {
	opts.Credential = credential
	return opts
}

func (opts Options) WithPingFlag(flag string) Options {
	opts.PingFlag = flag
	return opts
}

func (opts Options) WithPingInterval(interval time.Duration) Options {
	opts.PingInterval = interval
	return opts
}

func (opts Options) WithConnectTimeout(timeout policy.Timeout) Options {
	opts.ConnectTimeout = timeout
	return opts
}

func (opts Options) WithCooldown(cooldown policy.Timeout) Options {
	opts.Cooldown = cooldown
	return opts
}

func (opts Options) WithReadTimeout(timeout time.Duration) Options {
	opts.ReadTimeout = timeout
	return opts
}

func (opts Options) WithWriteTimeout(timeout time.Duration) Options {
	opts.WriteTimeout = timeout
	return opts
}

func (opts Options) WithReadBufferSize(size int) Options {
	opts.ReadBufferSize = size
	return opts
}

func (opts Options) WithKeepAlive(keepAlive KeepAlive) Options {
	opts.KeepAlive = keepAlive
	return opts
}

func (opts Options) WithEncoder(encoder codec.Encoder) Options {
	opts.Encoder = encoder
	return opts
}

func (opts Options) WithDecoder(decoder codec.Decoder) Options {
	opts.Decoder = decoder
	return opts
}

func (opts Options) WithMetrics(m *metrics.Metrics) Options {
	opts.Metrics = m
	return opts
}
