package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/renproject/feed"
	"github.com/renproject/feed/metrics"
	"github.com/renproject/feed/policy"
	"github.com/renproject/feed/session"
	"github.com/renproject/feed/sink"
	"github.com/renproject/kv"
	"github.com/sirupsen/logrus"
)

var (
	host        = flag.String("host", session.DefaultHost, "telemetry peer host")
	port        = flag.Uint("port", uint(session.DefaultPort), "telemetry peer port")
	user        = flag.String("user", "myname", "login user")
	password    = flag.String("password", "mypassword", "login password")
	app         = flag.String("app", "Manual Test", "login app name")
	appVersion  = flag.String("app-ver", "1.0.0", "login app version")
	protocol    = flag.String("protocol", "AKS V2 Protocol", "login protocol name")
	protoVer    = flag.String("protocol-ver", "1.0.0", "login protocol version")
	redisAddr   = flag.String("redis", "", "redis address; payloads are only logged when empty")
	pubsub      = flag.Bool("pubsub", false, "publish to a redis channel instead of a stream")
	maxLen      = flag.Int64("max-len", 0, "trim the redis stream to roughly this many entries")
	topic       = flag.String("topic", feed.DefaultTopic, "topic to publish to")
	dedup       = flag.Bool("dedup", false, "skip payloads that have already been published")
	dedupWindow = flag.Duration("dedup-window", sink.DefaultDedupWindow, "how long a published payload is remembered")
	metricsAddr = flag.String("metrics", ":9090", "address that serves prometheus metrics; disabled when empty")
	backoff     = flag.Duration("max-cooldown", 30*time.Second, "longest wait between reconnects")
	verbose     = flag.Bool("v", false, "log debug messages")
)

func main() {
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m, err := metrics.New(registry)
	if err != nil {
		logger.Fatalf("registering metrics: %v", err)
	}
	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Errorf("serving metrics: %v", err)
			}
		}()
	}

	var publisher sink.Publisher
	if *redisAddr == "" {
		memory := sink.NewMemory()
		defer func() {
			for _, msg := range memory.Messages() {
				logger.Infof("%v: %s", msg.Topic, msg.Data)
			}
		}()
		publisher = memory
	} else {
		mode := sink.ModeStream
		if *pubsub {
			mode = sink.ModePubSub
		}
		r, err := sink.NewRedis(ctx, sink.DefaultRedisOptions().
			WithLogger(logger.WithField("com", "redis")).
			WithAddr(*redisAddr).
			WithMode(mode).
			WithMaxLen(*maxLen))
		if err != nil {
			logger.Fatalf("connecting to redis: %v", err)
		}
		defer r.Close()
		publisher = r
	}
	if *dedup {
		publisher = sink.Dedup(publisher, kv.NewMemDB(kv.JSONCodec).Table("digests"), sink.DefaultDedupOptions().
			WithLogger(logger.WithField("com", "dedup")).
			WithWindow(*dedupWindow))
	}

	conn := session.New(session.DefaultOptions().
		WithLogger(logger.WithField("com", "session")).
		WithHost(*host).
		WithPort(uint16(*port)).
		WithCredential(session.Credential{
			User:            *user,
			Password:        *password,
			App:             *app,
			AppVersion:      *appVersion,
			Protocol:        *protocol,
			ProtocolVersion: *protoVer,
		}).
		WithCooldown(policy.MaxTimeout(*backoff, policy.ExponentialBackoff(2, policy.ConstantTimeout(500*time.Millisecond)))).
		WithMetrics(m))

	f := feed.New(feed.DefaultOptions().
		WithLogger(logger.WithField("com", "feed")).
		WithTopic(*topic).
		WithMetrics(m), conn, publisher)
	if err := f.Run(ctx); err != nil && err != context.Canceled {
		logger.Errorf("running feed: %v", err)
	}
}
