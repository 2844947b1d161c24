package main

import (
	"bytes"
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/renproject/feed/peersim"
	"github.com/renproject/feed/session"
	"github.com/sirupsen/logrus"
)

var (
	host     = flag.String("host", session.DefaultHost, "address to listen on")
	port     = flag.Uint("port", uint(session.DefaultPort), "port to listen on")
	data     = flag.String("data", "sample_data.txt", "file whose lines are written to the client, one per write")
	pingRate = flag.String("ping-rate", peersim.DefaultPingRate, "ping rate sent in the login reply, in seconds")
	interval = flag.Duration("interval", time.Millisecond, "wait between lines")
	verbose  = flag.Bool("v", false, "log debug messages")
)

func main() {
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	contents, err := os.ReadFile(*data)
	if err != nil {
		logger.Fatalf("reading sample data: %v", err)
	}
	var script [][]byte
	for _, line := range bytes.Split(contents, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if len(line) > 0 {
			script = append(script, line)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	peer := peersim.New(peersim.DefaultOptions().
		WithLogger(logger).
		WithPingRate(*pingRate).
		WithScript(script...).
		WithChunkInterval(*interval).
		WithRepeat(true))

	address := net.JoinHostPort(*host, strconv.Itoa(int(*port)))
	logger.Infof("replaying %v lines on %v", len(script), address)
	if err := peer.Listen(ctx, address); err != nil && err != context.Canceled {
		logger.Fatalf("listening: %v", err)
	}
}
