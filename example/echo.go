package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	capnpgj "github.com/dwrensha/capnp-gj"
	"github.com/dwrensha/capnp-gj/internal/config"
	"github.com/pkg/errors"
)

// Server echoes every message back to the connection it came from.
type Server struct {
	messages atomic.Int64
	logger   *slog.Logger
}

func newHandler(logger *slog.Logger) *Server {
	return &Server{logger: logger}
}

func (s *Server) ServeMessage(conn *capnpgj.Conn, msg *capnpgj.MessageReader) error {
	// Decoded segments are never mutated, so they can be written back as is.
	reply, ok := msg.Segments().(*capnpgj.OwnedSegments)
	if !ok {
		return errors.Errorf("echo: unexpected segments type %T", msg.Segments())
	}

	n := s.messages.Add(1)
	s.logger.Debug("echo", "addr", conn.Addr(), "segments", reply.Len(), "total", n)
	return conn.Write(reply)
}

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			slog.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	addr, err := net.ResolveTCPAddr("tcp", cfg.Addr)
	if err != nil {
		logger.Error("invalid addr", "addr", cfg.Addr, "error", err)
		os.Exit(1)
	}

	server, err := capnpgj.New(addr, cfg.ServerOptions(logger)...)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("server start", "addr", server.Addr().String(), "transport", cfg.Transport)
	if err := server.Serve(ctx, newHandler(logger)); err != nil && ctx.Err() == nil {
		logger.Error("server error", "error", err)
	}
}
