package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"xdao.co/w3car/config"
	"xdao.co/w3car/httpapi"
	"xdao.co/w3car/pack"
	"xdao.co/w3car/uploadrpc"
)

const shutdownTimeout = 10 * time.Second

func main() {
	fs := pflag.NewFlagSet("xdao-w3card", pflag.ExitOnError)
	cfgPath := fs.String("config", "", "YAML config file")
	listen := fs.String("listen", "", "HTTP listen address (overrides config)")
	grpcListen := fs.String("grpc-listen", "", "gRPC listen address; empty disables gRPC (overrides config)")
	_ = fs.Parse(os.Args[1:])

	level := slog.LevelInfo
	if v := os.Getenv("W3CAR_DEBUG"); v != "" && v != "0" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.LoadFile(*cfgPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if fs.Changed("listen") {
		cfg.Listen = *listen
	}
	if fs.Changed("grpc-listen") {
		cfg.GRPCListen = *grpcListen
	}

	httpLis, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	var grpcLis net.Listener
	if cfg.GRPCListen != "" {
		if grpcLis, err = net.Listen("tcp", cfg.GRPCListen); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, cfg, httpLis, grpcLis, logger); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// serve runs the HTTP entry point on httpLis and, when grpcLis is non-nil,
// the gRPC entry point, until ctx ends.
func serve(ctx context.Context, cfg config.Config, httpLis, grpcLis net.Listener, logger *slog.Logger) error {
	u, err := cfg.Open(logger)
	if err != nil {
		return err
	}
	if err := cfg.Credentials().Validate(); err != nil {
		logger.Warn("bridge credentials incomplete; uploads will fail until configured", "err", err)
	}
	packer := pack.Packer{Builder: cfg.Builder()}

	httpSrv := &http.Server{
		Handler: httpapi.New(httpapi.Options{
			Uploader:        u,
			Packer:          packer,
			MaxRequestBytes: cfg.MaxRequestBytes,
			Logger:          logger,
		}),
		ReadHeaderTimeout: 30 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", "addr", httpLis.Addr().String(), "max_request", humanize.Bytes(uint64(cfg.MaxRequestBytes)))
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	var grpcSrv *grpc.Server
	if grpcLis != nil {
		var opts []grpc.ServerOption
		if cfg.MaxRequestBytes > 0 {
			opts = append(opts, grpc.MaxRecvMsgSize(int(cfg.MaxRequestBytes)))
		}
		grpcSrv = grpc.NewServer(opts...)
		uploadrpc.RegisterUploaderServer(grpcSrv, &uploadrpc.Server{Uploader: u, Packer: packer, Logger: logger})
		g.Go(func() error {
			logger.Info("grpc listening", "addr", grpcLis.Addr().String())
			if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		err := httpSrv.Shutdown(shutdownCtx)
		logger.Info("stopped")
		return err
	})

	return g.Wait()
}
