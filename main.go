package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Meander-Cloud/go-chatfusion/config"
	"github.com/Meander-Cloud/go-chatfusion/logging"
	"github.com/Meander-Cloud/go-chatfusion/server"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON config file")
	name := flag.String("name", "", "server name, overrides config")
	listen := flag.String("listen", "", "chat listen address host:port, overrides config")
	console := flag.Bool("console", true, "read admin commands from stdin")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	c, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatfusion: %v\n", err)
		os.Exit(2)
	}
	if *name != "" {
		c.Name = *name
	}
	if *listen != "" {
		c.ListenAddress = *listen
	}
	if err = c.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "chatfusion: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.NewLogger(c.LogLevel, c.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatfusion: %v\n", err)
		os.Exit(2)
	}
	logger = logger.Named(c.LogPrefix)
	defer logger.Sync()

	if err = run(c, logger, *console); err != nil {
		logger.Error("exiting", zap.Error(err))
		os.Exit(1)
	}
}

func run(c *config.Config, logger *zap.Logger, console bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := server.New(c, logger)
	if err != nil {
		return err
	}
	defer s.Shutdown() // wait

	g, gctx := errgroup.WithContext(ctx)

	if c.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.Registry(), promhttp.HandlerOpts{}))
		httpServer := &http.Server{
			Addr:              c.MetricsAddress,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			logger.Info("metrics listening", zap.String("address", c.MetricsAddress))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	if console {
		// stdin reads cannot be interrupted; the console simply outlives ctx
		go func() {
			err := s.RunConsole(gctx, os.Stdin, os.Stdout)
			logger.Info("console closed", zap.Error(err))
		}()
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("stopping", zap.NamedError("cause", context.Cause(gctx)))
		return nil
	})

	return g.Wait()
}
