// Command streamgate runs the session-multiplexing HTTP gateway with the
// in-memory echo engine. Configuration comes from the environment; see
// gateway.Config for the variables.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/streamgate/streamgate/engine/echoengine"
	"github.com/streamgate/streamgate/gateway"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := gateway.ConfigFromEnv()
	if err != nil {
		log.Error("config.load.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}

	srv, err := gateway.NewServer(cfg, echoengine.NewFactory(), gateway.WithServerLogger(log))
	if err != nil {
		log.Error("gateway.build.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Error("gateway.run.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}
}
