package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/lrhodin/wabot/pkg/connector"
	"github.com/lrhodin/wabot/pkg/media"
	"github.com/lrhodin/wabot/pkg/transport"
)

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "Consume chat events and run the bot",
	Before: requiresStore,
	After:  closeStore,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "no-watch",
			Usage: "Don't reload the config file when it changes",
		},
	},
	Action: cmdRun,
}

func cmdRun(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	log := getLogger(ctx)
	st := getStore(ctx)

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	holder := connector.NewConfigHolder(cfg)
	client := &fasthttp.Client{Name: "wabot/" + ctx.App.Version}
	gateway := transport.NewGateway(cfg.Gateway, cfg.Session, client, log)
	downloader := media.NewHTTPDownloader(client, cfg.Media.DownloadTimeout)
	fetcher := media.NewFetcher(downloader, cfg.Media.FetcherOptions(), log)
	bot := connector.NewBot(holder, st, gateway, fetcher, log)
	consumer := transport.NewConsumer(cfg.AMQP, bot, log)

	me, err := gateway.Me(runCtx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to look up own account, continuing anyway")
	} else {
		log.Info().Str("session", cfg.Session).Str("me", me).Msg("Starting bot")
	}

	var wg sync.WaitGroup
	background := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			log.Debug().Str("task", name).Msg("Background task stopped")
		}()
	}
	background("housekeeping", func() { bot.RunHousekeeping(runCtx) })
	if path := getConfigPath(ctx); path != "" && !ctx.Bool("no-watch") {
		background("config watcher", func() {
			if err := connector.WatchConfig(runCtx, path, holder, log); err != nil {
				log.Err(err).Msg("Config watcher failed")
			}
		})
	}
	var metricsSrv *fasthttp.Server
	if cfg.Metrics.Listen != "" {
		metricsSrv = newMetricsServer(log)
		background("metrics", func() {
			log.Info().Str("listen", cfg.Metrics.Listen).Msg("Serving metrics")
			if err := metricsSrv.ListenAndServe(cfg.Metrics.Listen); err != nil {
				log.Err(err).Msg("Metrics server failed")
			}
		})
	}

	err = consumer.Run(runCtx)
	log.Info().Msg("Shutting down")
	bot.Stop()
	if metricsSrv != nil {
		if shutdownErr := metricsSrv.Shutdown(); shutdownErr != nil {
			log.Warn().Err(shutdownErr).Msg("Failed to stop metrics server")
		}
	}
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	} else if err != nil {
		return fmt.Errorf("consumer failed: %w", err)
	}
	return nil
}

func newMetricsServer(log zerolog.Logger) *fasthttp.Server {
	metrics := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	return &fasthttp.Server{
		Name: "wabot",
		Handler: func(rc *fasthttp.RequestCtx) {
			switch string(rc.Path()) {
			case "/metrics":
				metrics(rc)
			case "/healthz":
				rc.SetStatusCode(fasthttp.StatusOK)
				rc.SetBodyString("ok")
			default:
				rc.SetStatusCode(fasthttp.StatusNotFound)
			}
		},
		Logger: fasthttpLogger{log.With().Str("component", "metrics").Logger()},
	}
}

type fasthttpLogger struct {
	log zerolog.Logger
}

func (l fasthttpLogger) Printf(format string, args ...any) {
	l.log.Warn().Msgf(format, args...)
}
