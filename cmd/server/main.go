package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/lanmeet/lanmeet/internal/audio"
	"github.com/lanmeet/lanmeet/internal/config"
	"github.com/lanmeet/lanmeet/internal/control"
	"github.com/lanmeet/lanmeet/internal/file"
	"github.com/lanmeet/lanmeet/internal/gateway"
	"github.com/lanmeet/lanmeet/internal/sessions"
	"github.com/lanmeet/lanmeet/internal/video"
)

func main() {
	app := &cli.App{
		Name:  "lanmeet-server",
		Usage: "LAN collaboration relay server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env",
				Usage: "environment: either 'development' or 'production'",
				Value: "production",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a YAML config file overriding the defaults",
			},
			&cli.StringFlag{
				Name:  "gateway-address",
				Usage: "listen address of the HTTP gateway, overrides the config",
			},
		},
		Action: startServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func startServer(c *cli.Context) error {
	initLogger(c.String("env"))

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	cfg.GatewayAddr = gatewayAddr(cfg, c.String("gateway-address"))

	store := sessions.NewStore(sessions.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		IdleTimeout:       cfg.IdleTimeout,
	})

	controlSvc := control.NewService(store)
	audioRelay := audio.NewRelay(store, audio.Options{
		SampleRate:   cfg.AudioSampleRate,
		ChunkFrames:  cfg.AudioChunkFrames,
		JitterWindow: cfg.JitterWindow,
	})
	videoRelay := video.NewRelay(store)
	screenSvc := video.NewScreenService(store)
	fileSvc, err := file.NewService(store, file.Options{
		StorageDir:  cfg.StorageDir,
		MaxFileSize: cfg.MaxFileSize,
	})
	if err != nil {
		return err
	}

	gw := gateway.NewApp(gateway.AppOptions{
		Store:      store,
		StorageDir: fileSvc.StorageDir(),
	})

	if err := controlSvc.Listen(cfg.ControlAddr); err != nil {
		return err
	}
	if err := fileSvc.Listen(cfg.FileAddr); err != nil {
		return err
	}
	if err := screenSvc.Listen(cfg.ScreenAddr); err != nil {
		return err
	}
	if err := videoRelay.Listen(cfg.VideoAddr); err != nil {
		return err
	}
	if err := audioRelay.Listen(cfg.AudioAddr); err != nil {
		return err
	}
	store.StartMonitor()

	server := &http.Server{
		Addr:              cfg.GatewayAddr,
		Handler:           gw.Router(),
		ReadHeaderTimeout: 1 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("gateway server has been closed immediatelly")
		}
	}()

	log.Info().Msg("all services are running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Warn().Msg("the server is going shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	server.SetKeepAlivesEnabled(false)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("can't gracefully shutdown the gateway")
	}

	audioRelay.Close()
	videoRelay.Close()
	screenSvc.Close()
	fileSvc.Close()
	controlSvc.Close()
	store.Close()

	log.Info().Msg("server stopped")

	return nil
}

// gatewayAddr picks the gateway listen address: the CLI flag when given,
// the config value otherwise.
func gatewayAddr(cfg *config.Config, flag string) string {
	if flag != "" {
		return flag
	}
	return cfg.GatewayAddr
}

func initLogger(env string) {
	cw := zerolog.NewConsoleWriter()
	log.Logger = log.Output(cw)

	level := zerolog.InfoLevel
	if env == "development" {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}
