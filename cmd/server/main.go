package main

import (
	"context"
	"time"

	"github.com/vigilcam/vigil/pkg/auth"
	"github.com/vigilcam/vigil/pkg/config"
	"github.com/vigilcam/vigil/pkg/logger"
	"github.com/vigilcam/vigil/pkg/monitoring"
	"github.com/vigilcam/vigil/pkg/os"
	"github.com/vigilcam/vigil/pkg/server"
	"github.com/vigilcam/vigil/pkg/service"
	"github.com/vigilcam/vigil/pkg/storage"
)

var Version = "?"

func main() {
	conf := config.NewConfig()
	log := logger.NewConsole(conf.Server.Debug, "srv", false)
	log.Info().Msgf("version %s", Version)
	log.Debug().Msgf("config: %+v", conf)

	done := os.ExpectTermination()

	srv, err := server.New(conf, auth.Guest{}, storage.NewMemory(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("The signaling server couldn't start")
	}

	services := service.Group{}
	services.Add(srv)
	if conf.Monitoring.MetricEnabled || conf.Monitoring.ProfilingEnabled {
		services.Add(monitoring.New(conf.Monitoring, log))
	}
	services.Start()

	<-done
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := services.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("service shutdown errors")
	}
}
