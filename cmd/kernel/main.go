// Command kernel hosts the service kernel: it installs the configured
// caches and queues, starts the kernel and serves the admin surface until
// SIGINT or SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/service_kernel/internal/config"
	"github.com/R3E-Network/service_kernel/internal/engine/bridge"
	"github.com/R3E-Network/service_kernel/internal/engine/events"
	"github.com/R3E-Network/service_kernel/internal/kernel"
	"github.com/R3E-Network/service_kernel/internal/mq"
	"github.com/R3E-Network/service_kernel/internal/resource"
	"github.com/R3E-Network/service_kernel/internal/transport"
	"github.com/R3E-Network/service_kernel/pkg/admin"
	"github.com/R3E-Network/service_kernel/pkg/logger"
)

// SessionTopic is the topic inbound websocket frames are published under.
const SessionTopic = "session.message"

func main() {
	configPath := flag.String("config", "", "path to kernel.yaml (default config/kernel.yaml)")
	envFile := flag.String("env", ".env", "dotenv file loaded before configuration")
	flag.Parse()

	_ = godotenv.Load(*envFile)

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFromPath(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		logrus.WithError(err).Fatal("load configuration")
	}

	log := logger.New(cfg.Logging).Named("main")

	rt, collector := bridge.NewRuntime(cfg.Metrics.EventBuffer, cfg.Metrics.Namespace,
		events.WithMirror(logger.New(cfg.Logging).Named("events")))

	var k *kernel.Kernel
	hub := transport.NewHub(cfg.Hub, func(s transport.Session, data []byte) {
		publishFrame(k, cfg.HTTP.HubQueue, s, data, log)
	})

	k = kernel.New(
		kernel.WithConfig(cfg.Kernel),
		kernel.WithRuntime(rt),
		kernel.WithLiveness(hub),
		kernel.WithLogger(logger.New(cfg.Logging).Named("kernel")),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, r := range cfg.Caches {
		install(ctx, log, r, k.InstallCache)
	}
	for _, r := range cfg.Queues {
		install(ctx, log, r, k.InstallMQ)
	}

	k.Startup(ctx)

	server := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: admin.NewRouter(k,
			admin.WithMetrics(promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{})),
			admin.WithHub(hub),
			admin.WithRequestLog(logger.New(cfg.Logging).Named("admin")),
		),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.HTTP.Addr).Info("admin listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("admin server")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig.String()).Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.Kernel.DrainTimeout+10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("admin shutdown")
	}
	if err := hub.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("hub close")
	}
	k.Shutdown(shutdownCtx)
	log.Info("kernel exited")
}

type installFunc func(ctx context.Context, name string, config []byte) resource.Backend

func install(ctx context.Context, log *logrus.Entry, r config.Resource, fn installFunc) {
	doc, err := r.Document()
	if err != nil {
		log.WithError(err).WithField("resource", r.Name).Warn("encode resource config")
		return
	}
	fn(ctx, r.Name, doc)
}

// publishFrame forwards an inbound websocket frame to the hub queue. Frames
// that are not JSON are published as strings.
func publishFrame(k *kernel.Kernel, queue string, s transport.Session, data []byte, log *logrus.Entry) {
	if k == nil || queue == "" {
		return
	}
	q := k.MQ(queue)
	if q == nil {
		log.WithField("queue", queue).Debug("hub queue not installed; frame dropped")
		return
	}
	var payload any = string(data)
	if json.Valid(data) {
		payload = json.RawMessage(data)
	}
	msg, err := mq.NewMessage(SessionTopic, payload)
	if err != nil {
		log.WithError(err).Warn("encode session frame")
		return
	}
	msg.Properties = map[string]string{"session": s.ID(), "remote": s.RemoteAddr()}
	if err := q.Publish(context.Background(), SessionTopic, msg); err != nil {
		log.WithError(err).WithField("session", s.ID()).Warn("publish session frame")
	}
}
