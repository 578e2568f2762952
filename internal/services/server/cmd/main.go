package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/plantora/plantora/internal/services/gateway"
	"github.com/plantora/plantora/internal/services/server"
	"github.com/plantora/plantora/internal/services/telemetry"
	"github.com/plantora/plantora/internal/storage"
	"github.com/plantora/plantora/pkg/broker"
	"github.com/plantora/plantora/pkg/pending"
)

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func main() {
	cfg := struct {
		Broker broker.Config

		DBPath string

		InfluxURL    string
		InfluxToken  string
		InfluxOrg    string
		InfluxBucket string

		HTTPPort      int
		SweepInterval time.Duration
	}{
		Broker: broker.Config{
			Host:     envStr("MQTT_HOST", "localhost"),
			Port:     envInt("MQTT_PORT", 1883),
			User:     envStr("MQTT_USER", "guest"),
			Password: envStr("MQTT_PASSWORD", "guest"),
			ClientID: envStr("HOSTNAME", "plantora-server"),
		},

		DBPath: envStr("DB_PATH", "plantora.db"),

		InfluxURL:    envStr("INFLUX_URL", "http://localhost:8086"),
		InfluxToken:  os.Getenv("INFLUX_TOKEN"),
		InfluxOrg:    envStr("INFLUX_ORG", "plantora"),
		InfluxBucket: envStr("INFLUX_BUCKET", "telemetry"),

		HTTPPort:      envInt("HTTP_PORT", 8080),
		SweepInterval: time.Duration(envInt("SWEEP_INTERVAL_SEC", 30)) * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// === storage ===
	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("server: open storage: %v", err)
	}
	defer store.Close()

	// === telemetry (optional; no token, no recorder) ===
	var recorder server.TelemetryRecorder
	if cfg.InfluxToken != "" {
		influx := influxdb2.NewClient(cfg.InfluxURL, cfg.InfluxToken)
		defer influx.Close()
		rec := telemetry.NewRecorder(influx.WriteAPI(cfg.InfluxOrg, cfg.InfluxBucket), 30*time.Second)
		go rec.Run(ctx)
		recorder = rec
	} else {
		log.Println("server: INFLUX_TOKEN not set, telemetry disabled")
	}

	// === device connection ===
	mqttClient, err := broker.Connect(&cfg.Broker, ctx)
	if err != nil {
		log.Fatalf("server: mqtt connection error: %v", err)
	}
	defer broker.Close(mqttClient)

	pub := broker.NewPublisher(mqttClient)
	gw := gateway.New(pub, mqttClient.IsConnectionOpen)

	svc := server.NewService(store, gw, recorder)
	gw.OnDeviceMessage(svc.HandleDeviceReply)

	consumer := broker.NewConsumer(mqttClient, map[string]byte{gateway.EventFilter: 1}, gw.HandleBrokerMessage)
	go consumer.Consume(ctx)

	// === sweeper ===
	sweeper := pending.NewSweeper(cfg.SweepInterval, svc.Sweepables()...)
	sweeper.OnSwept = svc.SweepHook()
	go sweeper.Run(ctx)

	// === HTTP ===
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", svc.ServeWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !mqttClient.IsConnectionOpen() {
			http.Error(w, "device connection down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	hs := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("server: listening on :%d", cfg.HTTPPort)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: http error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Println("server: shutting down")

	shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shCancel()
	_ = hs.Shutdown(shCtx)
}
