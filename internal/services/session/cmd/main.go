// A small command-line companion: connects to the server as one user, adds a
// plant if asked, runs an irrigation session against it and prints every
// event. Useful for poking a running stack without a mobile client.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/plantora/plantora/internal/model/entities"
	"github.com/plantora/plantora/internal/model/messages"
	"github.com/plantora/plantora/internal/services/session"
)

func main() {
	serverURL := flag.String("server", "ws://localhost:8080/ws", "server WebSocket URL")
	userID := flag.String("user", "demo", "user id")
	userName := flag.String("name", "Demo User", "user name")
	addPlant := flag.String("add-plant", "", "add a plant with this name, then exit-wait")
	plantID := flag.Int64("plant", 0, "plant id to irrigate")
	smart := flag.Bool("smart", false, "run a smart session instead of a timed one")
	duration := flag.Int("duration", 60, "manual watering duration in seconds")
	flag.Parse()

	cfg := session.DefaultConfig()
	cfg.ServerURL = *serverURL
	cfg.UserID = *userID
	cfg.UserName = *userName

	coord := session.New(cfg)
	coord.OnEvent = func(kind messages.ServerKind, raw []byte) {
		log.Printf("<- %s %s", kind, raw)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coord.Start(ctx)
	defer coord.Stop()

	// give the dial a moment before queueing commands
	time.Sleep(2 * time.Second)

	switch {
	case *addPlant != "":
		if err := coord.AddPlant(entities.PlantDetails{Name: *addPlant, MoistureTarget: 45}); err != nil {
			log.Fatalf("add plant: %v", err)
		}
	case *plantID > 0 && *smart:
		if err := coord.StartSmart(*plantID); err != nil {
			log.Fatalf("start smart: %v", err)
		}
	case *plantID > 0:
		if err := coord.StartManual(*plantID, *duration); err != nil {
			log.Fatalf("start manual: %v", err)
		}
		go func() {
			for range time.Tick(5 * time.Second) {
				s := coord.Session(*plantID)
				log.Printf("session state=%s active=%v timeLeft=%ds", s.State(), s.IsActive(), s.TimeLeft())
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	if *plantID > 0 && coord.Session(*plantID).IsActive() {
		if err := coord.StopIrrigation(*plantID); err == nil {
			time.Sleep(time.Second)
		}
	}
	log.Println("bye")
}
