package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/plantora/plantora/internal/devicesim"
	"github.com/plantora/plantora/pkg/broker"
)

func main() {
	host := flag.String("mqtt-host", "localhost", "MQTT broker host")
	port := flag.Int("mqtt-port", 1883, "MQTT broker port")
	user := flag.String("mqtt-user", "guest", "MQTT user")
	password := flag.String("mqtt-password", "guest", "MQTT password")
	clientID := flag.String("client-id", "plantora-devicesim", "MQTT client ID")
	faultPlant := flag.Int64("fault-plant", 0, "plant id to fault after -fault-after (0 = never)")
	faultAfter := flag.Duration("fault-after", time.Minute, "delay before injecting the fault")
	flag.Parse()

	cfg := &broker.Config{
		Host:     *host,
		Port:     *port,
		User:     *user,
		Password: *password,
		ClientID: *clientID,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := broker.Connect(cfg, ctx)
	if err != nil {
		log.Fatalf("devicesim: mqtt connection error: %v", err)
	}
	defer broker.Close(client)

	sim := devicesim.New(broker.NewPublisher(client))

	consumer := broker.NewConsumer(client, map[string]byte{devicesim.CommandFilter: 1}, sim.HandleBrokerMessage)
	go consumer.Consume(ctx)
	go sim.Run(ctx)

	if *faultPlant > 0 {
		time.AfterFunc(*faultAfter, func() {
			log.Printf("devicesim: injecting valve fault for plant %d", *faultPlant)
			sim.InjectFault(*faultPlant)
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Println("devicesim: shutting down")
}
