package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
	natsbackend "github.com/openjobspec/ojs-recovery-nats/internal/nats"
	"github.com/openjobspec/ojs-recovery-nats/internal/server"
)

var eventsJob string

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print job status events published by recovery",
	RunE:  runEvents,
}

func init() {
	eventsCmd.Flags().StringVar(&eventsJob, "job", "", "only print events for this job UUID")
}

func runEvents(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()
	cfg, err := server.LoadConfig(cfgPath)
	if err != nil {
		return err
	}

	backend, err := natsbackend.New(cfg.NATS.URL, "ojs-recovery-events")
	if err != nil {
		return err
	}
	defer backend.Close()

	broker := natsbackend.NewEventBroker(backend.Conn())
	defer broker.Close()

	var (
		ch          <-chan *core.JobEvent
		unsubscribe func()
	)
	if eventsJob != "" {
		ch, unsubscribe, err = broker.SubscribeJob(eventsJob)
	} else {
		ch, unsubscribe, err = broker.SubscribeAll()
	}
	if err != nil {
		return err
	}
	defer unsubscribe()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	enc := json.NewEncoder(cmd.OutOrStdout())
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := enc.Encode(ev); err != nil {
				return err
			}
		case <-sig:
			return nil
		}
	}
}
