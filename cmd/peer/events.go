package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"meshcall/internal/infrastructure/distributed"
	"meshcall/pkg/logger"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	flagRedisAddr     string
	flagRedisPassword string
	flagEventsChannel string
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print room lifecycle events published by signaling servers",
	Long: `events subscribes to the Redis channel the signaling servers publish
room lifecycle events on and prints each one as a JSON line.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		zapLogger, err := logger.New(flagLogLevel, "console")
		if err != nil {
			return err
		}
		defer zapLogger.Sync()
		log := zapLogger.Sugar()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Observers only subscribe; schema migrations stay with the servers.
		client := redis.NewClient(&redis.Options{Addr: flagRedisAddr, Password: flagRedisPassword})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis %s: %w", flagRedisAddr, err)
		}

		bus := distributed.NewEventBus(client, flagEventsChannel, "", log)
		defer bus.Close()

		enc := json.NewEncoder(cmd.OutOrStdout())
		err = bus.Subscribe(ctx, true, func(m distributed.Message) error {
			return enc.Encode(m)
		})
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("subscription ended: %w", err)
		}
		return nil
	},
}

func init() {
	f := eventsCmd.Flags()
	f.StringVar(&flagRedisAddr, "redis", "localhost:6379", "redis address")
	f.StringVar(&flagRedisPassword, "redis-password", "", "redis password")
	f.StringVar(&flagEventsChannel, "channel", "meshcall:rooms", "room events channel")
}
