/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/accountdesk/apiserver/internal/mq"
	"github.com/accountdesk/apiserver/internal/services"
	"github.com/spf13/cobra"
)

// eventsCmd groups account event tooling.
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect account events",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Log account events as they are published",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		if cfg.MQ.Backend == "" {
			return errors.New("MQ_BACKEND is not set")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		broker, err := mq.Connect(ctx, cfg.MQ)
		if err != nil {
			return err
		}
		defer func() {
			_ = broker.Close()
		}()

		logger.Info("tailing account events", "backend", cfg.MQ.Backend, "channel", cfg.MQ.AccountChannel)
		err = broker.Subscribe(ctx, cfg.MQ.AccountChannel, func(ctx context.Context, msg mq.Message) error {
			event, err := services.DecodeAccountEvent(msg)
			if err != nil {
				// a message we cannot decode will not decode on redelivery either
				logger.Warn("skipping malformed event", "message_id", msg.ID, "error", err)
				return nil
			}
			logger.Info("account event",
				"message_id", msg.ID,
				"type", event.Type,
				"user_id", event.UserID,
				"file_url", event.FileURL,
				"occurred_at", event.OccurredAt,
			)
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("subscribe %s: %w", cfg.MQ.AccountChannel, err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsTailCmd)
}
