package main

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/coachpo/relay/internal/domain/schema"
)

func newPublishCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one message and print its timetoken",
		RunE:  runPublish,
	}
	flags := cmd.Flags()
	flags.String("channel", "", "Channel to publish to")
	flags.StringP("message", "m", "", "Message body; sent as JSON when it parses, otherwise as a string")
	flags.String("meta", "", "JSON object attached as message metadata")
	return cmd
}

func runPublish(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd)
	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return err
	}
	channel, _ := cmd.Flags().GetString("channel")
	message, _ := cmd.Flags().GetString("message")
	rawMeta, _ := cmd.Flags().GetString("meta")

	payload := messagePayload(message)
	var meta any
	if strings.TrimSpace(rawMeta) != "" {
		if !json.Valid([]byte(rawMeta)) {
			return fmt.Errorf("--meta must be valid JSON")
		}
		meta = json.RawMessage(rawMeta)
	}

	cipher, err := buildCipher(cfg)
	if err != nil {
		return err
	}
	client, err := buildPublisher(cfg, cipher, logger)
	if err != nil {
		return err
	}
	tt, err := client.Publish(cmd.Context(), channel, payload, meta)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), schema.Cursor{Timetoken: tt}.String())
	return nil
}

// messagePayload keeps valid JSON as-is so numbers and objects are not double encoded.
func messagePayload(message string) any {
	trimmed := strings.TrimSpace(message)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	return message
}
