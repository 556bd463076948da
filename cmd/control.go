package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"pwacache/internal/bootstrap"
	"pwacache/internal/bootstrap/logging"
	"pwacache/internal/domain/swcache"
	"pwacache/internal/errs"
)

var controlCmd = &cobra.Command{
	Use:   "control <skip-waiting|clear-cache|cache-size|invalidate>",
	Short: "Handle a control message locally or publish it to other instances",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		ctx := logging.WithCommand(cmd.Context(), cmd.CommandPath())

		pattern, _ := cmd.Flags().GetString("pattern")
		publish, _ := cmd.Flags().GetBool("publish")

		raw, err := json.Marshal(swcache.ControlMessage{Type: swcache.ControlType(cmd.Flags().Arg(0)), Pattern: pattern})
		if err != nil {
			return errs.Wrap(err, "encode control message")
		}
		msg, err := swcache.DecodeControlMessage(raw)
		if err != nil {
			return err
		}

		if publish {
			if err := app.Bus.Publish(ctx, msg); err != nil {
				return errs.Wrap(err, "publish control message")
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "published %s\n", msg.Type)
			return err
		}

		result := app.Control.Handle(ctx, msg)
		if err := writeOutput(cmd.OutOrStdout(), "json", result); err != nil {
			return err
		}
		if !result.Success {
			return fmt.Errorf("%s failed: %s", result.Type, result.Error)
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(controlCmd)
	controlCmd.Flags().String("pattern", "", "Key pattern for invalidate")
	controlCmd.Flags().Bool("publish", false, "Publish on the control bus instead of handling locally")
}
