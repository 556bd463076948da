package cmd

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"pwacache/internal/bootstrap"
	"pwacache/internal/bootstrap/logging"
	"pwacache/internal/errs"
	"pwacache/internal/usecase/console"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Live terminal view of versions and namespaces",
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		ctx := logging.WithCommand(cmd.Context(), cmd.CommandPath())

		refreshInterval, _ := cmd.Flags().GetDuration("refresh-interval")
		if refreshInterval <= 0 {
			refreshInterval = 2 * time.Second
		}

		model := console.NewModel(ctx, app.Manager, app.Control, app.TTL, console.Options{
			RefreshInterval: refreshInterval,
		})

		program := tea.NewProgram(model, tea.WithAltScreen())
		if _, err := program.Run(); err != nil {
			return errs.Wrap(err, "run console")
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().Duration("refresh-interval", 2*time.Second, "Auto refresh interval")
}
