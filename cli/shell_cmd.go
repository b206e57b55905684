package cli

import (
	"github.com/spf13/cobra"

	"tagsend/ui"
)

func newShellCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "interactive console (default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(cmd, flags)
		},
	}
}

func runShell(cmd *cobra.Command, flags *globalFlags) error {
	a, err := loadApp(flags, true)
	if err != nil {
		return err
	}
	defer a.close()

	manager, err := a.newManager(flags.lanPeers)
	if err != nil {
		return err
	}

	console, err := ui.NewConsole(ui.ConsoleConfig{
		Manager:     manager,
		Store:       a.store,
		Logger:      a.log.Named("console"),
		Out:         cmd.OutOrStdout(),
		HistoryFile: a.historyFile(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	return console.Run(ctx)
}
