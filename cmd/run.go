package cmd

import (
	"log"

	"github.com/fockerev/bot-for-fmj/bot"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Discord bot",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			b, err := bot.New(cfg)
			if err != nil {
				log.Fatalf("error creating bot: %s", err.Error())
			}

			if err = b.Run(ctx); err != nil {
				log.Fatalf("error running bot: %s", err.Error())
			}
		},
	}
)

func init() {
	rootCmd.AddCommand(runCmd)
}
