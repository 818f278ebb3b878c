package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
)

// exampleConfig is the starter config written by the init subcommand.
// Values mirror DefaultConfig / DefaultRuntimeConfig; the chat section
// is the part re-read by /reload_config.
const exampleConfig = `log_level: INFO
startup_timeout: 30s
shutdown_timeout: 60s
reaper_interval: 5m
idle_threshold: 60m
discord:
  token: ""
  application_id: ""
  guild_id: ""
  custom_status: "@mention me!"
  error_message: "sorry, something went wrong!"
  log_level: WARN
  discordgo_log_level: WARN
openai:
  token: ""
  log_level: INFO
chat:
  model: gpt-4o-mini
  max_output_tokens: 1000
  temperature: 1.0
  image_detail: low
  max_history_length: 20
  save_responses: true
  save_image_input: false
  persona: "You are a helpful assistant."
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		target := configFile
		if target == "" {
			target = "setting.yaml"
		}
		if _, err := os.Stat(target); err == nil {
			log.Fatalf("refusing to overwrite existing config file: %s", target)
		}
		if err := os.WriteFile(target, []byte(exampleConfig), 0o600); err != nil {
			log.Fatalf("error writing config file: %v", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Wrote starter config to %s\n", target)
		fmt.Fprintln(
			out,
			"Set discord.token, discord.application_id and openai.token, then start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
