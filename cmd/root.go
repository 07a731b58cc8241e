package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/jimi-agent/jimi/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
	yolo    bool
	message string
)

var rootCmd = &cobra.Command{
	Use:   "jimi",
	Short: "jimi — terminal coding agent",
	Long:  "jimi is an interactive coding agent for the terminal: it runs an LLM turn loop with workspace tools, durable checkpointed history, and background subagents.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd, message)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: .jimi/config.json5 or $JIMI_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.Flags().BoolVar(&yolo, "yolo", false, "skip all tool approval prompts")
	rootCmd.Flags().StringVarP(&message, "message", "m", "", "run one message non-interactively and exit")

	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("jimi %s\n", Version)
		},
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// Execute runs the root command. Any error exits with status 1.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
