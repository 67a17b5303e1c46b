// Package commands provides the CLI commands for webserv.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/searchktools/webserv/config"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	configPath string
	envFile    string
	logLevel   string
	pretty     bool
	watch      bool
)

var rootCmd = &cobra.Command{
	Use:   "webserv [config.yaml]",
	Short: "webserv - a single-threaded HTTP/1.1 server",
	Long: `webserv serves static files, redirects and CGI scripts from a YAML
configuration on one non-blocking event loop.

The configuration file is read from --config or the first argument.
WEBSERV_SECTION__KEY environment variables override its scalar settings.`,
	Version:       Version,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	addGlobalFlags(rootCmd.PersistentFlags())

	rootCmd.SetVersionTemplate(fmt.Sprintf("webserv %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(checkCmd)
}

func addGlobalFlags(flags *pflag.FlagSet) {
	flags.StringVarP(&configPath, "config", "c", "webserv.yaml", "Configuration file")
	flags.StringVar(&envFile, "env-file", "", "Dotenv file with WEBSERV_* overrides")
	flags.StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error), overrides log.level")
	flags.BoolVar(&pretty, "pretty", false, "Human-readable console logs")
	flags.BoolVarP(&watch, "watch", "w", false, "Restart the servers when the configuration file changes")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// settingsPath returns the configuration file named by the flags or args.
func settingsPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return configPath
}

// loadSettings reads the configuration named by the flags or args.
func loadSettings(cmd *cobra.Command, args []string) (*config.Settings, error) {
	s, err := config.Load(settingsPath(args), envFile)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("log-level") {
		s.Log.Level = logLevel
	}
	if cmd.Flags().Changed("pretty") {
		s.Log.Pretty = pretty
	}
	return s, nil
}
