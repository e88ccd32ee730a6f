package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/ini.v1"
)

var (
	configFile string
	envFile    string
	leadName   string
	signedURL  string
)

var rootCmd = &cobra.Command{
	Use:   "pbxbridge",
	Short: "Bridge PBX calls to a conversational AI agent",
	Long: `pbxbridge registers with a PBX over SIP, places outbound calls and relays
the call audio to an ElevenLabs conversational agent over a WebSocket.`,
	SilenceUsage: true,
}

var callCmd = &cobra.Command{
	Use:   "call <number>",
	Short: "Place one call and bridge it to the agent",
	Long: `
Place a call to <number> and bridge it to the agent until either side hangs up.

Examples:
  pbxbridge call 1001                          # fetch a signed URL with the configured agent
  pbxbridge call 1001 --lead-name "Ada"        # pass the lead name as a dynamic variable
  pbxbridge call 1001 --signed-url wss://...   # use a session handle obtained elsewhere
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gw, err := startGateway()
		if err != nil {
			return err
		}
		defer closeLogging()
		defer gw.Close()

		ctx, stop := signalContext()
		defer stop()

		h, err := gw.SessionHandle(ctx, signedURL, leadName)
		if err != nil {
			return err
		}
		return gw.Call(ctx, args[0], h)
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Check PBX connectivity by registering and unregistering",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		gw, err := startGateway()
		if err != nil {
			return err
		}
		defer closeLogging()
		defer gw.Close()

		ctx, stop := signalContext()
		defer stop()
		return gw.Probe(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "settings.ini", "settings file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "environment file path")

	callCmd.Flags().StringVar(&leadName, "lead-name", "", "name of the person being called")
	callCmd.Flags().StringVar(&signedURL, "signed-url", "", "signed conversation URL")

	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(registerCmd)
}

// startGateway loads settings, initializes logging and builds the gateway.
func startGateway() (*Gateway, error) {
	if err := loadEnv(envFile); err != nil {
		return nil, err
	}

	cfg, err := ini.LooseLoad(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	settings, err := LoadSettings(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}

	if err := initLogging(cfg); err != nil {
		return nil, fmt.Errorf("failed to init logging: %w", err)
	}
	coreLog.Infof("settings loaded from %s", configFile)

	gw, err := NewGateway(settings)
	if err != nil {
		closeLogging()
		return nil, fmt.Errorf("failed to start gateway: %w", err)
	}
	return gw, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
