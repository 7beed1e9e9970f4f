package main

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/badrtairlbahrepro/VisionClaw/logger"
)

var rootCmd = &cobra.Command{
	Use:           "visionclaw",
	Short:         "VisionClaw - hands-free voice and vision assistant sessions",
	Version:       GetVersion(),
	SilenceUsage:  true,
	SilenceErrors: false,
	Long: `VisionClaw streams microphone audio and camera frames to a live voice model,
plays the model's speech back, and hands the model's tool calls to an
OpenClaw gateway that carries out tasks on the user's behalf.`,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		envFile := viper.GetString("env_file")
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			logger.Warn("could not load env file", "path", envFile, "error", err)
		}
		if viper.GetBool("verbose") {
			logger.SetVerbose(true)
		}
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Configuration file path (YAML)")
	flags.String("env-file", ".env", "Environment file loaded before configuration")
	flags.BoolP("verbose", "v", false, "Enable debug logging")
	flags.String("model", "", "Override live.model")
	flags.String("gateway-host", "", "Override gateway.host")
	flags.Int("gateway-port", 0, "Override gateway.port")
	flags.String("redis-addr", "", "Override history.redisAddr")
	flags.String("metrics-addr", "", "Override metrics.addr")

	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("env_file", flags.Lookup("env-file"))
	_ = viper.BindPFlag("verbose", flags.Lookup("verbose"))
	_ = viper.BindPFlag(keyLiveModel, flags.Lookup("model"))
	_ = viper.BindPFlag(keyGatewayHost, flags.Lookup("gateway-host"))
	_ = viper.BindPFlag(keyGatewayPort, flags.Lookup("gateway-port"))
	_ = viper.BindPFlag(keyRedisAddr, flags.Lookup("redis-addr"))
	_ = viper.BindPFlag(keyMetricsAddr, flags.Lookup("metrics-addr"))

	// VISIONCLAW_GATEWAY_HOST and friends.
	viper.SetEnvPrefix("VISIONCLAW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

func setupVersion() {
	rootCmd.SetVersionTemplate(GetVersionInfo() + "\n")
}

// Execute runs the root command.
func Execute() {
	setupVersion()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func main() {
	Execute()
}
