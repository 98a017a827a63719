package app

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const configFlagName = "config"

func addConfigFlag(fs *pflag.FlagSet) {
	fs.StringP(configFlagName, "c", "", "Read configuration from the specified `FILE` (yaml or json).")
}

// loadConfig merges, from lowest to highest priority: flag defaults, the
// config file, the environment (after .env) and explicitly set flags, then
// decodes the result into the options.
func (a *App) loadConfig(cmd *cobra.Command) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	v := a.v
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	v.SetEnvPrefix(a.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile := v.GetString(configFlagName); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read configuration file %q: %w", cfgFile, err)
		}
	}

	if err := v.Unmarshal(a.options); err != nil {
		return fmt.Errorf("failed to decode configuration: %w", err)
	}
	return nil
}
