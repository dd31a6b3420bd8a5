package util

import (
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// EnvPrefix is prepended to flag names to form their environment variables
const EnvPrefix = "OTA_"

// SetFlagsFromEnvVars sets persistent flags of cmd that were not given on the command line.
// A systemd credential named after the flag wins over an OTA_ prefixed environment variable,
// e.g. --updates-dir reads $CREDENTIALS_DIRECTORY/UPDATES_DIR, then OTA_UPDATES_DIR.
func SetFlagsFromEnvVars(cmd *cobra.Command) {
	credsDir, hasCreds := os.LookupEnv("CREDENTIALS_DIRECTORY")

	flags := cmd.PersistentFlags()
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}

		name := FlagEnvName(f.Name)
		if hasCreds {
			if data, err := os.ReadFile(filepath.Join(credsDir, name)); err == nil {
				if err := flags.Set(f.Name, strings.TrimSuffix(string(data), "\n")); err != nil {
					log.Infof("unable to configure flag %s using credential %s, err: %v", f.Name, name, err)
				} else {
					return
				}
			}
		}

		value, ok := os.LookupEnv(EnvPrefix + name)
		if !ok {
			return
		}
		if err := flags.Set(f.Name, value); err != nil {
			log.Infof("unable to configure flag %s using variable %s, err: %v", f.Name, EnvPrefix+name, err)
		}
	})
}

// FlagEnvName converts a flag name to its base environment name, e.g. updates-dir -> UPDATES_DIR
func FlagEnvName(flag string) string {
	return strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}
