// Package cli implements the replayctl command.
package cli

import (
	"errors"
	"io/fs"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	appconfig "github.com/antinvestor/parity/apps/replayer/config"
)

// NewRoot builds the replayctl command tree.
func NewRoot() *cobra.Command {
	var envFiles []string

	root := &cobra.Command{
		Use:           "replayctl",
		Short:         "Replay payloads against the legacy and headless APIs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env", ".env.local"},
		"dotenv files loaded before reading the environment; missing files are skipped")

	root.AddCommand(RunCmd(func() (*appconfig.ReplayerConfig, error) {
		return LoadConfig(envFiles)
	}))
	return root
}

// LoadConfig loads the existing files in envFiles into the environment and
// parses the replayer configuration from it.
func LoadConfig(envFiles []string) (*appconfig.ReplayerConfig, error) {
	existing := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		if _, err := os.Stat(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		existing = append(existing, file)
	}
	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return nil, err
		}
	}

	cfg, err := env.ParseAs[appconfig.ReplayerConfig]()
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}
