package frontbase

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

const usage = `Usage: frontbase [flags] [command]

Commands:
  run       Start the live-query server (default)
  migrate   Create or update the store schema

Configuration is read from FRONTBASE_* environment variables; flags override them.

Flags:
`

// Parse reads the environment, applies flag overrides from args and returns
// the command to execute with the validated configuration.
func Parse(args []string) (Command, *Config, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, nil, err
	}

	flagSet := pflag.NewFlagSet("frontbase", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	flagSet.StringVar(&cfg.Store, "store", cfg.Store, "store backend: memory or postgres")
	flagSet.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "PostgreSQL connection string")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "minimum log level")
	flagSet.BoolVar(&cfg.StrictTokens, "strict-tokens", cfg.StrictTokens, "close connections presenting an invalid token")
	flagSet.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		return nil, nil, err
	}

	var cmd Command
	switch rest := flagSet.Args(); {
	case len(rest) == 0, rest[0] == "run":
		cmd = &RunCommand{}
	case rest[0] == "migrate":
		cmd = &MigrateCommand{}
	default:
		return nil, nil, fmt.Errorf("unknown command: %s\n\nValid commands: run, migrate", rest[0])
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cmd, cfg, nil
}
