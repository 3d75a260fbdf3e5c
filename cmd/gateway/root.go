package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "GATEWAY"

func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	rc := &cobra.Command{
		Use:   "gateway",
		Short: "GraphQL gateway over GraphQL, REST and function subgraphs.",
		Long: `gateway composes the subgraphs named in a descriptor into one GraphQL
schema and serves it, planning every operation into calls to the
subgraphs and merging their responses.

` + versionInfo() + "\n",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setAllConfig(viper.New(), cmd.Flags())
		},
	}
	rc.PersistentFlags().StringP("config", "c", "", "Configuration file (YAML) to read from.")

	rc.AddCommand(newServeCommand(stdin, stdout, stderr))
	rc.AddCommand(newComposeCommand(stdin, stdout, stderr))
	rc.AddCommand(newVersionCommand(stdin, stdout, stderr))

	rc.SetIn(stdin)
	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

// setAllConfig takes a FlagSet to be the definition of all configuration
// options, as well as their defaults. It reads the command line, the
// environment and a config file, and applies them in that priority order to
// the flags, which store the values where the commands read them.
//
// Environment variables are the upper-cased flag names with dots and dashes
// replaced by underscores, prefixed with GATEWAY_.
func setAllConfig(v *viper.Viper, flags *pflag.FlagSet) error {
	if err := v.BindPFlags(flags); err != nil {
		return err
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	validTags := make(map[string]bool)
	flags.VisitAll(func(f *pflag.Flag) {
		validTags[f.Name] = true
	})

	if c := v.GetString("config"); c != "" {
		v.SetConfigFile(c)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading configuration file '%s': %v", c, err)
		}
		for _, key := range v.AllKeys() {
			if !validTags[key] {
				return fmt.Errorf("invalid option in configuration file: %v", key)
			}
		}
	}

	var flagErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if flagErr != nil || f.Changed {
			// flags given on the command line win
			return
		}
		var value string
		if f.Value.Type() == "stringSlice" {
			// a list from the config file is not a comma separated string
			value = strings.Join(v.GetStringSlice(f.Name), ",")
			if value == "" {
				return
			}
		} else {
			value = v.GetString(f.Name)
		}
		flagErr = f.Value.Set(value)
	})
	return flagErr
}
