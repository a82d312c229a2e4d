// Copyright 2025 The AgentFS Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/blocksense-network/agentfs/cfg"
	"github.com/blocksense-network/agentfs/internal/logger"
)

var (
	cfgFile string

	bindErr       error
	configFileErr error
	unmarshalErr  error

	coreConfig *cfg.FsConfig
)

var rootCmd = &cobra.Command{
	Use:   "agentfs",
	Short: "Development tool for the AgentFS core",
	Long: `agentfs exercises the in-process AgentFS core: snapshots, branches,
per-process bindings, and CoW isolation. It is a walkthrough tool, not
the production control plane.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if err := logger.SetLogLevel(viper.GetString("log-level")); err != nil {
			return err
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}
		return cfg.Validate(coreConfig)
	},
}

// Execute runs the tool.
func Execute() error {
	return rootCmd.Execute()
}

func bindFlags(flagSet *pflag.FlagSet) error {
	flagSet.StringVar(&cfgFile, "config", "", "Path to a core config file (any format viper reads).")

	flagSet.StringP("log-level", "", "INFO", "TRACE, DEBUG, INFO, WARNING, ERROR, or OFF.")
	return viper.BindPFlag("log-level", flagSet.Lookup("log-level"))
}

func init() {
	bindErr = bindFlags(rootCmd.PersistentFlags())

	cobra.OnInitialize(initConfig)
}

// initConfig loads the core configuration on top of the defaults.
func initConfig() {
	coreConfig = cfg.NewDefaultConfig()
	if cfgFile == "" {
		return
	}

	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("reading config file: %w", err)
		return
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result: coreConfig,
	})
	if err != nil {
		unmarshalErr = err
		return
	}
	unmarshalErr = decoder.Decode(viper.AllSettings())
}
