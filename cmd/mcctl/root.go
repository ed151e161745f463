/*
Copyright 2011 The gomemcache AUTHORS

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Assertive-Yield/nbmemcache/memcache"
)

var (
	mc *memcache.Client

	rootCmd = &cobra.Command{
		Use:   "mcctl",
		Short: "Inspect and modify a memcached cluster",
		Long: `mcctl runs single operations against a memcached cluster using the
non-blocking nbmemcache client. Every flag can also be set through an
MCCTL_ prefixed environment variable or a .env file.`,
		SilenceUsage:       true,
		PersistentPreRunE:  setupClient,
		PersistentPostRunE: closeClient,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	setupClientFlags(rootCmd)

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(incrCmd)
	rootCmd.AddCommand(decrCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(locateCmd)
}

// setupClient creates the client shared by the subcommands.
func setupClient(cmd *cobra.Command, _ []string) error {
	if err := bindFlags(cmd); err != nil {
		return err
	}
	var err error
	mc, err = newClient()
	return err
}

func closeClient(*cobra.Command, []string) error {
	if mc == nil {
		return nil
	}
	if viper.GetBool("metrics") {
		mc.WriteMetrics(os.Stdout)
	}
	return mc.Close()
}
