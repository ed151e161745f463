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
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Assertive-Yield/nbmemcache/memcache"
)

var (
	getCmd = &cobra.Command{
		Use:   "get [key...]",
		Short: "Gets the value of one or more keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				it, err := mc.Get(args[0])
				if errors.Is(err, memcache.ErrCacheMiss) {
					fmt.Printf("%s: miss\n", args[0])
					return nil
				}
				if err != nil {
					return err
				}
				printItem(it)
				return nil
			}
			items, err := mc.GetMulti(args)
			if err != nil {
				return err
			}
			for _, key := range args {
				if it, ok := items[key]; ok {
					printItem(it)
				} else {
					fmt.Printf("%s: miss\n", key)
				}
			}
			return nil
		},
	}
	setCmd = &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Sets the value for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return storeCommand(cmd, args, mc.Set)
		},
	}
	addCmd = &cobra.Command{
		Use:   "add [key] [value]",
		Short: "Sets the value for a key only if it is not already set",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return storeCommand(cmd, args, mc.Add)
		},
	}
	deleteCmd = &cobra.Command{
		Use:   "delete [key]",
		Short: "Deletes a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := mc.Delete(args[0]); err != nil {
				return err
			}
			fmt.Println("deleted successfully")
			return nil
		},
	}
	incrCmd = &cobra.Command{
		Use:   "incr [key] [delta]",
		Short: "Increments a numeric value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutateCommand(args, mc.Increment)
		},
	}
	decrCmd = &cobra.Command{
		Use:   "decr [key] [delta]",
		Short: "Decrements a numeric value, stopping at zero",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutateCommand(args, mc.Decrement)
		},
	}
	statsCmd = &cobra.Command{
		Use:   "stats [group]",
		Short: "Prints the statistics of every server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				stats map[string]map[string]string
				err   error
			)
			if len(args) == 1 {
				stats, err = mc.StatsGroup(args[0])
			} else {
				stats, err = mc.Stats()
			}
			if err != nil {
				return err
			}
			for _, server := range slices.Sorted(maps.Keys(stats)) {
				fmt.Printf("%s:\n", server)
				values := stats[server]
				for _, name := range slices.Sorted(maps.Keys(values)) {
					fmt.Printf("  %s = %s\n", name, values[name])
				}
			}
			return nil
		},
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Prints the version of every server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			versions, err := mc.Versions()
			if err != nil {
				return err
			}
			for _, server := range slices.Sorted(maps.Keys(versions)) {
				fmt.Printf("%s: %s\n", server, versions[server])
			}
			return nil
		},
	}
	flushCmd = &cobra.Command{
		Use:   "flush",
		Short: "Invalidates every item on every server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			delay, _ := cmd.Flags().GetDuration("delay")
			if err := mc.FlushAllDelayed(delay); err != nil {
				return err
			}
			fmt.Println("flushed successfully")
			return nil
		},
	}
	pingCmd = &cobra.Command{
		Use:   "ping",
		Short: "Checks that every server answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			if err := mc.Ping(); err != nil {
				return err
			}
			fmt.Printf("pong in %s\n", time.Since(start))
			return nil
		},
	}
	locateCmd = &cobra.Command{
		Use:   "locate [key]",
		Short: "Prints the node a key maps to, followed by its fallbacks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc := mc.Locator()
			fmt.Printf("primary: %s\n", loc.GetPrimary(args[0]))
			total := len(loc.All())
			seen := make(map[*memcache.Node]bool, total)
			for n := range loc.GetSequence(args[0]) {
				if len(seen) == total {
					break
				}
				if seen[n] {
					continue
				}
				seen[n] = true
				fmt.Printf("  %d. %s active=%t\n", len(seen), n, n.IsActive())
			}
			return nil
		},
	}
)

func init() {
	for _, c := range []*cobra.Command{setCmd, addCmd} {
		c.Flags().Int32("ttl", 0, wrapString("Expiration in seconds, 0 means never"))
		c.Flags().Uint32("flags", 0, wrapString("Opaque flags stored with the item"))
	}
	flushCmd.Flags().Duration("delay", 0, wrapString("Delay before the flush takes effect"))
}

func storeCommand(cmd *cobra.Command, args []string, store func(*memcache.Item) error) error {
	ttl, _ := cmd.Flags().GetInt32("ttl")
	flags, _ := cmd.Flags().GetUint32("flags")
	err := store(&memcache.Item{
		Key:        args[0],
		Value:      []byte(args[1]),
		Flags:      flags,
		Expiration: ttl,
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s successfully\n", cmd.Name())
	return nil
}

func mutateCommand(args []string, mutate func(string, uint64) (uint64, error)) error {
	delta, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("delta must be a number: %w", err)
	}
	v, err := mutate(args[0], delta)
	if err != nil {
		return err
	}
	fmt.Println(v)
	return nil
}

func printItem(it *memcache.Item) {
	fmt.Printf("%s: %q (flags=%d cas=%d)\n", it.Key, it.Value, it.Flags, it.CasID)
}
