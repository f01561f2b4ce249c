package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/docker/go-units"
	"github.com/pingcap-incubator/tinytask/kv/config"
	"github.com/pingcap-incubator/tinytask/kv/storage"
	"github.com/pingcap-incubator/tinytask/kv/storage/badger_storage"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	dbPath     string

	conf *config.Config
)

var (
	rootCmd = &cobra.Command{
		Use:   "taskstore-ctl",
		Short: "Inspect a task cache store",
		Long: `taskstore-ctl opens a task cache store and prints what it holds.
Payloads are printed raw, the store is opened read-only.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if configPath != "" {
				if conf, err = config.LoadFile(configPath); err != nil {
					return err
				}
			} else {
				conf = config.NewDefaultConfig()
			}
			if dbPath != "" {
				conf.DBPath = dbPath
			}
			// every command runs once, the store is not watched
			conf.SizeReportInterval = ""
			return conf.SetupLogger()
		},
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Print entry counts and sizes of every table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *badger_storage.BadgerStorage) error {
				stats, err := s.Stats()
				if err != nil {
					return err
				}
				for _, t := range stats.Tables {
					fmt.Printf("%-20s %10d entries %12s keys %12s values\n", t.Name, t.Entries,
						units.BytesSize(float64(t.KeyBytes)), units.BytesSize(float64(t.ValueBytes)))
				}
				fmt.Printf("lsm size:     %s\n", units.BytesSize(float64(stats.LSMSize)))
				fmt.Printf("vlog size:    %s\n", units.BytesSize(float64(stats.VlogSize)))
				fmt.Printf("disk size:    %s\n", units.BytesSize(float64(stats.DiskSize)))
				fmt.Printf("max map size: %s\n", units.BytesSize(float64(stats.MaxMapSize)))
				fmt.Printf("next free id: %d\n", stats.NextFreeID)
				return nil
			})
		},
	}

	nextIDCmd = &cobra.Command{
		Use:   "next-id",
		Short: "Print the next free task id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *badger_storage.BadgerStorage) error {
				fmt.Println(s.NextFreeTaskID())
				return nil
			})
		},
	}

	pendingOpsCmd = &cobra.Command{
		Use:   "pending-ops",
		Short: "Print the operations journal of the last snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *badger_storage.BadgerStorage) error {
				ops := s.UncompletedOperations()
				fmt.Printf("%d pending operations\n", len(ops))
				for i, op := range ops {
					fmt.Printf("%4d %q\n", i, op)
				}
				return nil
			})
		},
	}

	reverseCmd = &cobra.Command{
		Use:   "reverse [id]",
		Short: "Print the task type registered for a task id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withStore(func(s *badger_storage.BadgerStorage) error {
				taskType, ok := s.ReverseLookupTaskCache(id)
				if !ok {
					return fmt.Errorf("task %d is not registered", id)
				}
				fmt.Printf("%q\n", taskType)
				return nil
			})
		},
	}

	lookupCmd = &cobra.Command{
		Use:   "lookup [id]",
		Short: "Print the cached data items of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withStore(func(s *badger_storage.BadgerStorage) error {
				items := s.LookupData(id)
				fmt.Printf("%d items\n", len(items))
				for _, item := range items {
					fmt.Printf("%q\n", item.(*storage.RawItem).Data)
				}
				return nil
			})
		},
	}
)

func parseTaskID(s string) (storage.TaskID, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid task id %q: %v", s, err)
	}
	return storage.TaskID(id), nil
}

func withStore(fn func(s *badger_storage.BadgerStorage) error) error {
	s, err := badger_storage.NewReadOnlyBadgerStorage(conf, storage.RawCodec{})
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Error("failed to close store", zap.Error(err))
		}
	}()
	return fn(s)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db-path", "", "store directory, overrides the config")

	rootCmd.AddCommand(statsCmd, nextIDCmd, pendingOpsCmd, reverseCmd, lookupCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
