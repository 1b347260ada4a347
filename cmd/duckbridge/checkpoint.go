package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/duckbridge/pkg/checkpoint"
	"github.com/ajitpratap0/duckbridge/pkg/config"
	"github.com/ajitpratap0/duckbridge/pkg/json"
)

func newCheckpointCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or reset pipeline checkpoints",
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to the YAML configuration file")
	config.RegisterFlags(cmd.PersistentFlags())

	open := func(cmd *cobra.Command) (*config.Config, *checkpoint.BoltStore, error) {
		cfg, err := config.Load(configFile, cmd.Flags())
		if err != nil {
			return nil, nil, err
		}
		store, err := checkpoint.Open(cfg.Checkpoint.Path, cfg.Checkpoint.Bucket)
		if err != nil {
			return nil, nil, err
		}
		return cfg, store, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print every checkpoint in the checkpoint file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			all, err := store.List()
			if err != nil {
				return err
			}
			names := make([]string, 0, len(all))
			for name := range all {
				names = append(names, name)
			}
			sort.Strings(names)

			type entry struct {
				Pipeline string `json:"pipeline"`
				checkpoint.Checkpoint
			}
			out := make([]entry, 0, len(names))
			for _, name := range names {
				out = append(out, entry{Pipeline: name, Checkpoint: all[name]})
			}
			data, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(append(data, '\n'))
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Delete the checkpoint of the configured pipeline",
		Long: `Delete the checkpoint of the configured pipeline. The next run starts from
the beginning of the source and re-lands every row; landing is idempotent, so
existing rows are replaced, not duplicated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Reset(context.Background(), cfg.Name); err != nil {
				return err
			}
			fmt.Printf("checkpoint of %q reset\n", cfg.Name)
			return nil
		},
	})
	return cmd
}
