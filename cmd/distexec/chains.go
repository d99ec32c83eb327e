// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/distexec/pkg/cluster"
	"github.com/gomlx/distexec/pkg/core/chaingraph"
	"github.com/gomlx/distexec/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type chainsOptions struct {
	*rootOptions
	Config      string
	Capacity    int
	CapacitySet bool
}

func newChainsCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &chainsOptions{rootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "chains <taskgraph.yaml>",
		Short: "Partition a task graph into chains",
		Long: `Reads a task graph in YAML format:

  nodes:
    - {id: 0, rank: 0, stream: "cpu:0/compute", name: load}
    - {id: 1, rank: 0, stream: "cpu:0/compute", name: matmul}
  edges:
    - [0, 1]

and prints the chains it is partitioned into, in topological order.

With --config, the chain graph options (bitset_capacity) are taken from the cluster configuration file,
and --capacity, if given, overrides it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.CapacitySet = cmd.Flags().Changed("capacity")
			return runChains(cmd.OutOrStdout(), opts, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.Config, "config", "", "optional cluster configuration file")
	cmd.Flags().IntVar(&opts.Capacity, "capacity", chaingraph.DefaultCapacity,
		"capacity of the ancestor bitsets: task node ids must be smaller")
	return cmd
}

// buildOptions returns the chaingraph.Build options from the configuration file and flags.
func (opts *chainsOptions) buildOptions() ([]chaingraph.Option, error) {
	if opts.Config == "" {
		return []chaingraph.Option{chaingraph.WithCapacity(opts.Capacity)}, nil
	}
	cfg, err := cluster.Load(opts.Config)
	if err != nil {
		return nil, err
	}
	options := cfg.ChainGraphOptions()
	if opts.CapacitySet {
		options = append(options, chaingraph.WithCapacity(opts.Capacity))
	}
	return options, nil
}

func runChains(w io.Writer, opts *chainsOptions, path string) error {
	buildOpts, err := opts.buildOptions()
	if err != nil {
		return err
	}
	resolved, err := fsutil.ResolveFile(path)
	if err != nil {
		return errors.WithMessage(err, "task graph")
	}
	f, err := os.Open(resolved)
	if err != nil {
		return errors.Wrapf(err, "failed to open task graph %q", path)
	}
	defer func() { _ = f.Close() }()
	g, err := chaingraph.LoadTaskGraph(f)
	if err != nil {
		return errors.WithMessagef(err, "task graph %q", path)
	}
	cg, err := chaingraph.Build(g, buildOpts...)
	if err != nil {
		return errors.WithMessagef(err, "task graph %q", path)
	}

	_, _ = fmt.Fprintf(w, "%s task nodes, %s chains, %s chain edges\n",
		humanize.Comma(int64(g.NumNodes())), humanize.Comma(int64(cg.NumChains())),
		humanize.Comma(int64(len(cg.Edges()))))
	if opts.Format == formatText {
		_, _ = fmt.Fprint(w, cg.Visualize())
		return nil
	}
	table := newTable("Chain", "Rank", "Stream", "Tasks", "Ancestors", "Successors")
	for _, c := range cg.Chains() {
		table.Row(strconv.Itoa(c.ID), strconv.FormatInt(c.Rank, 10), string(c.StreamArea),
			strconv.Itoa(len(c.Nodes)), strconv.Itoa(c.Ancestors.Count()), fmt.Sprint(cg.Successors(c.ID)))
	}
	_, _ = fmt.Fprintln(w, table.Render())
	return nil
}
