// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/distexec/pkg/core/distributed"
	"github.com/gomlx/distexec/pkg/core/tensors"
	"github.com/gomlx/distexec/pkg/core/transport"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type checkOptions struct {
	*rootOptions
	Placement string
	Values    string
	Timeout   time.Duration
}

func newCheckCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &checkOptions{rootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check that in-process ranks hold the same data",
		Long: `Runs the replicated-data consistency check over one in-process rank per rank of --placement.
--values holds the int64 data of each rank, separated by ";", e.g. "1,2,3;1,2,4".
A single list is given to every rank.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.Placement, "placement", "cpu:0,1", "placement of the replicated data")
	cmd.Flags().StringVar(&opts.Values, "values", "1,2,3", "data of each rank: comma-separated values, ranks separated by \";\"")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "timeout of the ring exchange")
	return cmd
}

func runCheck(ctx context.Context, w io.Writer, opts *checkOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	placement, err := distributed.ParsePlacement(opts.Placement)
	if err != nil {
		return errors.WithMessage(err, "--placement")
	}
	ranks := placement.Ranks()
	lists := strings.Split(opts.Values, ";")
	if len(lists) != 1 && len(lists) != len(ranks) {
		return errors.Errorf("--values has %d lists, but placement %s has %d ranks", len(lists), placement, len(ranks))
	}
	data := make([]*tensors.Tensor, len(ranks))
	for i := range ranks {
		values, err := parseInts(lists[min(i, len(lists)-1)])
		if err != nil {
			return errors.WithMessage(err, "--values")
		}
		data[i] = tensors.FromFlatDataAndDimensions(values, len(values))
	}

	network, err := transport.NewLocalNetwork(ranks...)
	if err != nil {
		return err
	}
	defer func() { _ = network.Close() }()
	errs := make([]error, len(ranks))
	var wg sync.WaitGroup
	for i, rank := range ranks {
		ep, err := network.Endpoint(rank)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = distributed.CheckReplicatedConsistency(ctx, ep, transport.NewTokenSequencer(), data[i],
				placement, opts.Timeout)
		}()
	}
	wg.Wait()

	var numInconsistent int
	table := newTable("Rank", "Size", "Result")
	for i, rank := range ranks {
		result := "consistent"
		if errs[i] != nil {
			if !errors.Is(errs[i], distributed.ErrDataConsistency) {
				return errors.WithMessagef(errs[i], "rank %d", rank)
			}
			numInconsistent++
			result = errs[i].Error()
		}
		if opts.Format == formatText {
			_, _ = fmt.Fprintf(w, "rank %d: %s\n", rank, result)
		} else {
			table.Row(strconv.FormatInt(rank, 10), humanize.Bytes(uint64(data[i].Memory())), result)
		}
	}
	if opts.Format == formatTable {
		_, _ = fmt.Fprintln(w, table.Render())
	}
	if numInconsistent > 0 {
		return errors.Wrapf(distributed.ErrDataConsistency, "%d of %d ranks found a mismatch", numInconsistent, len(ranks))
	}
	return nil
}
