// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/distexec/pkg/core/boxing"
	"github.com/gomlx/distexec/pkg/core/distributed"
	"github.com/gomlx/distexec/pkg/core/tensors"
	"github.com/gomlx/distexec/pkg/core/transport"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type boxOptions struct {
	*rootOptions
	Src, SrcSbp, Dst, DstSbp string
	Shape                    string
	Timeout                  time.Duration
}

func newBoxCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &boxOptions{rootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "box",
		Short: "Convert a tensor between two distributed layouts, over in-process ranks",
		Long: `Creates a float32 tensor with the values 0, 1, 2, ... laid out as --src/--src-sbp, and boxes it
to --dst/--dst-sbp, with one in-process rank per rank of either placement. It prints the strategy used
and the shard held by each rank.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBox(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.Src, "src", "cpu:0,1", "source placement, e.g. \"cpu:0,1\"")
	cmd.Flags().StringVar(&opts.SrcSbp, "src-sbp", "S(0)", "source layout directives, e.g. \"S(0)\" or \"B\"")
	cmd.Flags().StringVar(&opts.Dst, "dst", "cpu:0-3", "destination placement")
	cmd.Flags().StringVar(&opts.DstSbp, "dst-sbp", "S(0)", "destination layout directives")
	cmd.Flags().StringVar(&opts.Shape, "shape", "8", "comma-separated dimensions of the logical tensor")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "timeout of each collective step")
	return cmd
}

func parseLayout(placementDesc, ndSbpDesc string) (*distributed.PlacedLayout, error) {
	placement, err := distributed.ParsePlacement(placementDesc)
	if err != nil {
		return nil, err
	}
	ndSbp, err := distributed.ParseNdSbp(ndSbpDesc)
	if err != nil {
		return nil, err
	}
	return distributed.NewPlacedLayout(placement, ndSbp)
}

// shardOf returns the view of rank of the full tensor laid out as layout.
func shardOf(full *tensors.Tensor, layout *distributed.PlacedLayout, rank int64) (*distributed.Tensor, error) {
	var local *tensors.Tensor
	if idx, found := layout.Placement().RankIndex(rank); found {
		ranges, err := layout.ShardRanges(full.Shape(), idx)
		if err != nil {
			return nil, err
		}
		local, err = full.SliceAxis0(ranges[0].Begin, ranges[0].End)
		if err != nil {
			return nil, err
		}
	}
	return distributed.LocalToGlobal(local, layout, full.Shape(), rank)
}

func runBox(ctx context.Context, w io.Writer, opts *boxOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	src, err := parseLayout(opts.Src, opts.SrcSbp)
	if err != nil {
		return errors.WithMessage(err, "--src")
	}
	dst, err := parseLayout(opts.Dst, opts.DstSbp)
	if err != nil {
		return errors.WithMessage(err, "--dst")
	}
	dims64, err := parseInts(opts.Shape)
	if err != nil {
		return errors.WithMessage(err, "--shape")
	}
	dims := make([]int, len(dims64))
	size := 1
	for i, d := range dims64 {
		if d <= 0 {
			return errors.Errorf("--shape %q: dimensions must be > 0", opts.Shape)
		}
		dims[i] = int(d)
		size *= dims[i]
	}
	for i, sbp := range slices.Concat(src.NdSbp(), dst.NdSbp()) {
		if sbp.Kind == distributed.Split && sbp.Axis != 0 {
			return errors.Errorf("directive #%d %s: only axis 0 can be split", i, sbp)
		}
	}
	if src.NDims() != 1 || dst.NDims() != 1 {
		return errors.New("only 1-D placements are supported")
	}
	values := make([]float32, size)
	for i := range values {
		values[i] = float32(i)
	}
	full := tensors.FromFlatDataAndDimensions(values, dims...)

	strategy, err := boxing.NewDefaultRegistry().Resolve(src, dst)
	if err != nil {
		return err
	}

	ranks := distributed.UnionRanks(src.Placement(), dst.Placement())
	network, err := transport.NewLocalNetwork(ranks...)
	if err != nil {
		return err
	}
	defer func() { _ = network.Close() }()

	results := make([]*distributed.Tensor, len(ranks))
	var g errgroup.Group
	for i, rank := range ranks {
		ep, err := network.Endpoint(rank)
		if err != nil {
			return err
		}
		boxer, err := boxing.NewBoxer(boxing.NewDefaultRegistry(), &boxing.Env{Transport: ep, Timeout: opts.Timeout})
		if err != nil {
			return err
		}
		input, err := shardOf(full, src, rank)
		if err != nil {
			return err
		}
		g.Go(func() error {
			defer boxer.Close()
			out, err := boxer.ResolveAndExecute(ctx, input, dst)
			if err != nil {
				return errors.WithMessagef(err, "rank %d", rank)
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(w, "boxing %s from %s to %s with strategy %q\n", full.Shape(), src, dst, strategy.Name)
	table := newTable("Rank", "Rows", "Shape", "Size", "Values")
	for i, rank := range ranks {
		local := results[i].Local()
		if local == nil {
			if opts.Format == formatText {
				_, _ = fmt.Fprintf(w, "rank %d: no shard\n", rank)
			} else {
				table.Row(strconv.FormatInt(rank, 10), "-", "-", "-", "-")
			}
			continue
		}
		idx, _ := dst.Placement().RankIndex(rank)
		ranges, err := dst.ShardRanges(full.Shape(), idx)
		if err != nil {
			return err
		}
		size := humanize.Bytes(uint64(local.Memory()))
		flat := fmt.Sprint(tensors.CopyFlatData[float32](local))
		if opts.Format == formatText {
			_, _ = fmt.Fprintf(w, "rank %d: rows %s, %s: %s\n", rank, ranges[0], size, flat)
		} else {
			table.Row(strconv.FormatInt(rank, 10), ranges[0].String(), local.Shape().String(), size, flat)
		}
	}
	if opts.Format == formatTable {
		_, _ = fmt.Fprintln(w, table.Render())
	}
	return nil
}
