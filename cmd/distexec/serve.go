// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gomlx/distexec/pkg/cluster"
	"github.com/gomlx/distexec/pkg/core/actor"
	"github.com/gomlx/distexec/pkg/core/distributed"
	"github.com/gomlx/distexec/pkg/core/tensors"
	"github.com/gomlx/distexec/pkg/core/transport"
	"github.com/gomlx/distexec/pkg/support/xsync"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

type serveOptions struct {
	*rootOptions
	Config         string
	Values         string
	Messages       int
	Rank           int64
	TimeoutSeconds float64
}

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run one rank of the cluster over gRPC",
		Long: `Starts the gRPC transport of the rank given in the --config cluster file, and:

  1. runs the replicated-data consistency check of --values against the other ranks of the cluster;
  2. sends --messages sequenced data messages through the actor message bus to the actor of the
     previous rank, and waits for the ones sent by the next rank, checking their order.

The other ranks must run the same command with their own configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.Config, "config", "cluster.yaml", "cluster configuration file")
	cmd.Flags().StringVar(&opts.Values, "values", "1,2,3", "comma-separated int64 data of this rank")
	cmd.Flags().IntVar(&opts.Messages, "messages", 3, "number of data messages sent through the message bus")
	cmd.Flags().Int64Var(&opts.Rank, "rank", -1, "overrides the rank of the configuration file, if >= 0")
	cmd.Flags().Float64Var(&opts.TimeoutSeconds, "timeout-seconds", 0,
		"overrides the timeout of the configuration file, if > 0")
	return cmd
}

// sequencedReceiver is the actor of a rank: it checks the order of the data messages it receives and
// triggers done once it got the expected number.
type sequencedReceiver struct {
	checker *actor.SequenceChecker
	want    int
	count   int
	done    *xsync.Latch
}

func newSequencedReceiver(want int) *sequencedReceiver {
	r := &sequencedReceiver{checker: actor.NewSequenceChecker(), want: want, done: xsync.NewLatch()}
	if want == 0 {
		r.done.Trigger()
	}
	return r
}

// Handle implements actor.Actor. Messages of one actor are handled sequentially by its thread.
func (r *sequencedReceiver) Handle(_ context.Context, msg *actor.Message) error {
	if err := r.checker.Observe(msg); err != nil {
		return err
	}
	r.count++
	if r.count == r.want {
		r.done.Trigger()
	}
	return nil
}

func runServe(ctx context.Context, w io.Writer, opts *serveOptions) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Messages < 0 {
		return errors.Errorf("--messages must be >= 0, got %d", opts.Messages)
	}
	cfg, err := cluster.Load(opts.Config)
	if err != nil {
		return err
	}
	if opts.Rank >= 0 || opts.TimeoutSeconds > 0 {
		if opts.Rank >= 0 {
			cfg.Rank = opts.Rank
		}
		if opts.TimeoutSeconds > 0 {
			cfg.TimeoutSeconds = opts.TimeoutSeconds
		}
		if err := cfg.Validate(); err != nil {
			return errors.WithMessage(err, "command-line overrides")
		}
	}
	values, err := parseInts(opts.Values)
	if err != nil {
		return errors.WithMessage(err, "--values")
	}
	placement, err := cfg.Placement()
	if err != nil {
		return err
	}
	group, err := transport.NewRankGroup(placement.Ranks())
	if err != nil {
		return err
	}
	prevRank, err := group.PrevRank(cfg.Rank)
	if err != nil {
		return err
	}
	nextRank, err := group.NextRank(cfg.Rank)
	if err != nil {
		return err
	}

	tr, err := cfg.NewTransport()
	if err != nil {
		return err
	}
	defer func() {
		if err := tr.Close(); err != nil {
			klog.Warningf("closing transport of rank %d: %+v", cfg.Rank, err)
		}
	}()
	klog.V(1).Infof("rank %d listening on %s, placement %s", cfg.Rank, tr.Addr(), placement)

	// Each rank runs one actor, with the id of the rank, on its thread 0.
	ids := actor.NewIDManager()
	for _, rank := range placement.Ranks() {
		if err := ids.Register(rank, rank, 0); err != nil {
			return err
		}
	}
	ids.Freeze()
	threads := actor.NewThreadManagerFromIDs(ids, cfg.Rank, cfg.WorkersPool())
	thread, err := threads.Thread(0)
	if err != nil {
		return err
	}
	receiver := newSequencedReceiver(opts.Messages)
	if err := thread.Register(cfg.Rank, receiver); err != nil {
		return err
	}
	if err := threads.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if stopErr := threads.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}()
	bus, err := actor.NewBus(ids, threads, tr)
	if err != nil {
		return err
	}
	defer bus.Close()

	// The consistency check also guarantees the previous rank is up, with its message bus, before
	// any message is sent to it.
	data := tensors.FromFlatDataAndDimensions(values, len(values))
	err = distributed.CheckReplicatedConsistency(ctx, tr, transport.NewTokenSequencer(), data, placement, cfg.Timeout())
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "rank %d: consistent with %d ranks of %s\n", cfg.Rank, placement.NumRanks(), placement)

	for i := range opts.Messages {
		msg := &actor.Message{SrcActorID: cfg.Rank, DstActorID: prevRank, Kind: actor.KindData, Payload: []byte{byte(i)}}
		if err := bus.Send(ctx, msg); err != nil {
			return err
		}
	}
	timer := time.NewTimer(cfg.Timeout())
	defer timer.Stop()
	select {
	case <-receiver.done.WaitChan():
	case <-timer.C:
		return errors.Wrapf(transport.ErrTimeout, "rank %d received %d of %d messages from rank %d after %s",
			cfg.Rank, receiver.checker.Next(actor.Channel{DstActorID: cfg.Rank}), opts.Messages, nextRank, cfg.Timeout())
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := bus.Err(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "rank %d: received %d sequenced messages from rank %d\n", cfg.Rank, opts.Messages, nextRank)
	return nil
}
