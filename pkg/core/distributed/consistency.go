// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/gomlx/distexec/pkg/core/tensors"
	"github.com/gomlx/distexec/pkg/core/transport"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
	"k8s.io/klog/v2"
)

// ErrDataConsistency is returned (wrapped) by CheckReplicatedConsistency when the ranks of a placement
// don't hold the same data.
var ErrDataConsistency = errors.New("each rank must have the same input data")

// CheckReplicatedConsistency verifies that every rank of the placement holds the same data, before it is
// used as a replicated (all-broadcast) tensor.
//
// It runs one ring exchange over the ranks of the placement: each rank sends its data to its successor and
// compares its own data with the one received from its predecessor, element by element, requiring
// bit-identical values. Since every rank compares with its predecessor, the check fails on at least one
// rank if any two ranks differ. The returned error wraps ErrDataConsistency and names the first mismatching element.
//
// Ranks outside the placement don't participate and return nil immediately. A token is always drawn
// from tokens, so that all ranks keep their sequencers aligned.
func CheckReplicatedConsistency(ctx context.Context, tr transport.Transport, tokens *transport.TokenSequencer,
	data *tensors.Tensor, placement *Placement, timeout time.Duration) error {
	token := tokens.Next(transport.TokenKindCheck)
	rank := tr.Rank()
	if !placement.HasRank(rank) {
		klog.V(2).Infof("rank %d is not in placement %s: skipping consistency check", rank, placement)
		return nil
	}
	group, err := transport.NewRankGroup(placement.Ranks())
	if err != nil {
		return err
	}
	prevRank, err := group.PrevRank(rank)
	if err != nil {
		return err
	}
	local := data.Bytes()
	received, err := transport.RingExchange(ctx, tr, group, token, local, timeout)
	if err != nil {
		return errors.WithMessagef(err, "consistency check of %s on rank %d", data.Shape(), rank)
	}
	if len(received) != len(local) {
		return errors.Wrapf(ErrDataConsistency, "rank %d holds %d bytes, but previous rank %d sent %d bytes",
			rank, len(local), prevRank, len(received))
	}
	remote, err := tensors.FromBytes(data.Shape(), received)
	if err != nil {
		return errors.WithMessagef(err, "consistency check on rank %d", rank)
	}
	idx, localValue, remoteValue := firstMismatch(data, remote)
	if idx >= 0 {
		return errors.Wrapf(ErrDataConsistency,
			"rank %d and previous rank %d differ at element #%d: %s != %s",
			rank, prevRank, idx, localValue, remoteValue)
	}
	klog.V(2).Infof("rank %d: %s is consistent with rank %d", rank, data.Shape(), prevRank)
	return nil
}

// firstMismatch returns the index of the first element whose bytes differ between the two tensors (with
// the same shape), along with both values formatted. It returns -1 if they are bit-identical.
//
// Floats are compared by bit pattern: NaNs with the same payload match, and 0 doesn't match -0.
func firstMismatch(a, b *tensors.Tensor) (idx int, aValue, bValue string) {
	aBytes, bBytes := a.Bytes(), b.Bytes()
	n := a.Size()
	if n == 0 || len(aBytes) != len(bBytes) {
		return -1, "", ""
	}
	width := len(aBytes) / n
	for i := range n {
		begin, end := i*width, (i+1)*width
		if !bytes.Equal(aBytes[begin:end], bBytes[begin:end]) {
			return i, elementString(a, i), elementString(b, i)
		}
	}
	return -1, "", ""
}

// floatString formats a float with its bit pattern, since different bits can print the same (e.g. NaN).
func floatString[F constraints.Float, B constraints.Unsigned](v F, bits B) string {
	return fmt.Sprintf("%g (%#x)", v, bits)
}

func elementString(t *tensors.Tensor, idx int) (str string) {
	t.ConstFlatData(func(flat any) {
		switch typed := flat.(type) {
		case []float32:
			str = floatString(typed[idx], math.Float32bits(typed[idx]))
		case []float64:
			str = floatString(typed[idx], math.Float64bits(typed[idx]))
		case []float16.Float16:
			str = floatString(typed[idx].Float32(), typed[idx].Bits())
		case []bfloat16.BFloat16:
			str = floatString(typed[idx].Float32(), uint16(typed[idx]))
		default:
			str = fmt.Sprintf("%v", reflect.ValueOf(flat).Index(idx).Interface())
		}
	})
	return
}
