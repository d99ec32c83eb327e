// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package actor routes messages between actors of a distributed job.
//
// Each actor is owned by one rank and one Thread of that rank: the Thread has the inbound queue of its
// actors, and dispatches the messages to them one at a time. The Bus delivers a Message either by
// enqueuing it locally, when the destination actor is owned by the local rank, or by serializing it and
// sending it over a transport.Transport to the owning rank, where it re-enters the same local delivery path.
//
// Data messages are stamped with a sequence number, increasing per channel: the pair
// (RegstDescID, DstActorID). Receivers can rely on data messages of a channel arriving in sequence
// order (see SequenceChecker).
package actor

import (
	"fmt"
)

// Kind of Message.
type Kind uint8

const (
	// KindControl messages carry actor-level control signals. They have no sequence number, and
	// no ordering guarantee.
	KindControl Kind = iota

	// KindData messages carry (references to) data produced by an actor. They are ordered per channel.
	KindData
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindData:
		return "data"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Message exchanged between actors.
type Message struct {
	// DstActorID is the actor the message is delivered to.
	DstActorID int64

	// SrcActorID is the actor that sent the message.
	SrcActorID int64

	// RegstDescID identifies the register (buffer descriptor) the message refers to.
	RegstDescID int64

	Kind Kind

	// SequenceNumber of a data message within its channel. Bus.Send sets it for every data message,
	// delivered locally or to a remote rank, and zeroes it for control messages.
	SequenceNumber int64

	// Payload is opaque to the bus.
	Payload []byte
}

// Channel identifies the ordered stream of data messages a message belongs to.
type Channel struct {
	RegstDescID int64
	DstActorID  int64
}

// String implements fmt.Stringer.
func (c Channel) String() string {
	return fmt.Sprintf("channel(regst=%d, dst=%d)", c.RegstDescID, c.DstActorID)
}

// Channel returns the channel of the message.
func (m *Message) Channel() Channel {
	return Channel{RegstDescID: m.RegstDescID, DstActorID: m.DstActorID}
}

// String implements fmt.Stringer.
func (m *Message) String() string {
	if m.Kind == KindData {
		return fmt.Sprintf("Message(%s, src=%d, dst=%d, regst=%d, seq=%d, %d bytes)",
			m.Kind, m.SrcActorID, m.DstActorID, m.RegstDescID, m.SequenceNumber, len(m.Payload))
	}
	return fmt.Sprintf("Message(%s, src=%d, dst=%d, regst=%d, %d bytes)",
		m.Kind, m.SrcActorID, m.DstActorID, m.RegstDescID, len(m.Payload))
}
