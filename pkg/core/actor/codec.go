// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actor

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedMessage is returned (wrapped) when a received buffer can't be decoded into a Message.
var ErrMalformedMessage = errors.New("malformed actor message")

// Wire field numbers of a Message. They are part of the contract between ranks: never renumber them.
const (
	fieldDstActorID     protowire.Number = 1
	fieldSrcActorID     protowire.Number = 2
	fieldRegstDescID    protowire.Number = 3
	fieldKind           protowire.Number = 4
	fieldSequenceNumber protowire.Number = 5
	fieldPayload        protowire.Number = 6
)

// Marshal serializes the message with the protobuf wire format.
// The sequence number is only written for data messages.
func Marshal(msg *Message) []byte {
	b := make([]byte, 0, len(msg.Payload)+48)
	b = appendSigned(b, fieldDstActorID, msg.DstActorID)
	b = appendSigned(b, fieldSrcActorID, msg.SrcActorID)
	b = appendSigned(b, fieldRegstDescID, msg.RegstDescID)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.Kind))
	if msg.Kind == KindData {
		b = appendSigned(b, fieldSequenceNumber, msg.SequenceNumber)
	}
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, msg.Payload)
	return b
}

func appendSigned(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

// Unmarshal decodes a message serialized with Marshal. Unknown fields are skipped.
// The returned payload doesn't alias data.
func Unmarshal(data []byte) (*Message, error) {
	msg := &Message{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, errors.Wrapf(ErrMalformedMessage, "invalid tag: %v", protowire.ParseError(n))
		}
		data = data[n:]
		if typ == protowire.VarintType && num >= fieldDstActorID && num <= fieldSequenceNumber {
			var v uint64
			v, n = protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errors.Wrapf(ErrMalformedMessage, "invalid field %d: %v", num, protowire.ParseError(n))
			}
			switch num {
			case fieldDstActorID:
				msg.DstActorID = protowire.DecodeZigZag(v)
			case fieldSrcActorID:
				msg.SrcActorID = protowire.DecodeZigZag(v)
			case fieldRegstDescID:
				msg.RegstDescID = protowire.DecodeZigZag(v)
			case fieldKind:
				if v > uint64(KindData) {
					return nil, errors.Wrapf(ErrMalformedMessage, "invalid message kind %d", v)
				}
				msg.Kind = Kind(v)
			case fieldSequenceNumber:
				msg.SequenceNumber = protowire.DecodeZigZag(v)
			}
		} else if num == fieldPayload && typ == protowire.BytesType {
			var v []byte
			v, n = protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, errors.Wrapf(ErrMalformedMessage, "invalid payload: %v", protowire.ParseError(n))
			}
			msg.Payload = append([]byte(nil), v...)
		} else {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, errors.Wrapf(ErrMalformedMessage, "invalid field %d: %v", num, protowire.ParseError(n))
			}
		}
		data = data[n:]
	}
	return msg, nil
}
