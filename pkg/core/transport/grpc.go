// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protowire"
	"k8s.io/klog/v2"
)

// GRPCTransport implements Transport across processes: each rank runs a gRPC server with a single unary
// method (Deliver), and sends frames to its peers by calling their Deliver.
//
// Frames are sent as raw bytes (no generated protobuf messages): the envelope is encoded with protowire.
// Untagged messages to one destination are sent one at a time, so they are delivered in the order of
// the SendMessage calls.
type GRPCTransport struct {
	rank     int64
	listener net.Listener
	server   *grpc.Server
	box      *mailbox

	muPeers sync.RWMutex
	peers   map[int64]*grpcPeer

	muCallback sync.RWMutex
	callback   ReceiveCallback
}

type grpcPeer struct {
	addr string
	conn *grpc.ClientConn

	// muMessages serializes untagged messages to this peer.
	muMessages sync.Mutex
}

var _ Transport = (*GRPCTransport)(nil)

const (
	grpcServiceName   = "distexec.transport.Transport"
	grpcDeliverMethod = "/" + grpcServiceName + "/Deliver"
)

// NewGRPCTransport creates the transport of rank, serving on listenAddr (e.g. "localhost:0" to pick a free
// port, see Addr). Peers must be connected with Connect before sending to them.
func NewGRPCTransport(rank int64, listenAddr string) (*GRPCTransport, error) {
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "rank %d failed to listen on %q", rank, listenAddr)
	}
	t := &GRPCTransport{
		rank:     rank,
		listener: lis,
		box:      newMailbox(),
		peers:    make(map[int64]*grpcPeer),
	}
	t.server = grpc.NewServer(grpc.ForceServerCodec(rawCodec{}))
	t.server.RegisterService(&grpcServiceDesc, &grpcFrameServer{t: t})
	go func() {
		if err := t.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			klog.Errorf("rank %d gRPC transport stopped serving: %+v", rank, err)
		}
	}()
	klog.V(1).Infof("rank %d gRPC transport listening on %s", rank, lis.Addr())
	return t, nil
}

// Addr returns the address the transport is listening on.
func (t *GRPCTransport) Addr() string { return t.listener.Addr().String() }

// Connect registers the addresses of the peers. The entry of the local rank, if present, is ignored.
// Connections are established lazily, on the first frame sent, and sends to a peer that is not listening
// yet block until it comes up or their context is done.
func (t *GRPCTransport) Connect(peers map[int64]string) error {
	t.muPeers.Lock()
	defer t.muPeers.Unlock()
	for rank, addr := range peers {
		if rank == t.rank {
			continue
		}
		if old, found := t.peers[rank]; found {
			if old.addr == addr {
				continue
			}
			_ = old.conn.Close()
		}
		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return errors.Wrapf(err, "rank %d failed to create client to rank %d at %q", t.rank, rank, addr)
		}
		t.peers[rank] = &grpcPeer{addr: addr, conn: conn}
	}
	return nil
}

// Rank implements Transport.
func (t *GRPCTransport) Rank() int64 { return t.rank }

func (t *GRPCTransport) peer(dstRank int64) (*grpcPeer, error) {
	if t.box.isClosed() {
		return nil, errors.Wrapf(ErrClosed, "rank %d gRPC transport", t.rank)
	}
	t.muPeers.RLock()
	defer t.muPeers.RUnlock()
	p, found := t.peers[dstRank]
	if !found {
		return nil, errors.Wrapf(ErrUnknownRank, "rank %d has no address for rank %d", t.rank, dstRank)
	}
	return p, nil
}

func (t *GRPCTransport) deliverTo(ctx context.Context, p *grpcPeer, dstRank int64, f frame) error {
	in := encodeFrame(f)
	var out []byte
	// Peers that are not up yet are waited for, until ctx is done.
	err := p.conn.Invoke(ctx, grpcDeliverMethod, &in, &out, grpc.ForceCodec(rawCodec{}), grpc.WaitForReady(true))
	if err != nil {
		return errors.Wrapf(err, "rank %d failed to deliver frame to rank %d (%s)", t.rank, dstRank, p.addr)
	}
	return nil
}

// Send implements Transport.
func (t *GRPCTransport) Send(ctx context.Context, dstRank int64, token Token, data []byte) error {
	p, err := t.peer(dstRank)
	if err != nil {
		return err
	}
	klog.V(3).Infof("gRPC: rank %d -> rank %d, token %s, %d bytes", t.rank, dstRank, token, len(data))
	return t.deliverTo(ctx, p, dstRank, frame{src: t.rank, tagged: true, token: token, data: data})
}

// Receive implements Transport.
func (t *GRPCTransport) Receive(ctx context.Context, srcRank int64, token Token) ([]byte, error) {
	return t.box.receive(ctx, srcRank, token)
}

// SendMessage implements Transport.
func (t *GRPCTransport) SendMessage(ctx context.Context, dstRank int64, data []byte) error {
	p, err := t.peer(dstRank)
	if err != nil {
		return err
	}
	p.muMessages.Lock()
	defer p.muMessages.Unlock()
	return t.deliverTo(ctx, p, dstRank, frame{src: t.rank, data: data})
}

// SetReceiveCallback implements Transport.
func (t *GRPCTransport) SetReceiveCallback(cb ReceiveCallback) {
	t.muCallback.Lock()
	defer t.muCallback.Unlock()
	t.callback = cb
}

// Close implements Transport. It stops the server and closes the connections to the peers.
func (t *GRPCTransport) Close() error {
	t.box.close()
	t.server.Stop()
	t.muPeers.Lock()
	defer t.muPeers.Unlock()
	var firstErr error
	for rank, p := range t.peers {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "closing connection to rank %d", rank)
		}
	}
	clear(t.peers)
	return firstErr
}

// handleFrame is called by the server for every frame received.
func (t *GRPCTransport) handleFrame(f frame) error {
	if f.tagged {
		return t.box.deliver(f.src, f.token, f.data)
	}
	t.muCallback.RLock()
	cb := t.callback
	t.muCallback.RUnlock()
	if cb == nil {
		return errors.Errorf("rank %d has no receive callback registered", t.rank)
	}
	return cb(f.src, f.data)
}

// frame is the envelope exchanged by GRPCTransport.
type frame struct {
	src    int64
	tagged bool
	token  Token
	data   []byte
}

// Field numbers of the frame envelope.
const (
	frameFieldSrc    protowire.Number = 1
	frameFieldToken  protowire.Number = 2
	frameFieldData   protowire.Number = 3
	frameFieldTagged protowire.Number = 4
)

func encodeFrame(f frame) []byte {
	b := make([]byte, 0, len(f.data)+40)
	b = protowire.AppendTag(b, frameFieldSrc, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.src))
	if f.tagged {
		b = protowire.AppendTag(b, frameFieldToken, protowire.BytesType)
		b = protowire.AppendBytes(b, f.token[:])
		b = protowire.AppendTag(b, frameFieldTagged, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	b = protowire.AppendTag(b, frameFieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, f.data)
	return b
}

func decodeFrame(b []byte) (f frame, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, errors.Wrap(protowire.ParseError(n), "invalid frame tag")
		}
		b = b[n:]
		switch {
		case num == frameFieldSrc && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			f.src = int64(v)
		case num == frameFieldTagged && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			f.tagged = protowire.DecodeBool(v)
		case num == frameFieldToken && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				f.token, err = TokenFromBytes(v)
				if err != nil {
					return f, err
				}
			}
		case num == frameFieldData && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			// Copy: the decoded buffer is owned by gRPC.
			f.data = append([]byte(nil), v...)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return f, errors.Wrapf(protowire.ParseError(n), "invalid frame field %d", num)
		}
		b = b[n:]
	}
	return f, nil
}

// frameDeliverer is the handler type of the hand-written gRPC service.
type frameDeliverer interface {
	Deliver(ctx context.Context, in []byte) error
}

type grpcFrameServer struct {
	t *GRPCTransport
}

// Deliver implements frameDeliverer.
func (s *grpcFrameServer) Deliver(_ context.Context, in []byte) error {
	f, err := decodeFrame(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "rank %d received an invalid frame: %v", s.t.rank, err)
	}
	if err := s.t.handleFrame(f); err != nil {
		if errors.Is(err, ErrClosed) {
			return status.Errorf(codes.Unavailable, "%v", err)
		}
		return status.Errorf(codes.FailedPrecondition, "%v", err)
	}
	return nil
}

func grpcDeliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var in []byte
	if err := dec(&in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		if err := srv.(frameDeliverer).Deliver(ctx, *req.(*[]byte)); err != nil {
			return nil, err
		}
		return &[]byte{}, nil
	}
	if interceptor == nil {
		return handler(ctx, &in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: grpcDeliverMethod}
	return interceptor(ctx, &in, info, handler)
}

var grpcServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*frameDeliverer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: grpcDeliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "distexec/transport",
}

// rawCodec is a gRPC codec that passes byte slices through unchanged.
type rawCodec struct{}

// Marshal implements encoding.Codec.
func (rawCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case *[]byte:
		return *b, nil
	case []byte:
		return b, nil
	}
	return nil, errors.Errorf("raw codec cannot marshal %T", v)
}

// Unmarshal implements encoding.Codec.
func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return errors.Errorf("raw codec cannot unmarshal into %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

// Name implements encoding.Codec.
func (rawCodec) Name() string { return "distexec-raw" }
