package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"sshsync/pkg/auth"
	"sshsync/pkg/discovery"
	"sshsync/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	// DefaultRefreshInterval is how often discovered peers are redialed
	DefaultRefreshInterval = 30 * time.Second

	// DefaultDialTimeout bounds connection setup with one peer
	DefaultDialTimeout = 10 * time.Second

	exchangeMethod = "/sshsync.Peer/Exchange"
)

// peerService is the single bidirectional stream the transport exposes. Frames
// are opaque bytes, so the service is described by hand instead of generated.
type peerService interface {
	Exchange(stream grpc.ServerStream) error
}

var peerServiceDesc = grpc.ServiceDesc{
	ServiceName: "sshsync.Peer",
	HandlerType: (*peerService)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Exchange",
			Handler:       exchangeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "sshsync/peer",
}

func exchangeHandler(srv any, stream grpc.ServerStream) error {
	return srv.(peerService).Exchange(stream)
}

// frameCodec passes frames through untouched
type frameCodec struct{}

func (frameCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("unexpected message type %T", v)
	}
	return f.data, nil
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("unexpected message type %T", v)
	}
	f.data = append([]byte(nil), data...)
	return nil
}

func (frameCodec) Name() string {
	return "sshsync-frame"
}

// GRPCConfig configures the gRPC transport
type GRPCConfig struct {
	ListenAddr string
	// AdvertiseAddr is published to discovery, defaults to the bound address
	AdvertiseAddr   string
	Identity        auth.KeyPair
	Discovery       discovery.Discovery
	RefreshInterval time.Duration
	DialTimeout     time.Duration
	// MaxMessageSize bounds frames in both directions, gRPC's default when zero
	MaxMessageSize int
}

// GRPC runs a server and dials discovered peers. Streams are protected by
// TLS 1.3 with identity certificates, so Peer() of every Conn is the
// verified remote identity. Of two peers that discover each other only the
// one with the lower PeerID dials; bootstrap entries are always dialed, and
// if both sides open a stream the one from the lower PeerID survives.
type GRPC struct {
	cfg      GRPCConfig
	self     types.PeerID
	tls      *auth.TLSConfigBuilder
	logger   *zap.Logger
	listener net.Listener
	server   *grpc.Server
	conns    chan Conn

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu      sync.Mutex
	joined  bool
	active  map[types.PeerID]link
	dialing map[string]bool
	// identities learned by dialing bare addresses
	known   map[string]types.PeerID
	backoff *dialBackoff

	closeOnce sync.Once
	closeErr  error
}

// NewGRPC starts listening immediately; peers are dialed after Join
func NewGRPC(cfg GRPCConfig, logger *zap.Logger) (*GRPC, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}

	builder, err := auth.NewTLSConfigBuilder(cfg.Identity)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config builder: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = lis.Addr().String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	t := &GRPC{
		cfg:      cfg,
		self:     types.PeerIDFromKey(cfg.Identity.Public),
		tls:      builder,
		logger:   logger,
		listener: lis,
		conns:    make(chan Conn, inboxSize),
		ctx:      ctx,
		cancel:   cancel,
		group:    group,
		active:   make(map[types.PeerID]link),
		dialing:  make(map[string]bool),
		known:    make(map[string]types.PeerID),
		backoff:  newDialBackoff(cfg.RefreshInterval, DefaultMaxBackoff),
	}

	serverOpts := []grpc.ServerOption{
		grpc.Creds(credentials.NewTLS(builder.BuildServerConfig())),
		grpc.ForceServerCodec(frameCodec{}),
	}
	if cfg.MaxMessageSize > 0 {
		serverOpts = append(serverOpts,
			grpc.MaxRecvMsgSize(cfg.MaxMessageSize),
			grpc.MaxSendMsgSize(cfg.MaxMessageSize))
	}
	t.server = grpc.NewServer(serverOpts...)
	t.server.RegisterService(&peerServiceDesc, t)

	group.Go(func() error {
		if err := t.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})

	logger.Info("Transport listening",
		zap.String("addr", lis.Addr().String()),
		zap.String("peer_id", t.self.Short()))

	return t, nil
}

// Addr returns the bound listen address
func (t *GRPC) Addr() net.Addr {
	return t.listener.Addr()
}

// Join registers with discovery and starts dialing peers of topic
func (t *GRPC) Join(ctx context.Context, topic auth.Topic) error {
	t.mu.Lock()
	if t.joined {
		t.mu.Unlock()
		return errors.New("transport already joined a topic")
	}
	t.joined = true
	t.mu.Unlock()

	if t.cfg.Discovery == nil {
		return nil
	}

	self := discovery.Peer{ID: t.self, Addr: t.cfg.AdvertiseAddr}
	if err := t.cfg.Discovery.Register(ctx, topic, self); err != nil {
		return fmt.Errorf("failed to register with discovery: %w", err)
	}

	t.group.Go(func() error {
		t.refreshLoop(topic)
		return nil
	})
	return nil
}

func (t *GRPC) Conns() <-chan Conn {
	return t.conns
}

// Close stops the server, drops every connection and waits for background
// goroutines.
func (t *GRPC) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.server.Stop()

		t.mu.Lock()
		active := make([]*conn, 0, len(t.active))
		for _, l := range t.active {
			active = append(active, l.conn)
		}
		t.mu.Unlock()

		for _, c := range active {
			c.Close()
		}

		t.closeErr = t.group.Wait()
	})
	return t.closeErr
}

// Exchange serves one inbound stream for its whole lifetime
func (t *GRPC) Exchange(stream grpc.ServerStream) error {
	p, ok := peer.FromContext(stream.Context())
	if !ok {
		return status.Error(codes.Unauthenticated, "no peer information")
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return status.Error(codes.Unauthenticated, "connection is not TLS")
	}
	remote, err := auth.PeerIDFromConnectionState(tlsInfo.State)
	if err != nil {
		return status.Error(codes.Unauthenticated, err.Error())
	}
	if remote == t.self {
		return status.Error(codes.FailedPrecondition, "refusing connection to self")
	}

	var c *conn
	c = newConn(remote, stream, func() { t.remove(remote, c) })
	if !t.register(remote, c, false) {
		c.Close()
		return status.Errorf(codes.AlreadyExists, "already connected to %s", remote.Short())
	}

	// Headers tell the dialer the stream was accepted
	if err := stream.SendHeader(metadata.MD{}); err != nil {
		c.Close()
		return err
	}

	t.logger.Debug("Accepted peer stream", zap.String("peer", remote.Short()), zap.String("addr", p.Addr.String()))
	t.deliver(c)

	select {
	case <-c.Done():
	case <-stream.Context().Done():
		c.Close()
	}
	return nil
}

func (t *GRPC) refreshLoop(topic auth.Topic) {
	var notify <-chan struct{}
	if n, ok := t.cfg.Discovery.(discovery.Notifier); ok {
		notify = n.Watch(t.ctx, topic)
	}

	ticker := time.NewTicker(t.cfg.RefreshInterval)
	defer ticker.Stop()

	t.refresh(topic)
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.refresh(topic)
		case _, ok := <-notify:
			if !ok {
				notify = nil
				continue
			}
			t.refresh(topic)
		}
	}
}

func (t *GRPC) refresh(topic auth.Topic) {
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.DialTimeout)
	defer cancel()

	peers, err := t.cfg.Discovery.Peers(ctx, topic)
	if err != nil {
		t.logger.Warn("Failed to discover peers", zap.Error(err))
		return
	}

	for _, p := range peers {
		if !t.claimDial(p) {
			continue
		}
		p := p
		t.group.Go(func() error {
			defer t.releaseDial(p)
			err := t.dial(p)
			t.backoff.record(p.Addr, err)
			if err != nil {
				t.logger.Debug("Failed to connect to peer",
					zap.Stringer("peer", p),
					zap.Int("failures", t.backoff.failures(p.Addr)),
					zap.Error(err))
			}
			return nil
		})
	}
}

func (t *GRPC) claimDial(p discovery.Peer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p.ID == t.self {
		return false
	}
	// Peers that both see each other leave dialing to the lower ID
	if p.ID != "" && !p.Bootstrap && t.self > p.ID {
		return false
	}
	id := p.ID
	if id == "" {
		id = t.known[p.Addr]
	}
	if id == t.self {
		return false
	}
	if _, ok := t.active[id]; ok && id != "" {
		return false
	}
	if p.Addr == t.cfg.AdvertiseAddr || t.dialing[p.Addr] {
		return false
	}
	if !t.backoff.ready(p.Addr) {
		return false
	}
	t.dialing[p.Addr] = true
	return true
}

func (t *GRPC) releaseDial(p discovery.Peer) {
	t.mu.Lock()
	delete(t.dialing, p.Addr)
	t.mu.Unlock()
}

func (t *GRPC) dial(p discovery.Peer) error {
	var (
		observedMu sync.Mutex
		observed   types.PeerID
	)
	tlsConfig := t.tls.BuildObservedClientConfig(p.ID, func(id types.PeerID) {
		observedMu.Lock()
		observed = id
		observedMu.Unlock()
	})

	callOpts := []grpc.CallOption{grpc.ForceCodec(frameCodec{})}
	if t.cfg.MaxMessageSize > 0 {
		callOpts = append(callOpts,
			grpc.MaxCallRecvMsgSize(t.cfg.MaxMessageSize),
			grpc.MaxCallSendMsgSize(t.cfg.MaxMessageSize))
	}
	cc, err := grpc.NewClient(p.Addr,
		grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)),
		grpc.WithDefaultCallOptions(callOpts...),
	)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	ctx, cancel := context.WithCancel(t.ctx)
	timer := time.AfterFunc(t.cfg.DialTimeout, cancel)

	stream, err := cc.NewStream(ctx, &peerServiceDesc.Streams[0], exchangeMethod)
	if err == nil {
		_, err = stream.Header()
	}
	if !timer.Stop() && err == nil {
		err = context.DeadlineExceeded
	}

	observedMu.Lock()
	remote := observed
	observedMu.Unlock()

	if remote != "" {
		t.mu.Lock()
		t.known[p.Addr] = remote
		t.mu.Unlock()
	}

	if err != nil {
		cancel()
		cc.Close()
		return fmt.Errorf("failed to open stream: %w", err)
	}

	if remote == "" || remote == t.self {
		cancel()
		cc.Close()
		return fmt.Errorf("%w: no usable identity at %s", auth.ErrUnexpectedPeer, p.Addr)
	}

	var c *conn
	c = newConn(remote, stream, func() {
		cancel()
		cc.Close()
		t.remove(remote, c)
	})
	if !t.register(remote, c, true) {
		c.Close()
		return nil
	}

	t.logger.Info("Connected to peer", zap.String("peer", remote.Short()), zap.String("addr", p.Addr))
	t.deliver(c)
	return nil
}

// link is the stream kept for a peer and which side opened it
type link struct {
	conn     *conn
	outbound bool
}

// preferred reports whether the stream was opened by the lower PeerID. When
// both sides dial, each keeps that same stream and drops the other.
func (t *GRPC) preferred(id types.PeerID, outbound bool) bool {
	if outbound {
		return t.self < id
	}
	return id < t.self
}

// register makes c the stream for id. An existing stream is replaced only
// by the preferred one.
func (t *GRPC) register(id types.PeerID, c *conn, outbound bool) bool {
	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		return false
	}
	old, exists := t.active[id]
	if exists && (old.outbound == outbound || !t.preferred(id, outbound)) {
		t.mu.Unlock()
		return false
	}
	t.active[id] = link{conn: c, outbound: outbound}
	t.mu.Unlock()

	if exists {
		t.logger.Debug("Replacing duplicate stream", zap.String("peer", id.Short()), zap.Bool("outbound", outbound))
		old.conn.Close()
	}
	return true
}

func (t *GRPC) remove(id types.PeerID, c *conn) {
	t.mu.Lock()
	if t.active[id].conn == c {
		delete(t.active, id)
	}
	t.mu.Unlock()
}

func (t *GRPC) deliver(c *conn) {
	select {
	case t.conns <- c:
	case <-t.ctx.Done():
		c.Close()
	}
}
