// Package asr proxies speech recognition to the upstream recognizer over a
// pooled set of gRPC channels. Unary transcription, streaming sessions, and
// language detection all go through here.
package asr

import (
	"context"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/voicehive/backend/internal/errdefs"
	"github.com/voicehive/backend/pb"
)

// DialFunc opens one channel to the recognizer. Swapped in tests for the
// mock client.
type DialFunc func(addr string) (*grpc.ClientConn, pb.RecognizerClient, error)

// DefaultDial connects with insecure transport credentials; TLS termination
// happens at the mesh.
func DefaultDial(addr string) (*grpc.ClientConn, pb.RecognizerClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}
	// The concrete stub is generated elsewhere; local runs use the mock.
	return conn, pb.NewMockRecognizerClient(), nil
}

type channel struct {
	idx    int
	conn   *grpc.ClientConn
	client pb.RecognizerClient
	down   bool
}

// PoolConfig sizes the channel pool.
type PoolConfig struct {
	Addr string
	Size int
	Dial DialFunc
}

// ChannelPool holds a fixed set of channels handed out round-robin. A
// channel marked down is lazily reopened on its next turn; the pool stays
// healthy while at least one channel is usable.
type ChannelPool struct {
	cfg PoolConfig

	mu       sync.Mutex
	channels []*channel
	next     int
}

// NewChannelPool eagerly dials every channel. A dial failure leaves that
// slot down for lazy reopen rather than failing construction.
func NewChannelPool(cfg PoolConfig) *ChannelPool {
	if cfg.Size <= 0 {
		cfg.Size = 5
	}
	if cfg.Dial == nil {
		cfg.Dial = DefaultDial
	}
	p := &ChannelPool{cfg: cfg, channels: make([]*channel, cfg.Size)}
	for i := 0; i < cfg.Size; i++ {
		ch := &channel{idx: i}
		conn, client, err := cfg.Dial(cfg.Addr)
		if err != nil {
			slog.Warn("[ASRPool] Channel dial failed, will retry lazily", "index", i, "error", err)
			ch.down = true
		} else {
			ch.conn = conn
			ch.client = client
		}
		p.channels[i] = ch
	}
	return p
}

// Lease is one borrowed channel: a client snapshot taken under the pool
// lock plus the slot it came from. Borrowers hold the snapshot only, so
// reopening the slot never races an in-flight RPC.
type Lease struct {
	idx    int
	client pb.RecognizerClient
}

// Get returns a lease on the next usable channel, reopening down channels
// in passing.
func (p *ChannelPool) Get() (Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < len(p.channels); i++ {
		ch := p.channels[p.next]
		p.next = (p.next + 1) % len(p.channels)
		if ch.down || ch.conn != nil && ch.conn.GetState() == connectivity.Shutdown {
			p.reopenLocked(ch)
		}
		if !ch.down {
			return Lease{idx: ch.idx, client: ch.client}, nil
		}
	}
	return Lease{}, errdefs.Transient("no recognizer channel available", nil)
}

// MarkDown flags a leased slot for lazy reopen after an RPC-level failure.
func (p *ChannelPool) MarkDown(l Lease) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l.idx < 0 || l.idx >= len(p.channels) {
		return
	}
	ch := p.channels[l.idx]
	if !ch.down {
		slog.Warn("[ASRPool] Channel marked down", "index", ch.idx)
	}
	ch.down = true
}

func (p *ChannelPool) reopenLocked(ch *channel) {
	if ch.conn != nil {
		_ = ch.conn.Close()
		ch.conn = nil
	}
	conn, client, err := p.cfg.Dial(p.cfg.Addr)
	if err != nil {
		slog.Warn("[ASRPool] Channel reopen failed", "index", ch.idx, "error", err)
		ch.down = true
		return
	}
	ch.conn = conn
	ch.client = client
	ch.down = false
	slog.Info("[ASRPool] Channel reopened", "index", ch.idx)
}

// Healthy reports whether at least one channel is usable.
func (p *ChannelPool) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.channels {
		if !ch.down {
			return true
		}
	}
	return false
}

// HealthCheck satisfies the supervisor's probe contract.
func (p *ChannelPool) HealthCheck(ctx context.Context) error {
	if !p.Healthy() {
		return errdefs.Transient("all recognizer channels down", nil)
	}
	return nil
}

// Close tears down every channel.
func (p *ChannelPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.channels {
		if ch.conn != nil {
			_ = ch.conn.Close()
			ch.conn = nil
		}
		ch.down = true
	}
}
