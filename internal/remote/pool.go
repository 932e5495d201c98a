package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/multisession-harvester/internal/metrics"
)

// PoolConfig sizes the client pool.
type PoolConfig struct {
	Size           int
	AcquireTimeout time.Duration
	RequestTimeout time.Duration
}

// Pool hands out pre-built HTTP clients. When no pooled client frees up within
// AcquireTimeout the caller gets a transient client instead of blocking further.
type Pool struct {
	clients        chan *http.Client
	transport      *http.Transport
	acquireTimeout time.Duration
	requestTimeout time.Duration
	logger         *zap.Logger

	transient atomic.Int64
}

// Lease is one acquired client. Each lease starts with an empty cookie jar.
type Lease struct {
	Client    *http.Client
	Transient bool
}

// NewPool builds size clients sharing one keep-alive transport.
func NewPool(cfg PoolConfig, logger *zap.Logger) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 20
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base, _ := http.DefaultTransport.(*http.Transport)
	var transport *http.Transport
	if base != nil {
		transport = base.Clone()
	} else {
		transport = &http.Transport{}
	}
	transport.MaxIdleConns = cfg.Size * 2
	transport.MaxIdleConnsPerHost = cfg.Size

	p := &Pool{
		clients:        make(chan *http.Client, cfg.Size),
		transport:      transport,
		acquireTimeout: cfg.AcquireTimeout,
		requestTimeout: cfg.RequestTimeout,
		logger:         logger,
	}
	for i := 0; i < cfg.Size; i++ {
		p.clients <- p.newClient()
	}
	return p
}

func (p *Pool) newClient() *http.Client {
	return &http.Client{Transport: p.transport, Timeout: p.requestTimeout}
}

// Acquire returns a client with a fresh cookie jar. It fails only when ctx ends.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	start := time.Now()
	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	var lease *Lease
	select {
	case client := <-p.clients:
		lease = &Lease{Client: client}
	case <-timer.C:
		p.transient.Add(1)
		p.logger.Warn("client pool exhausted, using transient client",
			zap.Duration("waited", time.Since(start)),
		)
		lease = &Lease{Client: p.newClient(), Transient: true}
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire client: %w", ctx.Err())
	}
	metrics.ObservePoolAcquire(time.Since(start), lease.Transient)

	jar, err := cookiejar.New(nil)
	if err != nil {
		p.Release(lease)
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	lease.Client.Jar = jar
	return lease, nil
}

// Release returns a pooled client. Transient clients are dropped.
func (p *Pool) Release(lease *Lease) {
	if lease == nil || lease.Client == nil {
		return
	}
	lease.Client.Jar = nil
	if lease.Transient {
		return
	}
	select {
	case p.clients <- lease.Client:
	default:
		p.logger.Warn("client pool full on release, dropping client")
	}
	lease.Client = nil
}

// Available reports idle pooled clients.
func (p *Pool) Available() int {
	return len(p.clients)
}

// TransientCount reports how many transient clients were handed out.
func (p *Pool) TransientCount() int64 {
	return p.transient.Load()
}

// Close drops idle connections.
func (p *Pool) Close() {
	p.transport.CloseIdleConnections()
}
