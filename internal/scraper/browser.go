package scraper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"folio/internal/config"
	"folio/internal/shared/logging"
)

// BrowserPool multiplexes a single shared Chrome process into a bounded
// number of concurrent tabs. Acquisition is gated by a weighted semaphore;
// when no slot frees up within the acquire timeout, a fresh unpooled tab is
// fabricated so the request still proceeds.
type BrowserPool struct {
	cfg    config.ScraperConfig
	sem    *semaphore.Weighted
	logger logging.Logger

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	closed      bool
}

// Lease is a held browser tab. Release must be called on every path.
type Lease struct {
	Ctx     context.Context
	release func()
}

// Release closes the tab and frees the pool slot when the lease was pooled.
func (l *Lease) Release() {
	if l != nil && l.release != nil {
		l.release()
		l.release = nil
	}
}

// NewBrowserPool creates the pool. Chrome itself starts lazily on the
// first acquisition so the service boots without a browser installed.
func NewBrowserPool(cfg config.ScraperConfig, logger logging.Logger) *BrowserPool {
	size := cfg.PoolSize
	if size <= 0 {
		size = 5
	}
	cfg.PoolSize = size
	return &BrowserPool{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(size)),
		logger: logging.OrNop(logger),
	}
}

// ensureAllocator lazily starts the shared Chrome process. Must be called
// with p.mu held.
func (p *BrowserPool) ensureAllocator() error {
	if p.closed {
		return fmt.Errorf("browser pool is closed")
	}
	if p.allocCtx != nil && p.allocCtx.Err() == nil {
		return nil
	}
	// Previous allocator dead (Chrome crashed or first call) — recreate.
	if p.allocCancel != nil {
		p.allocCancel()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", p.cfg.Headless),
		chromedp.Flag("disable-gpu", p.cfg.Headless),
		chromedp.UserAgent(p.cfg.UserAgent),
	)
	if path := strings.TrimSpace(p.cfg.ChromePath); path != "" {
		opts = append(opts, chromedp.ExecPath(path))
	}
	p.allocCtx, p.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	return nil
}

// Acquire returns a lease on a browser tab. It waits up to the configured
// acquire timeout for a pool slot; on timeout an unpooled tab is created
// instead so a saturated pool slows requests down rather than failing them.
func (p *BrowserPool) Acquire(ctx context.Context) (*Lease, error) {
	acquireTimeout := p.cfg.AcquireTimeout
	if acquireTimeout <= 0 {
		acquireTimeout = 30 * time.Second
	}

	semCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	err := p.sem.Acquire(semCtx, 1)
	cancel()

	switch {
	case err == nil:
		lease, tabErr := p.newTab(true)
		if tabErr != nil {
			p.sem.Release(1)
			return nil, tabErr
		}
		return lease, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		p.logger.Warn("browser pool saturated after %v, fabricating unpooled tab", acquireTimeout)
		return p.newTab(false)
	}
}

func (p *BrowserPool) newTab(pooled bool) (*Lease, error) {
	p.mu.Lock()
	if err := p.ensureAllocator(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	allocCtx := p.allocCtx
	p.mu.Unlock()

	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	var once sync.Once
	release := func() {
		once.Do(func() {
			tabCancel()
			if pooled {
				p.sem.Release(1)
			}
		})
	}
	return &Lease{Ctx: tabCtx, release: release}, nil
}

// Close terminates the shared Chrome process. Outstanding leases become
// unusable.
func (p *BrowserPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	if p.allocCancel != nil {
		p.allocCancel()
		p.allocCancel = nil
		p.allocCtx = nil
	}
}
