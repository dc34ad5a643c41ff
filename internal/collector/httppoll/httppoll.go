// Package httppoll implements HttpPollCollector, the direct-polling
// variant that reuses a session captured by BrowserCollector instead of
// driving the browser itself (spec §4.2, "HTTP-poll variant").
package httppoll

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/vigiasubastas/monitor/internal/collector"
	"github.com/vigiasubastas/monitor/internal/collector/browser"
	"github.com/vigiasubastas/monitor/internal/domain"
	"github.com/vigiasubastas/monitor/internal/events"
	"github.com/vigiasubastas/monitor/pkg/logger"
)

// unauthorizedStopAt is spec §4.2's exact threshold for this variant:
// "If the cookies become invalid (five consecutive unauthorized
// responses), stops the tick loop".
const unauthorizedStopAt = 5

// Config configures the HttpPollCollector's request pool.
type Config struct {
	// PoolSize bounds the number of concurrent in-flight requests (spec
	// §4.2: "a pool of up to N parallel outstanding requests... 5-30").
	PoolSize int
}

// DefaultConfig returns a pool of 10 concurrent requests.
func DefaultConfig() Config { return Config{PoolSize: 10} }

// Collector is the HTTP-poll Collector variant. It consumes the cookie
// snapshot handed off from a browser.Collector and never shares a lock
// with it (spec §5): the cookies are copied by value at construction, so
// the browser's own session may keep being used by the human operator
// without racing this tick loop.
type Collector struct {
	baseURL string
	cookies []*http.Cookie
	client  *http.Client
	poolCfg Config

	emit collector.Emit

	cfgMu sync.Mutex
	cfg   collector.Config

	mu        sync.Mutex
	running   bool
	auctionID string
	lineItems []domain.LineItem
	stopCh    chan struct{}
	doneCh    chan struct{}
	captureCh chan struct{}
}

// New builds an HttpPollCollector from a captured browser session.
func New(session browser.CapturedSession, poolCfg Config, cfg collector.Config, emit collector.Emit) *Collector {
	if poolCfg.PoolSize <= 0 {
		poolCfg.PoolSize = DefaultConfig().PoolSize
	}
	return &Collector{
		baseURL:   session.URL,
		cookies:   append([]*http.Cookie(nil), session.Cookies...),
		client:    &http.Client{},
		poolCfg:   poolCfg,
		emit:      emit,
		cfg:       cfg,
		lineItems: append([]domain.LineItem(nil), session.LineItems...),
	}
}

func (c *Collector) Start(ctx context.Context, auctionID string, urls []string) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	if len(c.lineItems) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("httppoll: Start requires a prior browser capture with at least one line item")
	}
	c.running = true
	c.auctionID = auctionID
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.captureCh = make(chan struct{}, 1)
	items := append([]domain.LineItem(nil), c.lineItems...)
	c.mu.Unlock()

	observations := make([]domain.LineItemObservation, 0, len(items))
	for _, li := range items {
		observations = append(observations, domain.LineItemObservation{IDRenglon: li.IDRenglon, Description: li.Description, HTTPStatus: 200})
	}
	if err := c.emit.Push(ctx, events.Event{
		Type:         events.TypeSnapshot,
		AuctionID:    auctionID,
		Timestamp:    time.Now(),
		Observations: observations,
	}); err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return err
	}

	go c.run(ctx, auctionID)
	return nil
}

func (c *Collector) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	stopCh, doneCh := c.stopCh, c.doneCh
	c.mu.Unlock()

	close(stopCh)
	<-doneCh
	c.client.CloseIdleConnections()
	return nil
}

func (c *Collector) SetPollInterval(d time.Duration) {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	c.cfg.PollInterval = c.cfg.Clamp(d)
}

func (c *Collector) CaptureCurrent() {
	c.mu.Lock()
	ch := c.captureCh
	c.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (c *Collector) currentInterval() time.Duration {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	if c.cfg.PollInterval <= 0 {
		return collector.DefaultConfig().PollInterval
	}
	return c.cfg.PollInterval
}

func (c *Collector) requestTimeout() time.Duration {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	if c.cfg.RequestTimeout <= 0 {
		return collector.DefaultConfig().RequestTimeout
	}
	return c.cfg.RequestTimeout
}

type fetchResult struct {
	idRenglon string
	status    int
	body      []byte
	err       error
}

// fetchOne issues one BuscarOfertas call for idRenglon, reusing the
// captured cookies verbatim and marking the call as XHR-origin (spec
// §4.2).
func (c *Collector) fetchOne(ctx context.Context, idRenglon string) fetchResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/BuscarOfertas?id_renglon="+idRenglon, nil)
	if err != nil {
		return fetchResult{idRenglon: idRenglon, err: err}
	}
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fetchResult{idRenglon: idRenglon, err: err}
	}
	defer resp.Body.Close()

	body := make([]byte, 0, 1024)
	buf := make([]byte, 1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
		}
		if rerr != nil {
			break
		}
	}
	return fetchResult{idRenglon: idRenglon, status: resp.StatusCode, body: body}
}

// fetchAll runs one BuscarOfertas call per line item, bounded to at most
// poolCfg.PoolSize concurrent in-flight requests (spec §4.2).
func (c *Collector) fetchAll(ctx context.Context, items []domain.LineItem) []fetchResult {
	results := make([]fetchResult, len(items))
	sem := make(chan struct{}, c.poolCfg.PoolSize)
	var wg sync.WaitGroup

	for i, li := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, idRenglon string) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = c.fetchOne(ctx, idRenglon)
		}(i, li.IDRenglon)
	}
	wg.Wait()
	return results
}

func (c *Collector) run(ctx context.Context, auctionID string) {
	defer close(c.doneCh)

	lastStates := make(map[string]*domain.LineItemState)
	descByID := make(map[string]string, len(c.lineItems))
	for _, li := range c.lineItems {
		descByID[li.IDRenglon] = li.Description
	}

	unauthorizedStreak := 0
	start := time.Now()
	var tickN int64

	for {
		timer := time.NewTimer(c.currentInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.stopCh:
			timer.Stop()
			return
		case <-c.captureCh:
			timer.Stop()
		case <-timer.C:
		}

		tickN++
		tickCtx, cancel := context.WithTimeout(ctx, c.requestTimeout())
		results := c.fetchAll(tickCtx, c.lineItems)
		cancel()

		worstStatus := 0
		anyUnauthorized := false
		for _, r := range results {
			if r.err != nil {
				logger.Log.Warn().Err(r.err).Str("renglon", r.idRenglon).Msg("httppoll: fetch error")
				continue
			}
			if r.status == http.StatusUnauthorized || r.status == http.StatusForbidden {
				anyUnauthorized = true
			}
			if r.status != http.StatusOK && worstStatus == 0 {
				worstStatus = r.status
			}
		}

		if anyUnauthorized {
			unauthorizedStreak++
		} else {
			unauthorizedStreak = 0
		}

		if unauthorizedStreak >= unauthorizedStopAt {
			c.emit.Push(ctx, events.Event{
				Type:           events.TypeHTTPError,
				AuctionID:      auctionID,
				Timestamp:      time.Now(),
				HTTPStatus:     http.StatusUnauthorized,
				ErrorMessage:   "session expired: five consecutive unauthorized responses",
				SessionExpired: true,
			})
			return
		}

		if worstStatus != 0 {
			if err := c.emit.Push(ctx, events.Event{
				Type:         events.TypeHTTPError,
				AuctionID:    auctionID,
				Timestamp:    time.Now(),
				HTTPStatus:   worstStatus,
				ErrorMessage: fmt.Sprintf("BuscarOfertas returned status %d", worstStatus),
			}); err != nil {
				return
			}
		} else {
			for _, r := range results {
				if r.err != nil {
					continue
				}
				parsed, err := collector.ParseEnvelope(r.idRenglon, r.body)
				if err != nil {
					logger.Log.Warn().Err(err).Str("auction", auctionID).Str("renglon", r.idRenglon).
						Msg("httppoll: parse failure, line item state not updated this tick")
					c.emit.Push(ctx, events.Event{
						Type:      events.TypeLog,
						AuctionID: auctionID,
						IDRenglon: r.idRenglon,
						Timestamp: time.Now(),
						Level:     domain.LevelWarn,
						Text:      "parse failure: " + err.Error(),
					})
					continue
				}

				best, bestText := collector.BestOffer(parsed.Offers)
				obs := domain.LineItemObservation{
					IDRenglon:     r.idRenglon,
					Description:   descByID[r.idRenglon],
					Offers:        parsed.Offers,
					BestOffer:     best,
					BestOfferText: bestText,
					MinToBeat:     parsed.MinToBeat,
					MinToBeatText: parsed.MinToBeatText,
					Budget:        parsed.Budget,
					BudgetText:    parsed.BudgetText,
					HTTPStatus:    r.status,
				}

				prev := lastStates[r.idRenglon]
				if obs.Changed(prev) {
					if err := c.emit.Push(ctx, events.Event{
						Type:        events.TypeUpdate,
						AuctionID:   auctionID,
						IDRenglon:   r.idRenglon,
						Timestamp:   time.Now(),
						Observation: obs,
					}); err != nil {
						return
					}
				}
				lastStates[r.idRenglon] = &domain.LineItemState{
					AuctionID:     auctionID,
					IDRenglon:     r.idRenglon,
					BestOffer:     obs.BestOffer,
					BestOfferText: obs.BestOfferText,
					MinToBeat:     obs.MinToBeat,
					MinToBeatText: obs.MinToBeatText,
					Budget:        obs.Budget,
					BudgetText:    obs.BudgetText,
					UpdatedAt:     time.Now(),
				}
			}
		}

		if err := c.emit.Push(ctx, events.Event{
			Type:      events.TypeHeartbeat,
			AuctionID: auctionID,
			Timestamp: time.Now(),
			Tick:      tickN,
			Elapsed:   time.Since(start),
		}); err != nil {
			return
		}
	}
}
