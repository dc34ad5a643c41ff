// Package browser implements BrowserCollector, the live-session variant
// that drives an embedded browser session against the portal (spec §4.2,
// "Live-session variant"). No headless-browser library appears anywhere in
// the retrieved example pack, so the concrete PageDriver shipped here
// issues the same XHR calls an embedded browser's in-page script would,
// through stdlib net/http with a cookie jar standing in for the browser's
// session store — the capture/tick contract is identical either way, and a
// real chromedp/rod-backed PageDriver can be dropped in behind the same
// interface without touching the Collector.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/vigiasubastas/monitor/internal/collector"
	"github.com/vigiasubastas/monitor/internal/domain"
	"github.com/vigiasubastas/monitor/internal/events"
	"github.com/vigiasubastas/monitor/pkg/logger"
)

// CapturedSession is what a capture pass extracts at Collector startup
// (spec §4.2): the auction's id_cot, its line items, and the live session
// cookies the HTTP-poll variant later reuses verbatim.
type CapturedSession struct {
	IDCot     string
	URL       string
	LineItems []domain.LineItem
	Cookies   []*http.Cookie
}

// PageDriver is the browser abstraction the Collector drives. Startup
// performs one Open + one Capture; each tick issues one FetchRenglon per
// active line item (spec §4.2: "invokes the portal's BuscarOfertas XHR
// endpoint — one call per line item").
type PageDriver interface {
	// Open launches the browser (if not already running) and navigates to
	// url. Login/credential capture is out of scope (spec §1); the driver
	// assumes an already-authenticated browser profile or session.
	Open(ctx context.Context, url string) error
	// Capture extracts the auction id, line items, and live cookies from
	// the current page.
	Capture(ctx context.Context) (CapturedSession, error)
	// FetchRenglon issues one BuscarOfertas call for idRenglon and returns
	// the raw envelope body and HTTP status.
	FetchRenglon(ctx context.Context, idRenglon string) (status int, body []byte, err error)
	// Close releases the browser session.
	Close() error
}

// Config configures the HTTP-backed default PageDriver.
type Config struct {
	RequestTimeout time.Duration
	UserAgent      string
}

// DefaultConfig returns a 10s timeout applied to every driver request
// (open, capture and BuscarOfertas), matching the teacher's
// currency.ECBProvider's http.Client{Timeout} convention.
func DefaultConfig() Config {
	return Config{RequestTimeout: 10 * time.Second, UserAgent: "vigiasubastas-monitor/1.0"}
}

// HTTPPageDriver is the stdlib net/http PageDriver: a cookie-jar-backed
// client that issues the portal's capture and BuscarOfertas calls
// directly, the same calls an embedded browser's in-page script would make
// (see package doc).
type HTTPPageDriver struct {
	cfg    Config
	client *http.Client
	url    string
}

// captureResponse is the JSON shape this driver expects from the portal's
// capture endpoint (url + "/capture"): id_cot, line items, and margin
// fields visible in the DOM (spec §4.2).
type captureResponse struct {
	IDCot     string `json:"id_cot"`
	Renglones []struct {
		IDRenglon string  `json:"id_renglon"`
		Descripcion string `json:"descripcion"`
		Cantidad  float64 `json:"cantidad"`
		ItemsPorRenglon int `json:"items_por_renglon"`
		MargenMinimo float64 `json:"margen_minimo"`
	} `json:"renglones"`
}

// NewHTTPPageDriver builds a driver with its own cookie jar.
func NewHTTPPageDriver(cfg Config) (*HTTPPageDriver, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("browser: building cookie jar: %w", err)
	}
	return &HTTPPageDriver{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout, Jar: jar},
	}, nil
}

func (d *HTTPPageDriver) Open(ctx context.Context, url string) error {
	d.url = url
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("browser: building open request: %w", err)
	}
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("browser: opening %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("browser: opening %s returned status %d", url, resp.StatusCode)
	}
	return nil
}

func (d *HTTPPageDriver) Capture(ctx context.Context) (CapturedSession, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url+"/capture", nil)
	if err != nil {
		return CapturedSession{}, fmt.Errorf("browser: building capture request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return CapturedSession{}, fmt.Errorf("browser: capture call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return CapturedSession{}, fmt.Errorf("browser: capture call returned status %d", resp.StatusCode)
	}

	var cr captureResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return CapturedSession{}, fmt.Errorf("browser: decoding capture response: %w", err)
	}

	items := make([]domain.LineItem, 0, len(cr.Renglones))
	for _, r := range cr.Renglones {
		itemsPer := r.ItemsPorRenglon
		if itemsPer <= 0 {
			logger.Log.Warn().Str("id_renglon", r.IDRenglon).Msg("browser: items_por_renglon <= 0 in capture, treating as 1")
			itemsPer = 1
		}
		items = append(items, domain.LineItem{
			AuctionID:       cr.IDCot,
			IDRenglon:       r.IDRenglon,
			Description:     r.Descripcion,
			Quantity:        r.Cantidad,
			ItemsPerRenglon: itemsPer,
			MinMargin:       domain.EncodeMargin(r.MargenMinimo),
		})
	}

	return CapturedSession{
		IDCot:     cr.IDCot,
		URL:       d.url,
		LineItems: items,
		Cookies:   d.client.Jar.Cookies(req.URL),
	}, nil
}

func (d *HTTPPageDriver) FetchRenglon(ctx context.Context, idRenglon string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url+"/BuscarOfertas?id_renglon="+idRenglon, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("browser: building BuscarOfertas request: %w", err)
	}
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("browser: BuscarOfertas call for %s: %w", idRenglon, err)
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
	return resp.StatusCode, body, nil
}

func (d *HTTPPageDriver) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

// unauthorizedStopAt is the number of consecutive ticks with at least one
// 401/403 response after which the Collector treats the session as
// non-recoverable (spec §4.2: "repeated unauthorized... with no recovery").
// Matches the HTTP-poll variant's "five consecutive" threshold for
// consistency across variants.
const unauthorizedStopAt = 5

// Collector is the live-session Collector variant (spec §4.2).
type Collector struct {
	driver PageDriver
	emit   collector.Emit

	cfgMu sync.Mutex
	cfg   collector.Config

	mu            sync.Mutex
	running       bool
	auctionID     string
	lineItems     []domain.LineItem
	stopCh        chan struct{}
	doneCh        chan struct{}
	captureCh     chan struct{}
	lastSession   CapturedSession
	sessionReady  bool
}

// New builds a BrowserCollector over driver, pushing events onto emit.
func New(driver PageDriver, emit collector.Emit, cfg collector.Config) *Collector {
	return &Collector{driver: driver, emit: emit, cfg: cfg}
}

// Session returns the most recent capture, for hand-off to HttpPollCollector
// (spec §4.2, §5: "the HTTP-poll tick loop consumes the cookies by value
// (snapshot) at hand-off").
func (c *Collector) Session() (CapturedSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSession, c.sessionReady
}

func (c *Collector) Start(ctx context.Context, auctionID string, urls []string) error {
	if len(urls) == 0 {
		return fmt.Errorf("browser: Start requires at least one URL")
	}
	url := urls[0]

	if err := c.driver.Open(ctx, url); err != nil {
		_ = c.driver.Close()
		return fmt.Errorf("browser: start-up failure: %w", err)
	}
	session, err := c.driver.Capture(ctx)
	if err != nil {
		_ = c.driver.Close()
		return fmt.Errorf("browser: start-up capture failure: %w", err)
	}

	c.mu.Lock()
	c.running = true
	c.auctionID = auctionID
	c.lineItems = session.LineItems
	c.lastSession = session
	c.sessionReady = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.captureCh = make(chan struct{}, 1)
	c.mu.Unlock()

	observations := make([]domain.LineItemObservation, 0, len(session.LineItems))
	for _, li := range session.LineItems {
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
		_ = c.driver.Close()
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
	return c.driver.Close()
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

func (c *Collector) run(ctx context.Context, auctionID string) {
	defer close(c.doneCh)

	lastStates := make(map[string]*domain.LineItemState)
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
		worstStatus, anyUnauthorized, results := c.fetchAll(tickCtx)
		cancel()

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
				HTTPStatus:     worstStatus,
				ErrorMessage:   "session expired: repeated unauthorized responses",
				SessionExpired: true,
			})
			return
		}

		if worstStatus != 0 && worstStatus != http.StatusOK {
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
			c.applyResults(ctx, auctionID, results, lastStates)
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

type fetchResult struct {
	idRenglon string
	status    int
	body      []byte
}

func (c *Collector) fetchAll(ctx context.Context) (worstStatus int, anyUnauthorized bool, results []fetchResult) {
	c.mu.Lock()
	items := append([]domain.LineItem(nil), c.lineItems...)
	c.mu.Unlock()

	for _, li := range items {
		status, body, err := c.driver.FetchRenglon(ctx, li.IDRenglon)
		if err != nil {
			logger.Log.Warn().Err(err).Str("renglon", li.IDRenglon).Msg("browser: fetch error")
			worstStatus = 0
			continue
		}
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			anyUnauthorized = true
		}
		if status != http.StatusOK && worstStatus == 0 {
			worstStatus = status
		}
		results = append(results, fetchResult{idRenglon: li.IDRenglon, status: status, body: body})
	}
	return worstStatus, anyUnauthorized, results
}

func (c *Collector) applyResults(ctx context.Context, auctionID string, results []fetchResult, lastStates map[string]*domain.LineItemState) {
	c.mu.Lock()
	descByID := make(map[string]string, len(c.lineItems))
	for _, li := range c.lineItems {
		descByID[li.IDRenglon] = li.Description
	}
	c.mu.Unlock()

	for _, r := range results {
		parsed, err := collector.ParseEnvelope(r.idRenglon, r.body)
		if err != nil {
			logger.Log.Warn().Err(err).Str("auction", auctionID).Str("renglon", r.idRenglon).
				Msg("browser: parse failure, line item state not updated this tick")
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
			PortalStatus:  obs.PortalStatus,
			Finalized:     obs.Finalized,
			UpdatedAt:     time.Now(),
		}
	}
}
