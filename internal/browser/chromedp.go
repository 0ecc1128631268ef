// Package browser implements the controllable-browser capability on top of
// chromedp. Two engines (distinct browser binaries with their own allocator
// profiles) and both headless and headful rendering are supported, since
// some anti-bot heuristics key on headless-only signals.
package browser

import (
	"context"
	"fmt"
	neturl "net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	cdpstorage "github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/studyatlas/portal-crawler/internal/crawler"
)

const defaultSnapshotMaxBytes = 512 * 1024

// EngineConfig locates one browser binary.
type EngineConfig struct {
	ExecPath  string
	UserAgent string
}

// Config controls the chromedp sessions.
type Config struct {
	Engines          map[crawler.Engine]EngineConfig
	SnapshotMaxBytes int
	DefaultTimeout   time.Duration
}

// Chromedp drives real browsers. One live session exists at a time; a
// navigation with a different (engine, visibility) pair tears the previous
// session down, and Evaluate/Screenshot only accept the freshest snapshot.
type Chromedp struct {
	cfg    Config
	logger *zap.Logger

	// listen registers a CDP event listener; swapped in tests.
	listen func(ctx context.Context, fn func(ev any))

	mu      sync.Mutex
	session *session
}

type session struct {
	engine        crawler.Engine
	visibility    crawler.Visibility
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	snapID        string
}

// NewChromedp constructs the browser capability.
func NewChromedp(cfg Config, logger *zap.Logger) (*Chromedp, error) {
	if len(cfg.Engines) == 0 {
		return nil, fmt.Errorf("at least one engine must be configured")
	}
	if cfg.SnapshotMaxBytes <= 0 {
		cfg.SnapshotMaxBytes = defaultSnapshotMaxBytes
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 45 * time.Second
	}
	return &Chromedp{cfg: cfg, logger: logger, listen: chromedp.ListenTarget}, nil
}

// Close tears down the live session.
func (b *Chromedp) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeSessionLocked()
	return nil
}

// Navigate loads url with the requested strategy and returns a snapshot of
// the rendered page.
func (b *Chromedp) Navigate(ctx context.Context, url string, opts crawler.NavigateOptions) (crawler.PageSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sess, err := b.sessionFor(opts.Engine, opts.Visibility)
	if err != nil {
		return crawler.PageSnapshot{}, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = b.cfg.DefaultTimeout
	}
	taskCtx, cancel := context.WithTimeout(sess.browserCtx, timeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	// Register on the fetch-scoped context so chromedp drops the listener
	// when this navigation ends, not when the session is recycled.
	meta := newResponseMeta()
	b.listen(taskCtx, meta.captureEvent)

	var (
		html        string
		title       string
		finalURL    string
		cookieNames []string
	)
	actions := []chromedp.Action{
		network.Enable(),
		b.userAgentAction(opts.Engine),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			cookies, err := cdpstorage.GetCookies().Do(ctx)
			if err != nil {
				return fmt.Errorf("get cookies: %w", err)
			}
			for _, c := range cookies {
				cookieNames = append(cookieNames, c.Name)
			}
			return nil
		}),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return crawler.PageSnapshot{}, fmt.Errorf("chromedp run: %w", err)
	}

	body := []byte(html)
	if len(body) > b.cfg.SnapshotMaxBytes {
		body = body[:b.cfg.SnapshotMaxBytes]
	}
	status, metaURL := meta.snapshot()
	if metaURL != "" {
		finalURL = metaURL
	}
	if finalURL == "" {
		finalURL = url
	}

	sess.snapID = uuid.NewString()
	return crawler.PageSnapshot{
		ID:          sess.snapID,
		URL:         url,
		FinalURL:    finalURL,
		Title:       title,
		StatusCode:  status,
		Body:        body,
		CookieNames: cookieNames,
		Engine:      opts.Engine,
		Visibility:  opts.Visibility,
		FetchedAt:   time.Now().UTC(),
	}, nil
}

// ExtractLinks parses anchors out of the snapshot body, resolves them against
// the final URL and keeps those matching pattern (a regexp; empty keeps all).
func (b *Chromedp) ExtractLinks(snap crawler.PageSnapshot, pattern string) ([]string, error) {
	return ExtractLinks(snap, pattern)
}

// Evaluate runs script in the live tab behind snap.
func (b *Chromedp) Evaluate(ctx context.Context, snap crawler.PageSnapshot, script string) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sess, err := b.liveSession(snap)
	if err != nil {
		return nil, err
	}
	taskCtx, cancel := context.WithTimeout(sess.browserCtx, b.cfg.DefaultTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	var result any
	if err := chromedp.Run(taskCtx, chromedp.Evaluate(script, &result)); err != nil {
		return nil, fmt.Errorf("evaluate script: %w", err)
	}
	return result, nil
}

// Screenshot captures the live tab behind snap.
func (b *Chromedp) Screenshot(ctx context.Context, snap crawler.PageSnapshot) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sess, err := b.liveSession(snap)
	if err != nil {
		return nil, err
	}
	taskCtx, cancel := context.WithTimeout(sess.browserCtx, b.cfg.DefaultTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	var img []byte
	if err := chromedp.Run(taskCtx, chromedp.CaptureScreenshot(&img)); err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return img, nil
}

func (b *Chromedp) liveSession(snap crawler.PageSnapshot) (*session, error) {
	if b.session == nil || b.session.snapID == "" || b.session.snapID != snap.ID {
		return nil, fmt.Errorf("snapshot %s is stale: the browser has navigated since", snap.ID)
	}
	return b.session, nil
}

// sessionFor returns the live session, recycling it when the requested
// strategy differs from the one it was built with.
func (b *Chromedp) sessionFor(engine crawler.Engine, visibility crawler.Visibility) (*session, error) {
	if b.session != nil && b.session.engine == engine && b.session.visibility == visibility {
		return b.session, nil
	}
	b.closeSessionLocked()

	engineCfg, ok := b.cfg.Engines[engine]
	if !ok {
		return nil, fmt.Errorf("engine %q is not configured", engine)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", visibility == crawler.VisibilityHeadless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if engineCfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(engineCfg.ExecPath))
	}
	if engineCfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(engineCfg.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("%s warmup: %w", engine, err)
	}

	b.logger.Info("browser session started",
		zap.String("engine", string(engine)),
		zap.String("visibility", string(visibility)))
	b.session = &session{
		engine:        engine,
		visibility:    visibility,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}
	return b.session, nil
}

func (b *Chromedp) closeSessionLocked() {
	if b.session == nil {
		return
	}
	b.session.browserCancel()
	b.session.allocCancel()
	b.session = nil
}

func (b *Chromedp) userAgentAction(engine crawler.Engine) chromedp.Action {
	ua := b.cfg.Engines[engine].UserAgent
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if ua == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(ua).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

// ExtractLinks is the snapshot-only link harvester shared with the noop
// browser and the site adapters.
func ExtractLinks(snap crawler.PageSnapshot, pattern string) ([]string, error) {
	var matcher *regexp.Regexp
	if pattern != "" {
		var err error
		matcher, err = regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile link pattern: %w", err)
		}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(snap.Body)))
	if err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}

	base := snap.FinalURL
	if base == "" {
		base = snap.URL
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		resolved := resolveHref(base, href)
		if resolved == "" {
			return
		}
		if matcher != nil && !matcher.MatchString(resolved) {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		links = append(links, resolved)
	})
	return links, nil
}

func resolveHref(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
		return ""
	}
	baseURL, err := neturl.Parse(base)
	if err != nil {
		return ""
	}
	ref, err := neturl.Parse(href)
	if err != nil {
		return ""
	}
	resolved := baseURL.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	resolved.Fragment = ""
	return resolved.String()
}

type responseMeta struct {
	mu     sync.Mutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.url
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
