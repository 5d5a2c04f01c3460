// Package render drives a headless Chrome through Rod to produce
// post-hydration markup for sources that ship empty static HTML.
package render

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

// Renderer owns one Chrome process and hands out pages under a concurrency
// cap. The browser launches lazily on the first Render call; a process
// doing only static fetches never pays for Chrome.
type Renderer struct {
	logger *slog.Logger
	sem    chan struct{}

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithConcurrency caps how many pages render at once.
func WithConcurrency(n int) Option {
	return func(r *Renderer) {
		if n > 0 {
			r.sem = make(chan struct{}, n)
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Renderer) { r.logger = l }
}

// New creates a Renderer. Chrome is not launched until the first Render.
func New(opts ...Option) *Renderer {
	r := &Renderer{
		logger: slog.Default(),
		sem:    make(chan struct{}, 2),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// browserLocked returns the live browser, launching Chrome on first use.
func (r *Renderer) browserLocked() (*rod.Browser, error) {
	if r.closed {
		return nil, fmt.Errorf("render: renderer closed")
	}
	if r.browser != nil {
		return r.browser, nil
	}

	l := launcher.New().
		Headless(true).
		Set("disable-blink-features", "AutomationControlled")
	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("render: launch chrome: %w", err)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("render: connect: %w", err)
	}

	r.lnch = l
	r.browser = b
	r.logger.Info("render: launched chrome", "url", wsURL)
	return b, nil
}

// Render navigates to url in a fresh stealth page and returns the serialized
// DOM after hydration. locale sets the Accept-Language header; waitSelector,
// when non-empty, is waited for before serializing. Empty output is an
// error: a rendered page with no markup means the render failed.
func (r *Renderer) Render(ctx context.Context, url, locale, waitSelector string, timeout time.Duration) ([]byte, error) {
	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return nil, fmt.Errorf("render: waiting for slot: %w", ctx.Err())
	}

	r.mu.Lock()
	b, err := r.browserLocked()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("render: create page: %w", err)
	}
	defer page.Close()
	page = page.Context(ctx)

	if locale != "" {
		_, err = page.SetExtraHeaders([]string{"Accept-Language", locale})
		if err != nil {
			r.logger.Warn("render: set headers failed", "error", err)
		}
	}

	start := time.Now()
	if err := page.Navigate(url); err != nil {
		return nil, fmt.Errorf("render: navigate %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		r.logger.Warn("render: wait load timeout", "url", url, "error", err)
	}

	if waitSelector != "" {
		if err := r.waitSelector(page, waitSelector); err != nil {
			// The selector not appearing is survivable; the page may still
			// hold partial results worth extracting.
			r.logger.Warn("render: wait selector timeout",
				"url", url, "selector", waitSelector, "error", err)
		}
	}

	markup, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("render: serialize %s: %w", url, err)
	}
	if len(markup) == 0 {
		return nil, fmt.Errorf("render: empty document for %s", url)
	}

	r.logger.Debug("render: page rendered",
		"url", url, "bytes", len(markup), "elapsed", time.Since(start).Round(time.Millisecond))
	return []byte(markup), nil
}

func (r *Renderer) waitSelector(page *rod.Page, selector string) error {
	el, err := page.Element(selector)
	if err != nil {
		return err
	}
	return el.WaitVisible()
}

// Close shuts down Chrome. Safe to call when no browser was ever launched,
// and safe to call more than once.
func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var err error
	if r.browser != nil {
		err = r.browser.Close()
		r.browser = nil
	}
	if r.lnch != nil {
		r.lnch.Cleanup()
		r.lnch = nil
	}
	return err
}
