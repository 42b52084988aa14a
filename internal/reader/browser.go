package reader

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

type BrowserConfig struct {
	// ControlURL points at an already running Chrome DevTools endpoint. When
	// empty a local headless browser is launched on first use.
	ControlURL        string
	NavigationTimeout time.Duration
	Logger            *zap.Logger
}

// BrowserReader renders pages in headless Chrome, for sites that build their
// content with JavaScript.
type BrowserReader struct {
	cfg     BrowserConfig
	logger  *zap.Logger
	mu      sync.Mutex
	browser *rod.Browser
}

func NewBrowserReader(cfg BrowserConfig) *BrowserReader {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 25 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BrowserReader{cfg: cfg, logger: logger}
}

func (r *BrowserReader) connect() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil {
		return r.browser, nil
	}
	controlURL := r.cfg.ControlURL
	if controlURL == "" {
		launched, err := launcher.New().Headless(true).Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		controlURL = launched
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	r.logger.Info("browser connected", zap.String("control_url", controlURL))
	r.browser = browser
	return browser, nil
}

func (r *BrowserReader) ReadURL(ctx context.Context, target string) (Page, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return Page{}, ErrEmptyURL
	}
	browser, err := r.connect()
	if err != nil {
		return Page{}, err
	}
	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return Page{}, fmt.Errorf("open page: %w", err)
	}
	defer func() {
		if closeErr := page.Close(); closeErr != nil {
			r.logger.Debug("failed to close page", zap.String("url", target), zap.Error(closeErr))
		}
	}()

	scoped := page.Context(ctx).Timeout(r.cfg.NavigationTimeout)
	if err := scoped.Navigate(target); err != nil {
		return Page{}, fmt.Errorf("navigate %s: %w", target, err)
	}
	if err := scoped.WaitLoad(); err != nil {
		return Page{}, fmt.Errorf("wait for %s: %w", target, err)
	}
	raw, err := scoped.HTML()
	if err != nil {
		return Page{}, fmt.Errorf("read html %s: %w", target, err)
	}
	doc, err := parseHTML(raw, target)
	if err != nil {
		return Page{}, fmt.Errorf("failed to parse html: %w", err)
	}
	return Page{URL: target, Content: doc.text, Title: doc.title, Links: doc.links}, nil
}

// Close shuts the browser down if one was started.
func (r *BrowserReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser == nil {
		return nil
	}
	err := r.browser.Close()
	r.browser = nil
	return err
}
