// Package preview captures screenshots of catalog entries with a headless
// browser.
package preview

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
)

// Capturer renders a URL to a PNG screenshot. One Capturer serves a whole
// batch and is torn down when the batch drains.
type Capturer interface {
	// Capture navigates to url, waits renderDelay for the page to paint,
	// and returns the page title and the screenshot bytes.
	Capture(ctx context.Context, url string, renderDelay time.Duration) (string, []byte, error)
	Close()
}

// Browser implements Capturer using chromedp and headless Chrome. The exec
// allocator (the browser process) is shared; each capture gets a fresh tab.
type Browser struct {
	navTimeout  time.Duration
	width       int
	height      int
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewBrowser starts a headless browser allocator.
func NewBrowser(width, height int, navTimeout time.Duration) (*Browser, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("viewport must be positive, got %dx%d", width, height)
	}
	if navTimeout <= 0 {
		navTimeout = 25 * time.Second
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("allow-file-access-from-files", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Browser{
		navTimeout:  navTimeout,
		width:       width,
		height:      height,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context, ending the browser process.
func (b *Browser) Close() {
	b.allocCancel()
}

// Capture renders url in a fresh tab and screenshots it.
func (b *Browser) Capture(ctx context.Context, url string, renderDelay time.Duration) (string, []byte, error) {
	taskCtx, taskCancel := chromedp.NewContext(b.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, b.navTimeout+renderDelay)
	defer cancel()

	// Honor caller cancellation on top of the per-capture budget.
	go func() {
		select {
		case <-ctx.Done():
			taskCancel()
		case <-taskCtx.Done():
		}
	}()

	var (
		title string
		shot  []byte
	)
	actions := []chromedp.Action{
		emulation.SetDeviceMetricsOverride(int64(b.width), int64(b.height), 1, false),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(renderDelay),
		chromedp.Title(&title),
		chromedp.CaptureScreenshot(&shot),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return "", nil, fmt.Errorf("chromedp run: %w", err)
	}
	return title, shot, nil
}
