// Package browser drives a Chromium instance to clear the Cloudflare
// interstitial, harvest credentials and the model catalog, and run upstream
// fetches from inside the page when direct HTTP is blocked.
package browser

import (
	"context"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// Window modes for non-headless runs. Hide parks the window offscreen so
// automation does not steal focus; headless runs ignore the mode entirely.
const (
	WindowModeHide    = "hide"
	WindowModeVisible = "visible"
)

type Options struct {
	Headless   bool
	ExecPath   string
	WindowMode string
}

// Masks the most common automation tell before any site script runs.
const stealthInitScript = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});`

func allocatorOptions(opts Options) []chromedp.ExecAllocatorOption {
	out := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	out = append(out,
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-site-isolation-trials", true),
		chromedp.Flag("disable-ipc-flooding-protection", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
	)
	if opts.Headless {
		out = append(out, chromedp.Flag("headless", "new"))
	} else {
		out = append(out, chromedp.Flag("headless", false))
		if opts.WindowMode != WindowModeVisible {
			out = append(out, chromedp.Flag("window-position", "-32000,-32000"))
		}
	}
	if opts.ExecPath != "" {
		out = append(out, chromedp.ExecPath(opts.ExecPath))
	}
	return out
}

// NewContext spawns a fresh browser tab context. The returned cancel tears
// down the whole browser process.
func NewContext(parent context.Context, opts Options) (context.Context, context.CancelFunc) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, allocatorOptions(opts)...)
	ctx, ctxCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		ctxCancel()
		allocCancel()
	}
	return ctx, cancel
}

func stealthAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(stealthInitScript).Do(ctx)
		return err
	})
}
