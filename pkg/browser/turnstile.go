package browser

import (
	"context"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
)

const turnstileSelector = `#cf-turnstile`

// ClickTurnstile tries to activate the interactive Turnstile widget. It
// reports whether a click was delivered and never fails hard: a missing
// widget, a vanished frame or a click error all come back false so the
// caller can fall through to its timeout path.
func ClickTurnstile(ctx context.Context) bool {
	tctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var nodes []*cdp.Node
	err := chromedp.Run(tctx,
		chromedp.Nodes(turnstileSelector, &nodes, chromedp.ByQuery, chromedp.AtLeast(0)))
	if err != nil || len(nodes) == 0 {
		return false
	}

	// A real mouse click at the widget center is the most convincing input.
	var center []float64
	err = chromedp.Run(tctx, chromedp.Evaluate(
		`(() => {
			const el = document.querySelector('`+turnstileSelector+`');
			if (!el) return null;
			const r = el.getBoundingClientRect();
			if (r.width === 0 || r.height === 0) return null;
			return [r.x + r.width / 2, r.y + r.height / 2];
		})()`, &center))
	if err == nil && len(center) == 2 {
		if chromedp.Run(tctx, chromedp.MouseClickXY(center[0], center[1])) == nil {
			return true
		}
	}

	// Last resort: synthesize a click on the element itself.
	return chromedp.Run(tctx, chromedp.Evaluate(
		`document.querySelector('`+turnstileSelector+`')?.click()`, nil)) == nil
}
