package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/thanhnt-sm/LMArenaBridge-2/pkg/arena"
)

// FetchResult carries the upstream response out of the page.
type FetchResult struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// PageFetch performs an upstream POST from inside a live page. The page's
// own TLS fingerprint and cookies go with the request, which gets through
// when direct HTTP from the bridge process is blocked.
func PageFetch(ctx context.Context, opts Options, authToken, url string, body []byte, timeout time.Duration) (*FetchResult, error) {
	bctx, cancel := NewContext(ctx, opts)
	defer cancel()

	origin := arena.DetectOrigin(url)
	if err := chromedp.Run(bctx,
		stealthAction(),
		seedCookiesAction(authToken, url),
		chromedp.Navigate(origin+"/"),
	); err != nil {
		return nil, fmt.Errorf("prepare page: %w", err)
	}
	if err := waitChallengeCleared(bctx, timeout); err != nil {
		return nil, err
	}

	script, err := fetchScript(url, body)
	if err != nil {
		return nil, err
	}
	var res FetchResult
	if err := chromedp.Run(bctx, chromedp.Evaluate(script, &res,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		})); err != nil {
		return nil, fmt.Errorf("page fetch: %w", err)
	}
	return &res, nil
}

// seedCookiesAction installs the stored auth token and a fresh provisional
// user id on both arena origins before the page loads.
func seedCookiesAction(authToken, pageURL string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		specs := arena.AuthCookieSpecs(authToken, pageURL)
		specs = append(specs, arena.ProvisionalUserCookieSpecs(arena.NewID(), pageURL)...)
		for _, spec := range specs {
			params := network.SetCookie(spec.Name, spec.Value).WithSecure(true)
			if spec.URL != "" {
				params = params.WithURL(spec.URL)
			}
			if spec.Domain != "" {
				params = params.WithDomain(spec.Domain)
			}
			if spec.Path != "" {
				params = params.WithPath(spec.Path)
			}
			if err := params.Do(ctx); err != nil {
				return fmt.Errorf("set cookie %s: %w", spec.Name, err)
			}
		}
		return nil
	})
}

// fetchScript builds the in-page fetch expression. URL and body are embedded
// as JSON literals so no page content can break out of the script.
func fetchScript(url string, body []byte) (string, error) {
	urlLit, err := json.Marshal(url)
	if err != nil {
		return "", err
	}
	bodyLit, err := json.Marshal(string(body))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`(async () => {
		const resp = await fetch(%s, {
			method: 'POST',
			headers: {'Content-Type': 'application/json'},
			body: %s,
			credentials: 'include',
		});
		return {status: resp.status, body: await resp.text()};
	})()`, urlLit, bodyLit), nil
}
