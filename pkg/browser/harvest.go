package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/thanhnt-sm/LMArenaBridge-2/pkg/arena"
	"github.com/thanhnt-sm/LMArenaBridge-2/pkg/catalog"
)

const challengeTitle = "Just a moment..."

// Credentials is what a successful harvest yields. Models may be empty when
// the clearance cookie landed but the catalog blob was missing.
type Credentials struct {
	Clearance arena.Cookie
	Models    []catalog.Model
}

// Harvest opens the arena front page, waits out the Cloudflare challenge and
// collects the clearance cookie plus the embedded model catalog.
func Harvest(ctx context.Context, opts Options, challengeTimeout time.Duration) (*Credentials, error) {
	bctx, cancel := NewContext(ctx, opts)
	defer cancel()

	if err := chromedp.Run(bctx,
		stealthAction(),
		chromedp.Navigate(arena.CanonicalOrigin+"/"),
	); err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}

	if err := waitChallengeCleared(bctx, challengeTimeout); err != nil {
		// The interactive widget sometimes needs a nudge.
		if !ClickTurnstile(bctx) {
			return nil, err
		}
		log.Info("clicked turnstile widget, waiting again")
		if err := waitChallengeCleared(bctx, challengeTimeout); err != nil {
			return nil, err
		}
	}

	// Give the page a moment to settle so the clearance cookie lands.
	_ = chromedp.Run(bctx, chromedp.Sleep(5*time.Second))

	cookies, err := collectCookies(bctx)
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}
	clearance, ok := findClearance(cookies)
	if !ok {
		return nil, errors.New("cf_clearance cookie not present after challenge")
	}

	var html string
	if err := chromedp.Run(bctx, chromedp.OuterHTML("html", &html)); err != nil {
		return nil, fmt.Errorf("read page html: %w", err)
	}
	models, err := ExtractModels(html)
	if err != nil {
		// Clearance alone is still worth keeping.
		log.Warn("model catalog extraction failed", "err", err)
		models = nil
	}
	return &Credentials{Clearance: clearance, Models: models}, nil
}

// waitChallengeCleared polls the document title until the interstitial is
// gone or the timeout expires.
func waitChallengeCleared(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		var title string
		if err := chromedp.Run(ctx, chromedp.Title(&title)); err != nil {
			return fmt.Errorf("read title: %w", err)
		}
		if !strings.Contains(title, challengeTitle) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("challenge still present after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// collectCookies reads cookies for both arena origins and collapses the
// per-origin duplicates.
func collectCookies(ctx context.Context) ([]arena.Cookie, error) {
	var out []arena.Cookie
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var loc string
		_ = chromedp.Location(&loc).Do(ctx)
		cookies, err := network.GetCookies().WithURLs(arena.OriginCandidates(loc)).Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			out = append(out, arena.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
		}
		return nil
	}))
	return arena.DedupeCookies(out), err
}

func findClearance(cookies []arena.Cookie) (arena.Cookie, bool) {
	for _, c := range cookies {
		if c.Name == arena.ClearanceCookieName {
			return c, true
		}
	}
	return arena.Cookie{}, false
}
