package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/thanhnt-sm/LMArenaBridge-2/pkg/arena"
	"github.com/thanhnt-sm/LMArenaBridge-2/pkg/browser"
	"github.com/thanhnt-sm/LMArenaBridge-2/pkg/config"
	"github.com/thanhnt-sm/LMArenaBridge-2/pkg/relay"
)

// upstreamFetcher runs one prepared evaluation turn against the arena
// backend. onChunk fires per decoded text chunk for streaming responses and
// may be nil.
type upstreamFetcher interface {
	Do(ctx context.Context, turn arena.Turn, onChunk func(string)) (*arena.Result, error)
}

// Orchestrator tries transports in escalating order of cost: plain HTTP
// first, then a fetch from inside a real browser page, then the userscript
// relay. When an agent polled recently the relay goes first, since that
// means someone has a logged-in tab open and the direct path is likely
// blocked anyway.
type Orchestrator struct {
	client       *http.Client
	state        *config.StateStore
	relay        *relay.Registry
	browserCfg   config.BrowserConfig
	claimTimeout time.Duration
	liveness     time.Duration

	// Strategy indirection for tests.
	directFn  func(ctx context.Context, turn arena.Turn, headers http.Header, onChunk func(string)) (*arena.Result, error)
	browserFn func(ctx context.Context, turn arena.Turn, authToken string) (*arena.Result, error)
	relayFn   func(ctx context.Context, turn arena.Turn, headers http.Header, onChunk func(string)) (*arena.Result, error)
}

func NewOrchestrator(state *config.StateStore, reg *relay.Registry, cfg *config.ServerConfig) *Orchestrator {
	o := &Orchestrator{
		client:       &http.Client{},
		state:        state,
		relay:        reg,
		browserCfg:   cfg.Browser,
		claimTimeout: time.Duration(cfg.Relay.ClaimTimeoutSeconds) * time.Second,
		liveness:     time.Duration(cfg.Relay.LivenessWindowSeconds) * time.Second,
	}
	o.directFn = o.direct
	o.browserFn = o.viaBrowser
	o.relayFn = o.viaRelay
	return o
}

func (o *Orchestrator) Do(ctx context.Context, turn arena.Turn, onChunk func(string)) (*arena.Result, error) {
	st := o.state.Snapshot()
	if strings.TrimSpace(st.AuthToken) == "" {
		return nil, errInternal(fmt.Errorf("arena auth token not set in dashboard"))
	}
	headers := arena.StreamHeaders(st.AuthToken, st.CfClearance)

	// Every transport streams through this wrapper so that once any chunk
	// reached the client, no other transport runs; a retry would duplicate
	// output.
	emitted := 0
	counting := func(chunk string) {
		emitted++
		if onChunk != nil {
			onChunk(chunk)
		}
	}

	if o.relay.Active(o.liveness) {
		res, err := o.relayFn(ctx, turn, headers, counting)
		if err == nil {
			return res, nil
		}
		if emitted > 0 {
			return nil, err
		}
		log.Warn("relay transport failed, falling back to direct", "err", err)
	}

	res, err := o.directFn(ctx, turn, headers, counting)
	if err == nil {
		return res, nil
	}
	if emitted > 0 || !retryable(err) {
		return nil, err
	}
	log.Warn("direct transport failed, trying browser fetch", "err", err)

	if res, berr := o.browserFn(ctx, turn, st.AuthToken); berr == nil {
		if onChunk != nil {
			onChunk(res.Text)
		}
		return res, nil
	} else {
		log.Warn("browser transport failed, trying relay", "err", berr)
	}

	res, rerr := o.relayFn(ctx, turn, headers, counting)
	if rerr != nil {
		// The original failure usually explains more than the fallback's.
		log.Error("all transports failed", "direct", err, "relay", rerr)
		return nil, rerr
	}
	return res, nil
}

// retryable reports whether a direct-transport failure is worth escalating
// to a browser. Clean upstream rejections and decoded in-band errors are
// final; only blocked or failed transport attempts escalate.
func retryable(err error) bool {
	var upErr *arena.UpstreamError
	if errors.As(err, &upErr) {
		return upErr.Status == http.StatusForbidden || upErr.Status == http.StatusTooManyRequests
	}
	if errors.Is(err, arena.ErrEmptyResponse) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

func (o *Orchestrator) direct(ctx context.Context, turn arena.Turn, headers http.Header, onChunk func(string)) (*arena.Result, error) {
	body, err := json.Marshal(turn.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, turn.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &arena.UpstreamError{Status: resp.StatusCode, Message: strings.TrimSpace(string(snippet))}
	}
	return decodeStream(resp.Body, onChunk)
}

func (o *Orchestrator) viaBrowser(ctx context.Context, turn arena.Turn, authToken string) (*arena.Result, error) {
	body, err := json.Marshal(turn.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	st := o.state.Snapshot()
	opts := browser.Options{
		Headless:   o.browserCfg.Headless,
		ExecPath:   o.browserCfg.ExecPath,
		WindowMode: st.FetchWindowMode,
	}
	timeout := time.Duration(o.browserCfg.ChallengeTimeoutSeconds) * time.Second
	res, err := browser.PageFetch(ctx, opts, authToken, turn.URL, body, timeout)
	if err != nil {
		return nil, err
	}
	if res.Status < 200 || res.Status > 299 {
		return nil, &arena.UpstreamError{Status: res.Status, Message: truncateBody(res.Body)}
	}
	result, err := arena.DecodeBody(strings.NewReader(res.Body))
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (o *Orchestrator) viaRelay(ctx context.Context, turn arena.Turn, headers http.Header, onChunk func(string)) (*arena.Result, error) {
	body, err := json.Marshal(turn.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	hdr := make(map[string]string, len(headers))
	for k := range headers {
		hdr[k] = headers.Get(k)
	}
	job, err := o.relay.Submit(ctx, relay.Request{
		Method:  http.MethodPost,
		URL:     turn.URL,
		Headers: hdr,
		Body:    string(body),
	}, o.claimTimeout)
	if err != nil {
		return nil, err
	}

	select {
	case status := <-job.Status():
		if status < 200 || status > 299 {
			drainJob(ctx, job)
			return nil, &arena.UpstreamError{Status: status}
		}
	case <-job.Done():
		if err := job.Err(); err != nil {
			return nil, err
		}
		// Agent skipped the status report; fall through to the lines.
	case <-ctx.Done():
		_ = o.relay.ReportDone(job.ID, "client disconnected")
		return nil, ctx.Err()
	}

	var d arena.Decoder
	for {
		select {
		case line := <-job.Lines():
			if chunk, isText := d.Line(line); isText && onChunk != nil {
				onChunk(chunk)
			}
		case <-job.Done():
			// Lines reported before completion are still buffered.
			for drained := false; !drained; {
				select {
				case line := <-job.Lines():
					if chunk, isText := d.Line(line); isText && onChunk != nil {
						onChunk(chunk)
					}
				default:
					drained = true
				}
			}
			if err := job.Err(); err != nil {
				return nil, err
			}
			result, err := d.Finish()
			if err != nil {
				return nil, err
			}
			return &result, nil
		case <-ctx.Done():
			_ = o.relay.ReportDone(job.ID, "client disconnected")
			return nil, ctx.Err()
		}
	}
}

// drainJob discards the remainder of a failed job so the agent's reports do
// not back up.
func drainJob(ctx context.Context, job *relay.Job) {
	for {
		select {
		case <-job.Lines():
		case <-job.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func decodeStream(r io.Reader, onChunk func(string)) (*arena.Result, error) {
	var d arena.Decoder
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if chunk, isText := d.Line(sc.Text()); isText && onChunk != nil {
			onChunk(chunk)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read upstream stream: %w", err)
	}
	result, err := d.Finish()
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func truncateBody(s string) string {
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
