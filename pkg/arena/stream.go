package arena

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	log "github.com/charmbracelet/log"
)

// ErrEmptyResponse covers every upstream failure that manifests as a stream
// with no text: expired auth token, stale clearance, unavailable model,
// upstream throttling. They are indistinguishable at this interface.
var ErrEmptyResponse = errors.New("upstream returned an empty response; auth token or cf_clearance may be expired, or the model is unavailable")

// UpstreamError is a failure reported by the upstream service, either as a
// non-2xx HTTP status or as an a3: line in an otherwise empty stream.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream error: status %d: %s", e.Status, e.Message)
	}
	return "upstream error: " + e.Message
}

// Result is a fully decoded upstream stream.
type Result struct {
	Text         string
	FinishReason string
}

// Decoder accumulates the upstream's line-tagged wire format. Lines carry a
// 3-byte prefix: a0: JSON-string text chunk, a3: error message, ad: JSON
// metadata object with an optional finishReason.
type Decoder struct {
	text         strings.Builder
	finishReason string
	errMessage   string
	errSeen      bool
}

// Line consumes one raw line and returns the decoded text chunk, if the line
// carried one. Malformed a0 payloads are skipped without aborting the stream.
func (d *Decoder) Line(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}
	if len(line) < 3 {
		log.Debug("unexpected upstream line", "line", line)
		return "", false
	}
	payload := line[3:]
	switch line[:3] {
	case "a0:":
		var chunk string
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			log.Warn("malformed upstream text chunk", "payload", truncate(payload, 100), "err", err)
			return "", false
		}
		d.text.WriteString(chunk)
		return chunk, true
	case "a3:":
		var msg string
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			msg = payload
		}
		d.errMessage = msg
		d.errSeen = true
	case "ad:":
		var meta struct {
			FinishReason string `json:"finishReason"`
		}
		if err := json.Unmarshal([]byte(payload), &meta); err != nil {
			log.Warn("malformed upstream metadata", "payload", truncate(payload, 100), "err", err)
			return "", false
		}
		if meta.FinishReason != "" {
			d.finishReason = meta.FinishReason
		}
	default:
		log.Debug("unexpected upstream line", "line", truncate(line, 100))
	}
	return "", false
}

// Finish reports the decoded result once input is exhausted. An empty
// accumulation is always a failure: the captured a3: message if one arrived,
// the generic empty-response error otherwise.
func (d *Decoder) Finish() (Result, error) {
	text := strings.TrimSpace(d.text.String())
	if text == "" {
		if d.errSeen {
			return Result{}, &UpstreamError{Message: d.errMessage}
		}
		return Result{}, ErrEmptyResponse
	}
	return Result{Text: text, FinishReason: d.finishReason}, nil
}

// DecodeBody decodes a complete response body.
func DecodeBody(r io.Reader) (Result, error) {
	var d Decoder
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		d.Line(sc.Text())
	}
	if err := sc.Err(); err != nil {
		return Result{}, fmt.Errorf("read upstream stream: %w", err)
	}
	return d.Finish()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
