package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/thanhnt-sm/LMArenaBridge-2/pkg/relay"
)

func TestAgentLongPollLifecycle(t *testing.T) {
	s, _ := newTestServer(t)

	jobCh := make(chan *relay.Job, 1)
	errCh := make(chan error, 1)
	go func() {
		job, err := s.relay.Submit(context.Background(), relay.Request{
			Method: http.MethodPost,
			URL:    "https://lmarena.ai/nextjs-api/stream/create-evaluation",
			Body:   "{}",
		}, 5*time.Second)
		errCh <- err
		jobCh <- job
	}()

	rec := doRequest(s, http.MethodGet, "/userscript/jobs/next", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("poll code = %d, body = %s", rec.Code, rec.Body.String())
	}
	var claimed struct {
		ID      string `json:"id"`
		Request struct {
			Method string `json:"method"`
			URL    string `json:"url"`
			Body   string `json:"body"`
		} `json:"request"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &claimed); err != nil {
		t.Fatalf("decode claimed job: %v", err)
	}
	if claimed.ID == "" || claimed.Request.Method != http.MethodPost {
		t.Fatalf("claimed job = %+v", claimed)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := <-jobCh

	rec = doRequest(s, http.MethodPost, "/userscript/jobs/"+claimed.ID+"/status", "",
		map[string]int{"status": 200})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status report code = %d", rec.Code)
	}
	rec = doRequest(s, http.MethodPost, "/userscript/jobs/"+claimed.ID+"/lines", "",
		map[string][]string{"lines": {`a0:"Hi"`, `ad:{"finishReason":"stop"}`}})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("lines report code = %d", rec.Code)
	}
	rec = doRequest(s, http.MethodPost, "/userscript/jobs/"+claimed.ID+"/done", "",
		map[string]string{"error": ""})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("done report code = %d", rec.Code)
	}

	if got := <-job.Status(); got != 200 {
		t.Errorf("status = %d", got)
	}
	<-job.Done()
	var lines []string
	for len(lines) < 2 {
		select {
		case line := <-job.Lines():
			lines = append(lines, line)
		default:
			t.Fatalf("lines = %v, want 2 buffered after done", lines)
		}
	}
	if err := job.Err(); err != nil {
		t.Errorf("job err = %v", err)
	}
}

func TestAgentReportUnknownJob(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodPost, "/userscript/jobs/nope/status", "",
		map[string]int{"status": 200})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d", rec.Code)
	}
	rec = doRequest(s, http.MethodPost, "/userscript/jobs/nope/done", "",
		map[string]string{"error": "boom"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestAgentReportMalformedBody(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodPost, "/userscript/jobs/x/status", "", "not an object")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestAgentFailureReachesSubmitter(t *testing.T) {
	s, _ := newTestServer(t)

	jobCh := make(chan *relay.Job, 1)
	go func() {
		job, _ := s.relay.Submit(context.Background(), relay.Request{Method: "POST", URL: "u"}, 5*time.Second)
		jobCh <- job
	}()

	rec := doRequest(s, http.MethodGet, "/userscript/jobs/next", "", nil)
	var claimed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &claimed); err != nil {
		t.Fatal(err)
	}
	job := <-jobCh

	doRequest(s, http.MethodPost, "/userscript/jobs/"+claimed.ID+"/done", "",
		map[string]string{"error": "tab closed"})
	<-job.Done()
	if err := job.Err(); err == nil {
		t.Fatal("failure report did not reach the submitter")
	}
}
