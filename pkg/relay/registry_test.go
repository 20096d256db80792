package relay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testRequest() Request {
	return Request{Method: "POST", URL: "https://lmarena.ai/nextjs-api/stream/create-evaluation", Body: "{}"}
}

func TestSubmitTimesOutWithoutAgent(t *testing.T) {
	r := NewRegistry()
	_, err := r.Submit(context.Background(), testRequest(), 20*time.Millisecond)
	if !errors.Is(err, ErrAgentUnavailable) {
		t.Fatalf("err = %v, want ErrAgentUnavailable", err)
	}
	if r.Pending() != 0 {
		t.Errorf("abandoned job left in queue, pending = %d", r.Pending())
	}
}

func TestSubmitCancelledByCaller(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Submit(ctx, testRequest(), time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestClaimDeliversQueuedJob(t *testing.T) {
	r := NewRegistry()

	type result struct {
		job *Job
		err error
	}
	submitted := make(chan result, 1)
	go func() {
		j, err := r.Submit(context.Background(), testRequest(), 2*time.Second)
		submitted <- result{j, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	claimed := r.Claim(ctx)
	if claimed == nil {
		t.Fatal("claim returned nil with a job pending")
	}
	res := <-submitted
	if res.err != nil {
		t.Fatalf("submit: %v", res.err)
	}
	if res.job.ID != claimed.ID {
		t.Fatalf("claimed %q, submitted %q", claimed.ID, res.job.ID)
	}
	select {
	case <-res.job.PickedUp():
	default:
		t.Error("picked-up signal not delivered")
	}
}

func TestClaimTimesOutEmpty(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if j := r.Claim(ctx); j != nil {
		t.Fatalf("claim on empty queue = %v", j)
	}
}

func TestJobStreamLifecycle(t *testing.T) {
	r := NewRegistry()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		j := r.Claim(ctx)
		if j == nil {
			return
		}
		_ = r.ReportStatus(j.ID, 200)
		_ = r.ReportLines(j.ID, []string{`a0:"Hel"`, `a0:"lo"`})
		_ = r.ReportLines(j.ID, []string{`ad:{"finishReason":"stop"}`})
		_ = r.ReportDone(j.ID, "")
	}()

	job, err := r.Submit(context.Background(), testRequest(), 2*time.Second)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case status := <-job.Status():
		if status != 200 {
			t.Errorf("status = %d", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no status report")
	}

	<-job.Done()
	if lines := drainLines(job); len(lines) != 3 {
		t.Fatalf("lines = %v", lines)
	}
	if job.Err() != nil {
		t.Errorf("err = %v", job.Err())
	}
}

// drainLines empties the buffered line channel after Done fired.
func drainLines(j *Job) []string {
	var lines []string
	for {
		select {
		case line := <-j.Lines():
			lines = append(lines, line)
		default:
			return lines
		}
	}
}

func TestReportDoneWithFailure(t *testing.T) {
	r := NewRegistry()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		j := r.Claim(ctx)
		if j == nil {
			return
		}
		_ = r.ReportDone(j.ID, "page fetch threw")
	}()

	job, err := r.Submit(context.Background(), testRequest(), 2*time.Second)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-job.Done()
	if job.Err() == nil {
		t.Fatal("failure not surfaced")
	}
}

func TestReportAfterDoneRejected(t *testing.T) {
	r := NewRegistry()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		j := r.Claim(ctx)
		if j == nil {
			return
		}
		_ = r.ReportDone(j.ID, "")
		if err := r.ReportLines(j.ID, []string{"late"}); err == nil {
			t.Error("lines accepted after done")
		}
	}()

	job, err := r.Submit(context.Background(), testRequest(), 2*time.Second)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-job.Done()
}

func TestReportDoneNotBlockedByStalledLines(t *testing.T) {
	r := NewRegistry()

	type result struct {
		job *Job
		err error
	}
	submitted := make(chan result, 1)
	go func() {
		j, err := r.Submit(context.Background(), testRequest(), 2*time.Second)
		submitted <- result{j, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job := r.Claim(ctx)
	if job == nil {
		t.Fatal("claim returned nil with a job pending")
	}
	if res := <-submitted; res.err != nil {
		t.Fatalf("submit: %v", res.err)
	}

	// Nobody drains the job, so a batch bigger than the channel buffer
	// stalls mid-send.
	batch := make([]string, 400)
	for i := range batch {
		batch[i] = `a0:"x"`
	}
	linesErr := make(chan error, 1)
	go func() { linesErr <- r.ReportLines(job.ID, batch) }()

	doneErr := make(chan error, 1)
	go func() { doneErr <- r.ReportDone(job.ID, "client disconnected") }()

	select {
	case err := <-doneErr:
		if err != nil {
			t.Fatalf("done report: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReportDone blocked behind a stalled line batch")
	}
	select {
	case err := <-linesErr:
		if err == nil {
			t.Error("stalled batch must fail once the job finished")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReportLines never aborted after the job finished")
	}
	<-job.Done()
}

func TestAbandonedJobRejectsLateReports(t *testing.T) {
	r := NewRegistry()
	submitted := make(chan *Job, 1)
	go func() {
		j, _ := r.Submit(context.Background(), testRequest(), 2*time.Second)
		submitted <- j
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job := r.Claim(ctx)
	if job == nil {
		t.Fatal("claim returned nil with a job pending")
	}
	<-submitted

	// An agent holding a job the submitter walked away from gets unknown-job
	// errors, its cue to drop the fetch.
	r.abandon(job)
	if err := r.ReportStatus(job.ID, 200); err == nil {
		t.Error("status report accepted for an abandoned job")
	}
	if err := r.ReportLines(job.ID, []string{`a0:"x"`}); err == nil {
		t.Error("lines report accepted for an abandoned job")
	}
}

func TestActiveWindow(t *testing.T) {
	r := NewRegistry()
	if r.Active(time.Minute) {
		t.Error("registry active before any poll")
	}
	r.Touch()
	if !r.Active(time.Minute) {
		t.Error("registry inactive right after a poll")
	}
	if r.Active(0) {
		t.Error("zero window must report inactive")
	}
}

func TestStatusDuplicateReportsFirstWins(t *testing.T) {
	r := NewRegistry()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		j := r.Claim(ctx)
		if j == nil {
			return
		}
		_ = r.ReportStatus(j.ID, 200)
		_ = r.ReportStatus(j.ID, 500)
		_ = r.ReportDone(j.ID, "")
	}()

	job, err := r.Submit(context.Background(), testRequest(), 2*time.Second)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if status := <-job.Status(); status != 200 {
		t.Errorf("status = %d, want first report", status)
	}
	<-job.Done()
}
