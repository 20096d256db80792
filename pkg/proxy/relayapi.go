package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
)

// The userscript agent speaks two dialects: plain long-polling for the
// Greasemonkey-style script, and a websocket for agents that can hold one
// open. Both drive the same relay registry.

const agentPollTimeout = 25 * time.Second

func (s *Server) handleAgentNextJob(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), agentPollTimeout)
	defer cancel()
	job := s.relay.Claim(ctx)
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status int `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusBadRequest, "Malformed status report.")
		return
	}
	if err := s.relay.ReportStatus(chi.URLParam(r, "jobID"), body.Status); err != nil {
		writeDetail(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgentLines(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Lines []string `json:"lines"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusBadRequest, "Malformed lines report.")
		return
	}
	if err := s.relay.ReportLines(chi.URLParam(r, "jobID"), body.Lines); err != nil {
		writeDetail(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgentDone(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusBadRequest, "Malformed done report.")
		return
	}
	if err := s.relay.ReportDone(chi.URLParam(r, "jobID"), body.Error); err != nil {
		writeDetail(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type agentWSMessage struct {
	Type   string   `json:"type"`
	JobID  string   `json:"job_id"`
	Status int      `json:"status,omitempty"`
	Lines  []string `json:"lines,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// handleAgentSocket runs the websocket dialect: the bridge pushes claimed
// jobs down, the agent answers with status/lines/done frames.
func (s *Server) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	log.Info("userscript agent connected", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader: agent frames in.
	frames := make(chan agentWSMessage)
	go func() {
		defer close(frames)
		for {
			var msg agentWSMessage
			if err := conn.ReadJSON(&msg); err != nil {
				cancel()
				return
			}
			select {
			case frames <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Writer: claim jobs and push them down the socket.
	go func() {
		for {
			job := s.relay.Claim(ctx)
			if job == nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if err := conn.WriteJSON(job); err != nil {
				_ = s.relay.ReportDone(job.ID, "agent socket write failed")
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info("userscript agent disconnected", "remote", r.RemoteAddr)
			return
		case msg, ok := <-frames:
			if !ok {
				return
			}
			var err error
			switch msg.Type {
			case "status":
				err = s.relay.ReportStatus(msg.JobID, msg.Status)
			case "lines":
				err = s.relay.ReportLines(msg.JobID, msg.Lines)
			case "done":
				err = s.relay.ReportDone(msg.JobID, msg.Error)
			default:
				log.Warn("unknown agent frame", "type", msg.Type)
			}
			if err != nil {
				log.Warn("agent report rejected", "type", msg.Type, "job", msg.JobID, "err", err)
			}
		}
	}
}
