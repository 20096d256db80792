package proxy

import (
	"html/template"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/thanhnt-sm/LMArenaBridge-2/pkg/config"
)

const (
	dashboardSessionCookie = "session_id"
	dashboardSessionTTL    = 24 * time.Hour

	apiKeyPrefix = "sk-lmab-"

	minKeyRPM = 1
	maxKeyRPM = 1000
)

// dashboardSessions is the in-memory login session table. Sessions do not
// survive a restart, operators just log in again.
type dashboardSessions struct {
	mu       sync.Mutex
	sessions map[string]time.Time
}

func newDashboardSessions() *dashboardSessions {
	return &dashboardSessions{sessions: map[string]time.Time{}}
}

func (d *dashboardSessions) Create() string {
	id := uuid.NewString()
	d.mu.Lock()
	d.sessions[id] = nowUTC().Add(dashboardSessionTTL)
	d.mu.Unlock()
	return id
}

func (d *dashboardSessions) Valid(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	expiry, ok := d.sessions[id]
	if !ok {
		return false
	}
	if nowUTC().After(expiry) {
		delete(d.sessions, id)
		return false
	}
	return true
}

func (d *dashboardSessions) Delete(id string) {
	d.mu.Lock()
	delete(d.sessions, id)
	d.mu.Unlock()
}

func (s *Server) dashboardAuthed(r *http.Request) bool {
	cookie, err := r.Cookie(dashboardSessionCookie)
	if err != nil {
		return false
	}
	return s.dashSessions.Valid(cookie.Value)
}

// requireDashboard redirects unauthenticated browsers to the login page.
func (s *Server) requireDashboard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.dashboardAuthed(r) {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if s.dashboardAuthed(r) {
		http.Redirect(w, r, "/dashboard", http.StatusFound)
		return
	}
	data := struct{ Error bool }{Error: r.URL.Query().Get("error") != ""}
	s.render(w, loginTemplate, data)
}

func (s *Server) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Redirect(w, r, "/login?error=1", http.StatusSeeOther)
		return
	}
	st := s.state.Snapshot()
	if !st.CheckPassword(r.PostFormValue("password")) {
		log.Warn("dashboard login rejected", "remote", r.RemoteAddr)
		http.Redirect(w, r, "/login?error=1", http.StatusSeeOther)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     dashboardSessionCookie,
		Value:    s.dashSessions.Create(),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(dashboardSessionCookie); err == nil {
		s.dashSessions.Delete(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{Name: dashboardSessionCookie, Value: "", Path: "/", MaxAge: -1})
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

type dashboardModel struct {
	PublicName   string
	Organization string
}

type dashboardStat struct {
	Model string
	Count int64
}

type dashboardData struct {
	Keys            []config.APIKeyRecord
	Models          []dashboardModel
	Stats           []dashboardStat
	TokenSet        bool
	ClearanceSet    bool
	AgentActive     bool
	PendingJobs     int
	FetchWindowMode string
	ProxyWindowMode string
	WindowModes     []string
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	st := s.state.Snapshot()

	data := dashboardData{
		Keys:            st.APIKeys,
		TokenSet:        st.AuthToken != "",
		ClearanceSet:    st.CfClearance != "",
		AgentActive:     s.relay.Active(s.relayLiveness),
		PendingJobs:     s.relay.Pending(),
		FetchWindowMode: st.FetchWindowMode,
		ProxyWindowMode: st.ProxyWindowMode,
		WindowModes:     []string{config.WindowModeHide, config.WindowModeVisible},
	}
	for i, m := range s.catalog.TextModels() {
		if i >= 20 {
			break
		}
		org := m.Organization
		if org == "" {
			org = "Unknown"
		}
		data.Models = append(data.Models, dashboardModel{PublicName: m.PublicName, Organization: org})
	}
	for model, count := range st.UsageStats {
		data.Stats = append(data.Stats, dashboardStat{Model: model, Count: count})
	}
	sort.Slice(data.Stats, func(i, j int) bool { return data.Stats[i].Count > data.Stats[j].Count })
	if len(data.Stats) > 10 {
		data.Stats = data.Stats[:10]
	}
	s.render(w, dashboardTemplate, data)
}

func (s *Server) handleUpdateAuthToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeDetail(w, http.StatusBadRequest, "Malformed form.")
		return
	}
	token := strings.TrimSpace(r.PostFormValue("auth_token"))
	err := s.state.Update(func(st *config.State) error {
		st.AuthToken = token
		return nil
	})
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info("auth token updated via dashboard")
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeDetail(w, http.StatusBadRequest, "Malformed form.")
		return
	}
	name := strings.TrimSpace(r.PostFormValue("name"))
	if name == "" {
		writeDetail(w, http.StatusBadRequest, "Key name is required.")
		return
	}
	rpm, err := strconv.Atoi(r.PostFormValue("rpm"))
	if err != nil {
		rpm = 60
	}
	if rpm < minKeyRPM {
		rpm = minKeyRPM
	}
	if rpm > maxKeyRPM {
		rpm = maxKeyRPM
	}
	rec := config.APIKeyRecord{
		Name:    name,
		Key:     apiKeyPrefix + uuid.NewString(),
		RPM:     rpm,
		Created: nowUTC().Unix(),
	}
	err = s.state.Update(func(st *config.State) error {
		st.APIKeys = append(st.APIKeys, rec)
		return nil
	})
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info("api key created", "name", name, "rpm", rpm)
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeDetail(w, http.StatusBadRequest, "Malformed form.")
		return
	}
	keyID := r.PostFormValue("key_id")
	err := s.state.Update(func(st *config.State) error {
		kept := st.APIKeys[:0]
		for _, k := range st.APIKeys {
			if k.Key != keyID {
				kept = append(kept, k)
			}
		}
		st.APIKeys = kept
		return nil
	})
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info("api key deleted")
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

func (s *Server) handleUpdateWindowModes(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeDetail(w, http.StatusBadRequest, "Malformed form.")
		return
	}
	fetch := normalizeWindowMode(r.PostFormValue("fetch_mode"))
	proxy := normalizeWindowMode(r.PostFormValue("proxy_mode"))
	err := s.state.Update(func(st *config.State) error {
		st.FetchWindowMode = fetch
		st.ProxyWindowMode = proxy
		return nil
	})
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

func normalizeWindowMode(v string) string {
	if v == config.WindowModeVisible {
		return config.WindowModeVisible
	}
	return config.WindowModeHide
}

func (s *Server) handleRefreshTokens(w http.ResponseWriter, r *http.Request) {
	s.TriggerRefresh()
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

// handleLogSocket streams the recent log tail followed by live entries.
func (s *Server) handleLogSocket(w http.ResponseWriter, r *http.Request) {
	if !s.dashboardAuthed(r) {
		writeDetail(w, http.StatusUnauthorized, "Dashboard login required.")
		return
	}
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for _, e := range s.logs.Recent(200) {
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}
	feed, cancel := s.logs.Subscribe()
	defer cancel()
	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-feed:
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}

func (s *Server) render(w http.ResponseWriter, tmpl *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		log.Error("render template", "err", err)
	}
}

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head>
<title>Login - LMArena Bridge</title>
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<style>
* { margin: 0; padding: 0; box-sizing: border-box; }
body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif;
  background: linear-gradient(135deg, #667eea 0%, #764ba2 100%);
  min-height: 100vh; display: flex; align-items: center; justify-content: center; padding: 20px; }
.login-container { background: white; padding: 40px; border-radius: 10px;
  box-shadow: 0 10px 40px rgba(0,0,0,0.2); width: 100%; max-width: 400px; }
h1 { color: #333; margin-bottom: 10px; }
.subtitle { color: #666; margin-bottom: 30px; font-size: 14px; }
label { display: block; margin-bottom: 8px; color: #555; font-weight: 500; }
input[type=password] { width: 100%; padding: 12px; border: 2px solid #e1e8ed;
  border-radius: 6px; font-size: 16px; margin-bottom: 20px; }
button { width: 100%; padding: 12px; background: linear-gradient(135deg, #667eea 0%, #764ba2 100%);
  color: white; border: none; border-radius: 6px; font-size: 16px; font-weight: 600; cursor: pointer; }
.error-message { background: #fee; color: #c33; padding: 12px; border-radius: 6px;
  margin-bottom: 20px; border-left: 4px solid #c33; }
</style>
</head>
<body>
<div class="login-container">
<h1>LMArena Bridge</h1>
<div class="subtitle">Sign in to access the dashboard</div>
{{if .Error}}<div class="error-message">Invalid password. Please try again.</div>{{end}}
<form action="/login" method="post">
<label for="password">Password</label>
<input type="password" id="password" name="password" placeholder="Enter your password" required autofocus>
<button type="submit">Sign In</button>
</form>
</div>
</body>
</html>`))

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
<title>Dashboard - LMArena Bridge</title>
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<style>
* { margin: 0; padding: 0; box-sizing: border-box; }
body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif; background: #f5f6fa; color: #333; }
.topbar { background: linear-gradient(135deg, #667eea 0%, #764ba2 100%); color: white;
  padding: 16px 32px; display: flex; justify-content: space-between; align-items: center; }
.topbar button { background: transparent; border: 1px solid rgba(255,255,255,0.6);
  color: white; padding: 6px 14px; border-radius: 6px; font-weight: 600; cursor: pointer; }
.container { max-width: 1100px; margin: 24px auto; padding: 0 16px; }
.card { background: white; border-radius: 10px; padding: 24px; margin-bottom: 24px;
  box-shadow: 0 2px 8px rgba(0,0,0,0.06); }
.card h2 { margin-bottom: 16px; font-size: 18px; }
table { width: 100%; border-collapse: collapse; }
th, td { text-align: left; padding: 10px 8px; border-bottom: 1px solid #eee; font-size: 14px; }
.badge { background: #eef; color: #447; padding: 2px 8px; border-radius: 10px; font-size: 12px; }
.status-good { color: #2a8a4a; font-weight: 600; }
.status-bad { color: #c33; font-weight: 600; }
code { background: #f4f4f4; padding: 2px 6px; border-radius: 4px; font-size: 12px; }
input, select { padding: 8px; border: 1px solid #ddd; border-radius: 6px; margin-right: 8px; }
button { padding: 8px 16px; background: #667eea; color: white; border: none; border-radius: 6px;
  cursor: pointer; font-weight: 600; }
.btn-delete { background: #e74c3c; padding: 4px 10px; font-size: 12px; }
.model-grid { display: grid; grid-template-columns: repeat(auto-fill, minmax(220px, 1fr)); gap: 12px; }
.model-card { border: 1px solid #eee; border-radius: 8px; padding: 12px; }
.model-name { font-weight: 600; font-size: 14px; }
.model-org { color: #888; font-size: 12px; margin-top: 4px; }
.no-data { color: #999; padding: 12px; }
#logbox { background: #14151a; color: #cfd3dc; font-family: monospace; font-size: 12px;
  padding: 12px; border-radius: 8px; height: 240px; overflow-y: auto; white-space: pre-wrap; }
</style>
</head>
<body>
<div class="topbar">
<div><strong>LMArena Bridge</strong></div>
<form action="/logout" method="post"><button type="submit">Logout</button></form>
</div>
<div class="container">

<div class="card">
<h2>Upstream Credentials</h2>
<p>Auth token: <span class="{{if .TokenSet}}status-good{{else}}status-bad{{end}}">
{{if .TokenSet}}Configured{{else}}Not set{{end}}</span>
&nbsp;|&nbsp; cf_clearance: <span class="{{if .ClearanceSet}}status-good{{else}}status-bad{{end}}">
{{if .ClearanceSet}}Configured{{else}}Not set{{end}}</span>
&nbsp;|&nbsp; Userscript agent: <span class="{{if .AgentActive}}status-good{{else}}status-bad{{end}}">
{{if .AgentActive}}Active{{else}}Offline{{end}}</span>
{{if .PendingJobs}}&nbsp;({{.PendingJobs}} queued){{end}}</p>
<form action="/update-auth-token" method="post" style="margin-top:12px;">
<input type="text" name="auth_token" placeholder="arena-auth-prod-v1 cookie value" style="width:60%;">
<button type="submit">Save Token</button>
</form>
<form action="/refresh-tokens" method="post" style="margin-top:12px;">
<button type="submit">Refresh Credentials &amp; Models</button>
</form>
</div>

<div class="card">
<h2>Browser Windows</h2>
<form action="/update-window-modes" method="post">
<label>Fetch window
<select name="fetch_mode">
{{range $mode := .WindowModes}}<option value="{{$mode}}" {{if eq $mode $.FetchWindowMode}}selected{{end}}>{{$mode}}</option>{{end}}
</select></label>
<label>Proxy window
<select name="proxy_mode">
{{range $mode := .WindowModes}}<option value="{{$mode}}" {{if eq $mode $.ProxyWindowMode}}selected{{end}}>{{$mode}}</option>{{end}}
</select></label>
<button type="submit">Apply</button>
</form>
</div>

<div class="card">
<h2>API Keys</h2>
<table>
<tr><th>Name</th><th>Key</th><th>Limit</th><th>Created</th><th></th></tr>
{{range .Keys}}
<tr>
<td><strong>{{.Name}}</strong></td>
<td><code>{{.Key}}</code></td>
<td><span class="badge">{{.RPM}} RPM</span></td>
<td><small>{{.Created}}</small></td>
<td><form action="/delete-key" method="post" onsubmit="return confirm('Delete this API key?');">
<input type="hidden" name="key_id" value="{{.Key}}">
<button type="submit" class="btn-delete">Delete</button></form></td>
</tr>
{{else}}
<tr><td colspan="5" class="no-data">No keys yet</td></tr>
{{end}}
</table>
<form action="/create-key" method="post" style="margin-top:16px;">
<input type="text" name="name" placeholder="Key name" required>
<input type="number" name="rpm" value="60" min="1" max="1000">
<button type="submit">Create Key</button>
</form>
</div>

<div class="card">
<h2>Models</h2>
<div class="model-grid">
{{range .Models}}
<div class="model-card"><div class="model-name">{{.PublicName}}</div>
<div class="model-org">{{.Organization}}</div></div>
{{else}}
<div class="no-data">No models found. Token may be invalid or expired.</div>
{{end}}
</div>
</div>

<div class="card">
<h2>Usage</h2>
<table>
<tr><th>Model</th><th>Requests</th></tr>
{{range .Stats}}
<tr><td>{{.Model}}</td><td><strong>{{.Count}}</strong></td></tr>
{{else}}
<tr><td colspan="2" class="no-data">No usage data yet</td></tr>
{{end}}
</table>
</div>

<div class="card">
<h2>Live Logs</h2>
<div id="logbox"></div>
<script>
(function() {
  const box = document.getElementById('logbox');
  const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
  const ws = new WebSocket(proto + '//' + location.host + '/logs/ws');
  ws.onmessage = (ev) => {
    const e = JSON.parse(ev.data);
    box.textContent += '[' + e.level + '] ' + e.message + '\n';
    box.scrollTop = box.scrollHeight;
  };
})();
</script>
</div>

</div>
</body>
</html>`))
