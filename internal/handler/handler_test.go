package handler

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/promptforge-ai/codegen-platform/internal/apperr"
	"github.com/promptforge-ai/codegen-platform/internal/coordinator"
	"github.com/promptforge-ai/codegen-platform/internal/event"
	"github.com/promptforge-ai/codegen-platform/internal/llm"
	"github.com/promptforge-ai/codegen-platform/internal/registry"
	"github.com/promptforge-ai/codegen-platform/pkg/logger"
)

const generatedApp = "Sure.\n" +
	"```jsx path=src/App.js\n" +
	"import './index.css';\n" +
	"export default function App() { return null; }\n" +
	"```\n" +
	"```css path=src/index.css\n" +
	"body { margin: 0; }\n" +
	"```\n"

type env struct {
	agent    *AgentHandler
	session  *SessionHandler
	sessions *registry.Sessions
	projects *registry.Projects
	coord    *coordinator.Coordinator
	server   *httptest.Server
}

func newEnv(t *testing.T, provider llm.Provider) *env {
	t.Helper()
	log := logger.NewNop()
	sessions := registry.NewSessions(log)
	projects := registry.NewProjects(log, "workspaces", false)
	providers := llm.NewRegistryWith("scripted", provider)
	coord := coordinator.New(coordinator.Config{
		FirstChunkTimeout: 2 * time.Second,
		IdleTimeout:       2 * time.Second,
		StreamTimeout:     10 * time.Second,
	}, providers, sessions, projects, nil, nil, log)

	agent := NewAgentHandler(coord, projects, log, true, true)
	session := NewSessionHandler(sessions, log, true)

	r := chi.NewRouter()
	r.Post("/api/agent/create-project", agent.CreateProject)
	r.Post("/api/agent/continue-project", agent.ContinueProject)
	r.Post("/api/agent/cleanup", agent.Cleanup)
	r.Get("/api/agent/projects", agent.ListProjects)
	r.Get("/api/agent/projects/{id}/status", agent.ProjectStatus)
	r.Get("/api/agent/projects/{id}/files", agent.ProjectFiles)
	r.Post("/api/agent/projects/{id}/cancel", agent.CancelProject)
	r.Post("/api/sessions", session.Create)
	r.Get("/api/sessions", session.List)
	r.Get("/api/sessions/{id}", session.Get)
	r.Delete("/api/sessions/{id}", session.Delete)
	r.Post("/api/sessions/{id}/mode", session.SwitchMode)
	r.Post("/api/sessions/{id}/messages", session.AppendMessage)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &env{agent: agent, session: session, sessions: sessions, projects: projects, coord: coord, server: srv}
}

func (e *env) post(t *testing.T, path string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.server.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *env) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func (e *env) waitProjectStatus(t *testing.T, id string, want registry.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		proj, err := e.projects.Get(id)
		if err == nil && proj.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	proj, _ := e.projects.Get(id)
	t.Fatalf("project never reached %s, still %s", want, proj.Status)
}

func TestCreateProjectReturnsHandle(t *testing.T) {
	e := newEnv(t, &llm.ScriptedProvider{Script: llm.ScriptText(generatedApp)})

	resp := e.post(t, "/api/agent/create-project",
		`{"description":"build a landing page with a hero section","userId":"u1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	handle := decode[startResponse](t, resp)
	if handle.ProjectID == "" || handle.StreamID == "" || handle.SessionID == "" {
		t.Fatalf("handle incomplete: %+v", handle)
	}

	e.waitProjectStatus(t, handle.ProjectID, registry.StatusCompleted)
}

func TestCreateProjectValidationBoundaries(t *testing.T) {
	e := newEnv(t, &llm.ScriptedProvider{Script: llm.ScriptText("hi\n")})

	cases := []struct {
		name string
		body string
		want int
	}{
		{"too short", `{"description":"short"}`, http.StatusBadRequest},
		{"exactly minimum", `{"description":"exactly10!"}`, http.StatusOK},
		{"bad provider", `{"description":"build a landing page","provider":"nonesuch"}`, http.StatusBadRequest},
		{"malformed body", `{"description":`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := e.post(t, "/api/agent/create-project", tc.body)
			defer resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
			if tc.want == http.StatusBadRequest {
				var body apperr.Body
				json.NewDecoder(resp.Body).Decode(&body)
				if body.Error != string(apperr.KindValidation) {
					t.Fatalf("error = %q, want validation", body.Error)
				}
			}
		})
	}
}

// waitActiveStream polls until some project has a running stream and
// returns it. Blocking creates only answer at completion, so tests that
// need the stream mid-flight find it through the registry.
func (e *env) waitActiveStream(t *testing.T) registry.Project {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if all := e.projects.List(""); len(all) > 0 && all[0].ActiveStream != "" {
			return all[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("stream never started")
	return registry.Project{}
}

func TestDuplicateCreateReturnsExistingStream(t *testing.T) {
	e := newEnv(t, &llm.ScriptedProvider{
		Script: llm.ScriptText("a\n", "b\n", "c\n", "d\n"),
		Delay:  40 * time.Millisecond,
	})

	sess := e.sessions.Create("u1", registry.ModeAct, registry.QualityStandard)
	body := `{"description":"build a landing page","sessionId":"` + sess.ID + `"}`

	firstCh := make(chan startResponse, 1)
	go func() {
		resp, err := http.Post(e.server.URL+"/api/agent/create-project", "application/json",
			strings.NewReader(body))
		if err != nil {
			return
		}
		defer resp.Body.Close()
		var h startResponse
		if json.NewDecoder(resp.Body).Decode(&h) == nil {
			firstCh <- h
		}
	}()
	running := e.waitActiveStream(t)

	// The retry has to target the same project to dedupe.
	cont := `{"projectId":"` + running.ID + `","instruction":"build a landing page","sessionId":"` + sess.ID + `"}`
	resp := e.post(t, "/api/agent/continue-project", cont)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 for existing stream", resp.StatusCode)
	}
	second := decode[completedResponse](t, resp)
	if !second.Existing || second.StreamID != running.ActiveStream {
		t.Fatalf("second = %+v, want existing stream %s", second, running.ActiveStream)
	}

	select {
	case first := <-firstCh:
		if first.StreamID != second.StreamID {
			t.Fatalf("streams diverged: %s vs %s", first.StreamID, second.StreamID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first request never completed")
	}
}

func TestProjectStatusAndFiles(t *testing.T) {
	e := newEnv(t, &llm.ScriptedProvider{Script: llm.ScriptText(generatedApp)})

	handle := decode[startResponse](t, e.post(t, "/api/agent/create-project",
		`{"description":"build a landing page"}`))
	e.waitProjectStatus(t, handle.ProjectID, registry.StatusCompleted)

	status := decode[projectStatusResponse](t, e.get(t, "/api/agent/projects/"+handle.ProjectID+"/status"))
	if status.Status != string(registry.StatusCompleted) || status.Progress != 1 {
		t.Fatalf("status = %+v", status)
	}

	files := decode[map[string]json.RawMessage](t, e.get(t, "/api/agent/projects/"+handle.ProjectID+"/files"))
	var list []struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(files["files"], &list); err != nil {
		t.Fatalf("files: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("files = %d, want 2", len(list))
	}

	single := e.get(t, "/api/agent/projects/"+handle.ProjectID+"/files?filePath=src/App.js")
	artifact := decode[struct {
		Path     string `json:"path"`
		Content  string `json:"content"`
		Revision int    `json:"revision"`
	}](t, single)
	if artifact.Revision != 1 || !strings.Contains(artifact.Content, "function App") {
		t.Fatalf("artifact = %+v", artifact)
	}

	missing := e.get(t, "/api/agent/projects/"+handle.ProjectID+"/files?filePath=nope.js")
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing file status = %d", missing.StatusCode)
	}
}

func TestCancelProjectEndpoint(t *testing.T) {
	e := newEnv(t, &llm.ScriptedProvider{
		Script: llm.ScriptText("a\n", "b\n", "c\n", "d\n", "e\n", "f\n"),
		Delay:  40 * time.Millisecond,
	})

	done := make(chan completedResponse, 1)
	go func() {
		resp, err := http.Post(e.server.URL+"/api/agent/create-project", "application/json",
			strings.NewReader(`{"description":"build a landing page"}`))
		if err != nil {
			return
		}
		defer resp.Body.Close()
		var out completedResponse
		if json.NewDecoder(resp.Body).Decode(&out) == nil {
			done <- out
		}
	}()
	running := e.waitActiveStream(t)

	resp := e.post(t, "/api/agent/projects/"+running.ID+"/cancel", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	e.waitProjectStatus(t, running.ID, registry.StatusCancelled)

	select {
	case out := <-done:
		if out.Status != string(registry.StatusCancelled) {
			t.Fatalf("blocked create resolved with %q, want cancelled", out.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("create request never resolved after cancel")
	}
}

func TestCleanupRemovesOldProjects(t *testing.T) {
	e := newEnv(t, &llm.ScriptedProvider{Script: llm.ScriptText("hi\n")})

	handle := decode[startResponse](t, e.post(t, "/api/agent/create-project",
		`{"description":"build a landing page"}`))
	e.waitProjectStatus(t, handle.ProjectID, registry.StatusCompleted)

	// Nothing is old enough yet.
	resp := decode[map[string]int](t, e.post(t, "/api/agent/cleanup", `{"olderThanHours":1}`))
	if resp["removed"] != 0 {
		t.Fatalf("removed = %d, want 0", resp["removed"])
	}
}

func TestSSEStreamDeliversEvents(t *testing.T) {
	e := newEnv(t, &llm.ScriptedProvider{Script: llm.ScriptText(generatedApp)})

	resp := e.post(t, "/api/agent/create-project",
		`{"description":"build a landing page","streaming":true}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var names []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			names = append(names, strings.TrimPrefix(line, "event: "))
		}
	}
	if len(names) == 0 {
		t.Fatal("no SSE events received")
	}
	if names[len(names)-1] != "stream_complete" {
		t.Fatalf("last event = %q, want stream_complete", names[len(names)-1])
	}
	var sawFileChange bool
	for _, n := range names {
		if n == "file_change" {
			sawFileChange = true
		}
	}
	if !sawFileChange {
		t.Fatalf("events = %v, want a file_change", names)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t, &llm.ScriptedProvider{Script: llm.ScriptText("hi\n")})

	created := decode[registry.Session](t, e.post(t, "/api/sessions",
		`{"userId":"u1","mode":"PLAN","quality":"advanced"}`))
	if created.Mode != registry.ModePlan || created.Quality != registry.QualityAdvanced {
		t.Fatalf("created = %+v", created)
	}

	sw := decode[switchModeResponse](t, e.post(t, "/api/sessions/"+created.ID+"/mode", `{"mode":"ACT"}`))
	if sw.PreviousMode != "PLAN" || sw.CurrentMode != "ACT" {
		t.Fatalf("switch = %+v", sw)
	}

	resp := e.post(t, "/api/sessions/"+created.ID+"/messages", `{"role":"user","content":"hello there"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("append status = %d", resp.StatusCode)
	}

	got := decode[registry.Session](t, e.get(t, "/api/sessions/"+created.ID))
	if len(got.History) != 2 {
		t.Fatalf("history = %d turns, want mode switch plus message", len(got.History))
	}

	del, _ := http.NewRequest(http.MethodDelete, e.server.URL+"/api/sessions/"+created.ID, nil)
	dresp, err := http.DefaultClient.Do(del)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	dresp.Body.Close()
	if dresp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", dresp.StatusCode)
	}

	nf := e.get(t, "/api/sessions/"+created.ID)
	nf.Body.Close()
	if nf.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete = %d", nf.StatusCode)
	}
}

func TestBlockingCreateReturnsFullResult(t *testing.T) {
	e := newEnv(t, &llm.ScriptedProvider{Script: llm.ScriptText(generatedApp)})

	resp := e.post(t, "/api/agent/create-project",
		`{"description":"build a landing page with a hero section"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	result := decode[completedResponse](t, resp)
	if result.ProjectID == "" || result.StreamID == "" {
		t.Fatalf("result incomplete: %+v", result)
	}
	if result.Status != string(registry.StatusCompleted) || result.Progress != 1 {
		t.Fatalf("result = %+v, want completed with progress 1", result)
	}
	if len(result.Files) != 2 {
		t.Fatalf("files = %v, want both artifacts", result.Files)
	}
}

func TestStreamingDisabledAnswersBlocking(t *testing.T) {
	e := newEnv(t, &llm.ScriptedProvider{Script: llm.ScriptText(generatedApp)})
	e.agent.streamingOn = false

	resp := e.post(t, "/api/agent/create-project",
		`{"description":"build a landing page","streaming":true}`)
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content type = %q, want the JSON fallback", ct)
	}
	result := decode[completedResponse](t, resp)
	if result.Status != string(registry.StatusCompleted) {
		t.Fatalf("status = %q, want completed", result.Status)
	}
}

func TestChannelSinkDeliverUnblocksOnClose(t *testing.T) {
	sink := newChannelSink()
	for i := 0; i < cap(sink.ch); i++ {
		sink.ch <- event.New(event.TypeContentChunk)
	}

	released := make(chan struct{})
	go func() {
		sink.Deliver(event.New(event.TypeContentChunk))
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("deliver returned while the buffer was full")
	case <-time.After(50 * time.Millisecond):
	}

	sink.close()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("deliver stayed blocked after close")
	}
}

func TestSwitchModeRequiresMode(t *testing.T) {
	e := newEnv(t, &llm.ScriptedProvider{Script: llm.ScriptText("hi\n")})
	sess := e.sessions.Create("u", registry.ModePlan, registry.QualityStandard)

	resp := e.post(t, "/api/sessions/"+sess.ID+"/mode", `{}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var body apperr.Body
	json.NewDecoder(resp.Body).Decode(&body)
	if len(body.Fields) != 1 || body.Fields[0] != "mode" {
		t.Fatalf("fields = %v, want [mode]", body.Fields)
	}
}
