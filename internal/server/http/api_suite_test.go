package http

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"runway/internal/domain/chat"
	"runway/internal/domain/run"
	"runway/internal/eventbus"
	"runway/internal/provider"
	"runway/internal/server/app"
	"runway/internal/server/ports"
	jsonx "runway/internal/shared/json"
	"runway/internal/store/memory"
)

// APITestSuite drives the assembled router over a real HTTP server, the
// way operator consoles and provider sidecars reach it. One server and
// one set of stores live for the whole suite; tests keep to their own
// run and chat ids.
type APITestSuite struct {
	suite.Suite

	queue     *memory.RunQueue
	callbacks *memory.CallbackStore
	chats     *memory.ChatStore
	bus       *eventbus.Bus
	orch      *app.RunOrchestrator

	server  *httptest.Server
	client  *http.Client
	baseURL string
}

func (s *APITestSuite) SetupSuite() {
	s.queue = memory.NewRunQueue()
	s.callbacks = memory.NewCallbackStore()
	s.chats = memory.NewChatStore()
	s.bus = eventbus.New(eventbus.Options{})

	registry := provider.NewRegistry(provider.NewScripted("scripted", provider.DefaultScript()))
	s.orch = app.NewRunOrchestrator(s.queue, s.bus, s.callbacks, registry,
		app.WithOrchestratorOwnerID("api-suite"),
		app.WithOrchestratorRetryDelay(0),
		app.WithOrchestratorClaimInterval(20*time.Millisecond),
	)
	ingestor := app.NewCallbackIngestor(s.callbacks, s.queue, s.bus, app.WithIngestorController(s.orch))

	health := app.NewHealthChecker()
	health.RegisterProbe(app.NewQueueProbe(s.queue))
	health.RegisterProbe(app.NewStreamProbe(s.bus))

	handler := NewRouter(Deps{
		Orchestrator: s.orch,
		Ingestor:     ingestor,
		Bus:          s.bus,
		Chats:        s.chats,
		Health:       health,
	})

	s.server = httptest.NewServer(handler)
	s.baseURL = s.server.URL
	s.client = &http.Client{Timeout: 10 * time.Second}
}

func (s *APITestSuite) TearDownSuite() {
	if s.server != nil {
		s.server.Close()
	}
}

func (s *APITestSuite) TestHealthz() {
	var body struct {
		Status     ports.HealthStatus      `json:"status"`
		Components []ports.ComponentHealth `json:"components"`
	}
	resp := s.getJSON("/healthz", &body)

	assert.Equal(s.T(), http.StatusOK, resp.StatusCode)
	assert.Equal(s.T(), ports.HealthStatusReady, body.Status)
	assert.Len(s.T(), body.Components, 2)
}

// TestRunRoundTrip submits a run, reads the live stream to its close and
// checks the terminal state and usage endpoints agree with it.
func (s *APITestSuite) TestRunRoundTrip() {
	resp, err := s.client.Post(s.baseURL+"/runs/start", "application/json",
		strings.NewReader(`{"runId":"run-api-1","provider":"scripted","messages":[{"role":"user","content":"go"}]}`))
	require.NoError(s.T(), err)
	defer resp.Body.Close()

	require.Equal(s.T(), http.StatusOK, resp.StatusCode)
	assert.Equal(s.T(), "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(s.T(), "run-api-1", resp.Header.Get("X-Run-Id"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(s.T(), err, "the stream must close itself after run.closed")

	frames := parseSSE(s.T(), string(raw))
	require.NotEmpty(s.T(), frames)
	assert.Equal(s.T(), string(eventbus.KindRunStatus), frames[0].event)
	assert.Equal(s.T(), string(eventbus.KindRunClosed), frames[len(frames)-1].event)
	for i, f := range frames {
		assert.Equal(s.T(), strconv.Itoa(i+1), f.id, "frame %d carries its seq as id", i)
	}

	item := waitForQueueStatus(s.T(), s.queue, "run-api-1", run.StatusSucceeded)
	assert.Equal(s.T(), 1, item.Attempts)

	var usage struct {
		RunID string `json:"runId"`
		Usage struct {
			TotalTokens int  `json:"total_tokens"`
			Estimated   bool `json:"estimated"`
		} `json:"usage"`
	}
	ur := s.getJSON("/runs/run-api-1/usage", &usage)
	assert.Equal(s.T(), http.StatusOK, ur.StatusCode)
	assert.Equal(s.T(), "run-api-1", usage.RunID)
	assert.True(s.T(), usage.Usage.Estimated)
	assert.Positive(s.T(), usage.Usage.TotalTokens)
}

// TestCallbackReplay re-delivers the same envelope and expects the board
// to absorb it exactly once.
func (s *APITestSuite) TestCallbackReplay() {
	s.startRunAndWait("run-api-cb")

	envelope := `{"eventId":"evt-api-1","kind":"todo.update","payload":{"items":[{"id":"t1","content":"ship the console","status":"pending"}]}}`

	var res app.IngestResult
	first := s.postJSON("/runs/run-api-cb/callbacks", envelope, &res)
	require.Equal(s.T(), http.StatusOK, first.StatusCode)
	assert.False(s.T(), res.Duplicate)
	assert.Equal(s.T(), app.ActionTodoSynced, res.Action)

	second := s.postJSON("/runs/run-api-cb/callbacks", envelope, &res)
	require.Equal(s.T(), http.StatusOK, second.StatusCode)
	assert.True(s.T(), res.Duplicate)
	assert.Equal(s.T(), app.ActionDuplicateIgnored, res.Action)

	var board struct {
		Items []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"items"`
	}
	br := s.getJSON("/runs/run-api-cb/todos", &board)
	assert.Equal(s.T(), http.StatusOK, br.StatusCode)
	require.Len(s.T(), board.Items, 1)
	assert.Equal(s.T(), "t1", board.Items[0].ID)
}

func (s *APITestSuite) TestChatHistory() {
	var created chat.Session
	resp := s.postJSON("/chats", `{"userId":"user-api","title":"deploy notes"}`, &created)
	require.Equal(s.T(), http.StatusCreated, resp.StatusCode)
	require.NotEmpty(s.T(), created.ChatID)
	assert.Equal(s.T(), "user-api", created.UserID)

	var appended struct {
		Seq int64 `json:"seq"`
	}
	ar := s.postJSON("/chats/"+created.ChatID+"/messages", `{"role":"user","content":"roll out?"}`, &appended)
	require.Equal(s.T(), http.StatusCreated, ar.StatusCode)
	assert.Equal(s.T(), int64(1), appended.Seq)
	s.postJSON("/chats/"+created.ChatID+"/messages", `{"role":"assistant","content":"staged"}`, &appended)
	assert.Equal(s.T(), int64(2), appended.Seq)

	var history struct {
		Messages []*chat.Message `json:"messages"`
	}
	s.getJSON("/chats/"+created.ChatID+"/messages?afterSeq=1", &history)
	require.Len(s.T(), history.Messages, 1)
	assert.Equal(s.T(), int64(2), history.Messages[0].Seq)
	assert.Equal(s.T(), "staged", history.Messages[0].Content)

	var listing struct {
		Chats []*chat.Session `json:"chats"`
	}
	s.getJSON("/chats?userId=user-api", &listing)
	require.Len(s.T(), listing.Chats, 1)
	assert.Equal(s.T(), created.ChatID, listing.Chats[0].ChatID)
}

// TestConcurrentRuns starts several runs over parallel connections and
// expects every one to finish without cross-talk.
func (s *APITestSuite) TestConcurrentRuns() {
	const runs = 4

	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		runID := fmt.Sprintf("run-api-conc-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := s.client.Post(s.baseURL+"/runs/start", "application/json",
				strings.NewReader(fmt.Sprintf(`{"runId":%q,"provider":"scripted"}`, runID)))
			if err != nil {
				return
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, resp.Body)
		}()
	}
	wg.Wait()

	for i := 0; i < runs; i++ {
		runID := fmt.Sprintf("run-api-conc-%d", i)
		item := waitForQueueStatus(s.T(), s.queue, runID, run.StatusSucceeded)
		assert.Equal(s.T(), 1, item.Attempts, runID)
	}
}

func (s *APITestSuite) TestErrorContract() {
	var body struct {
		Error string `json:"error"`
	}

	resp := s.getJSON("/runs/run-api-ghost", &body)
	assert.Equal(s.T(), http.StatusNotFound, resp.StatusCode)
	assert.NotEmpty(s.T(), body.Error)

	resp = s.postJSON("/runs/start", `{"provider":`, &body)
	assert.Equal(s.T(), http.StatusBadRequest, resp.StatusCode)

	resp = s.postJSON("/runs/start", `{"provider":"unregistered"}`, &body)
	assert.Equal(s.T(), http.StatusBadRequest, resp.StatusCode)
	assert.Contains(s.T(), body.Error, "unknown provider")
}

// startRunAndWait submits a scripted run, drains its live stream and
// blocks until the queue records success.
func (s *APITestSuite) startRunAndWait(runID string) {
	resp, err := s.client.Post(s.baseURL+"/runs/start", "application/json",
		strings.NewReader(fmt.Sprintf(`{"runId":%q,"provider":"scripted"}`, runID)))
	require.NoError(s.T(), err)
	defer resp.Body.Close()
	require.Equal(s.T(), http.StatusOK, resp.StatusCode)

	_, err = io.Copy(io.Discard, resp.Body)
	require.NoError(s.T(), err)
	waitForQueueStatus(s.T(), s.queue, runID, run.StatusSucceeded)
}

// postJSON posts a request body and decodes the JSON response into out
// when out is non-nil. The response body is always fully consumed.
func (s *APITestSuite) postJSON(path, body string, out any) *http.Response {
	resp, err := s.client.Post(s.baseURL+path, "application/json", strings.NewReader(body))
	require.NoError(s.T(), err)
	defer resp.Body.Close()
	s.decodeBody(resp, out)
	return resp
}

func (s *APITestSuite) getJSON(path string, out any) *http.Response {
	resp, err := s.client.Get(s.baseURL + path)
	require.NoError(s.T(), err)
	defer resp.Body.Close()
	s.decodeBody(resp, out)
	return resp
}

func (s *APITestSuite) decodeBody(resp *http.Response, out any) {
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return
	}
	require.NoError(s.T(), jsonx.NewDecoder(resp.Body).Decode(out))
}

func TestAPIIntegration(t *testing.T) {
	suite.Run(t, new(APITestSuite))
}
