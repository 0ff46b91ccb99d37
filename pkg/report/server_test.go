package report

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockMachine implements MachineInterface for testing.
type mockMachine struct {
	state     string
	gcode     []string
	feedholds int
	starts    int
	flushes   int
	clears    int
}

func (m *mockMachine) GetObjectsList() []string {
	return []string{"machine_state", "position", "gcode_state", "planner"}
}

func (m *mockMachine) GetObjectStatus(name string, attrs []string) map[string]any {
	switch name {
	case "machine_state":
		return map[string]any{
			"state": m.State(),
			"stat":  1,
			"line":  0,
		}
	case "position":
		return map[string]any{
			"posx": 10.0,
			"posy": 20.0,
			"posz": 5.0,
			"vel":  600.0,
		}
	case "planner":
		return map[string]any{
			"available":   28,
			"queue_empty": true,
		}
	default:
		return nil
	}
}

func (m *mockMachine) ExecuteGCode(script string) error {
	m.gcode = append(m.gcode, script)
	return nil
}

func (m *mockMachine) Feedhold()   { m.feedholds++ }
func (m *mockMachine) CycleStart() { m.starts++ }
func (m *mockMachine) QueueFlush() { m.flushes++ }
func (m *mockMachine) ClearAlarm() { m.clears++ }

func (m *mockMachine) State() string {
	if m.state != "" {
		return m.state
	}
	return "ready"
}

func newTestServer() (*Server, *mockMachine) {
	mock := &mockMachine{}
	return New(Config{
		Addr:    ":8101",
		Machine: mock,
	}), mock
}

func TestServerInfo(t *testing.T) {
	s, _ := newTestServer()
	mux := http.NewServeMux()
	mux.HandleFunc("/server/info", s.handleServerInfo)

	req := httptest.NewRequest("GET", "/server/info", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatal("response missing 'result' field")
	}

	if result["machine_state"] != "ready" {
		t.Errorf("expected machine_state 'ready', got %v", result["machine_state"])
	}

	if result["machine_connected"] != true {
		t.Errorf("expected machine_connected true, got %v", result["machine_connected"])
	}
}

func TestMachineInfo(t *testing.T) {
	s, _ := newTestServer()
	mux := http.NewServeMux()
	mux.HandleFunc("/machine/info", s.handleMachineInfo)

	req := httptest.NewRequest("GET", "/machine/info", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatal("response missing 'result' field")
	}

	if result["state"] != "ready" {
		t.Errorf("expected state 'ready', got %v", result["state"])
	}
}

func TestObjectsQuery(t *testing.T) {
	s, _ := newTestServer()
	mux := http.NewServeMux()
	mux.HandleFunc("/machine/objects/query", s.handleObjectsQuery)

	body := bytes.NewBufferString(`{"objects":{"position":null,"machine_state":["state"]}}`)
	req := httptest.NewRequest("POST", "/machine/objects/query", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatal("response missing 'result' field")
	}

	status, ok := result["status"].(map[string]any)
	if !ok {
		t.Fatal("result missing 'status' field")
	}

	if _, ok := status["position"]; !ok {
		t.Error("status missing 'position'")
	}

	if _, ok := status["machine_state"]; !ok {
		t.Error("status missing 'machine_state'")
	}
}

func TestGCodeScript(t *testing.T) {
	s, mock := newTestServer()
	mux := http.NewServeMux()
	mux.HandleFunc("/machine/gcode/script", s.handleGCodeScript)

	body := bytes.NewBufferString(`{"script":"G0 X10"}`)
	req := httptest.NewRequest("POST", "/machine/gcode/script", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	if len(mock.gcode) != 1 || mock.gcode[0] != "G0 X10" {
		t.Errorf("expected gcode script recorded, got %v", mock.gcode)
	}
}

func TestCycleControl(t *testing.T) {
	s, mock := newTestServer()
	mux := http.NewServeMux()
	mux.HandleFunc("/machine/feedhold", s.handleFeedhold)
	mux.HandleFunc("/machine/cycle_start", s.handleCycleStart)
	mux.HandleFunc("/machine/queue_flush", s.handleQueueFlush)
	mux.HandleFunc("/machine/alarm/clear", s.handleAlarmClear)

	for _, path := range []string{
		"/machine/feedhold",
		"/machine/cycle_start",
		"/machine/queue_flush",
		"/machine/alarm/clear",
	} {
		req := httptest.NewRequest("POST", path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", path, rec.Code)
		}
	}

	if mock.feedholds != 1 || mock.starts != 1 || mock.flushes != 1 || mock.clears != 1 {
		t.Errorf("cycle handlers not invoked: %+v", mock)
	}
}

func TestJSONRPC(t *testing.T) {
	s, _ := newTestServer()
	mux := http.NewServeMux()
	mux.HandleFunc("/jsonrpc", s.handleJSONRPC)

	testCases := []struct {
		name   string
		method string
		params map[string]any
	}{
		{"server.info", "server.info", nil},
		{"machine.info", "machine.info", nil},
		{"machine.objects.list", "machine.objects.list", nil},
		{"machine.objects.query", "machine.objects.query", map[string]any{"objects": map[string]any{"position": nil}}},
		{"machine.feedhold", "machine.feedhold", nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			reqBody := map[string]any{
				"jsonrpc": "2.0",
				"method":  tc.method,
				"id":      1,
			}
			if tc.params != nil {
				reqBody["params"] = tc.params
			}

			bodyBytes, _ := json.Marshal(reqBody)
			req := httptest.NewRequest("POST", "/jsonrpc", bytes.NewReader(bodyBytes))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d", rec.Code)
			}

			var resp jsonRPCResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}

			if resp.JSONRPC != "2.0" {
				t.Errorf("expected jsonrpc '2.0', got %s", resp.JSONRPC)
			}

			if resp.Error != nil {
				t.Errorf("unexpected error: %v", resp.Error)
			}
		})
	}
}

func TestJSONRPCUnknownMethod(t *testing.T) {
	s, _ := newTestServer()
	mux := http.NewServeMux()
	mux.HandleFunc("/jsonrpc", s.handleJSONRPC)

	body := bytes.NewBufferString(`{"jsonrpc":"2.0","method":"no.such.method","id":1}`)
	req := httptest.NewRequest("POST", "/jsonrpc", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var resp jsonRPCResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
}

func TestWebSocket(t *testing.T) {
	s, _ := newTestServer()
	s.running.Store(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/websocket", s.handleWebSocket)
	server := httptest.NewServer(mux)
	defer server.Close()

	wsURL := "ws" + server.URL[4:] + "/websocket"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect WebSocket: %v", err)
	}
	defer conn.Close()

	req := map[string]any{
		"jsonrpc": "2.0",
		"method":  "server.info",
		"id":      1,
	}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("failed to send message: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}

	var resp jsonRPCResponse
	if err := json.Unmarshal(message, &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Error != nil {
		t.Errorf("unexpected error: %v", resp.Error)
	}

	if resp.Result == nil {
		t.Error("expected result, got nil")
	}
}

func TestWebSocketSubscription(t *testing.T) {
	s, _ := newTestServer()
	s.interval = 50 * time.Millisecond
	s.running.Store(true)

	go s.statusBroadcastLoop()

	mux := http.NewServeMux()
	mux.HandleFunc("/websocket", s.handleWebSocket)
	server := httptest.NewServer(mux)
	defer server.Close()

	wsURL := "ws" + server.URL[4:] + "/websocket"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect WebSocket: %v", err)
	}
	defer conn.Close()

	req := map[string]any{
		"jsonrpc": "2.0",
		"method":  "machine.objects.subscribe",
		"params": map[string]any{
			"objects": map[string]any{
				"position":      nil,
				"machine_state": []string{"state"},
			},
		},
		"id": 1,
	}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("failed to send message: %v", err)
	}

	// Initial snapshot response
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}

	var resp jsonRPCResponse
	if err := json.Unmarshal(message, &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Error != nil {
		t.Errorf("unexpected error: %v", resp.Error)
	}

	// Pushed status report
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("no status update received: %v", err)
	}

	var notification map[string]any
	if err := json.Unmarshal(message, &notification); err != nil {
		t.Fatalf("failed to decode notification: %v", err)
	}

	if notification["method"] != "notify_status_update" {
		t.Errorf("expected method 'notify_status_update', got %v", notification["method"])
	}

	s.running.Store(false)
}

func TestMachineAdapter(t *testing.T) {
	ma := NewMachineAdapter()

	ma.RegisterStatusProvider("position", func(attrs []string) map[string]any {
		return FilterStatus(map[string]any{"posx": 1.0, "posy": 2.0}, attrs)
	})

	var executed []string
	ma.SetGCodeExecutor(func(line string) error {
		executed = append(executed, line)
		return nil
	})

	objects := ma.GetObjectsList()
	if len(objects) != 1 || objects[0] != "position" {
		t.Errorf("expected [position], got %v", objects)
	}

	status := ma.GetObjectStatus("position", []string{"posx"})
	if len(status) != 1 || status["posx"] != 1.0 {
		t.Errorf("expected filtered posx, got %v", status)
	}

	if ma.GetObjectStatus("missing", nil) != nil {
		t.Error("expected nil for unknown object")
	}

	if err := ma.ExecuteGCode("G0 X1\n\n  G1 Y2 F600  \n"); err != nil {
		t.Fatalf("ExecuteGCode failed: %v", err)
	}
	if len(executed) != 2 || executed[0] != "G0 X1" || executed[1] != "G1 Y2 F600" {
		t.Errorf("unexpected executed lines: %v", executed)
	}

	if ma.State() != "ready" {
		t.Errorf("expected default state ready, got %s", ma.State())
	}
}

func TestBroadcastMessage(t *testing.T) {
	s, _ := newTestServer()
	s.running.Store(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/websocket", s.handleWebSocket)
	server := httptest.NewServer(mux)
	defer server.Close()

	wsURL := "ws" + server.URL[4:] + "/websocket"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect WebSocket: %v", err)
	}
	defer conn.Close()

	// Wait for the client to register
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.wsClientMu.RLock()
		n := len(s.wsClients)
		s.wsClientMu.RUnlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.BroadcastMessage("tool change required")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("no message received: %v", err)
	}

	var notification map[string]any
	if err := json.Unmarshal(message, &notification); err != nil {
		t.Fatalf("failed to decode notification: %v", err)
	}

	if notification["method"] != "notify_message" {
		t.Errorf("expected method 'notify_message', got %v", notification["method"])
	}
	params, ok := notification["params"].([]any)
	if !ok || len(params) != 1 || params[0] != "tool change required" {
		t.Errorf("unexpected params: %v", notification["params"])
	}
}

func TestRequestStatusUpdate(t *testing.T) {
	s, _ := newTestServer()
	s.interval = time.Hour // only the kick can trigger a broadcast
	s.running.Store(true)
	defer s.running.Store(false)

	go s.statusBroadcastLoop()

	mux := http.NewServeMux()
	mux.HandleFunc("/websocket", s.handleWebSocket)
	server := httptest.NewServer(mux)
	defer server.Close()

	wsURL := "ws" + server.URL[4:] + "/websocket"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect WebSocket: %v", err)
	}
	defer conn.Close()

	req := map[string]any{
		"jsonrpc": "2.0",
		"method":  "machine.objects.subscribe",
		"params": map[string]any{
			"objects": map[string]any{
				"machine_state": []string{"state"},
			},
		},
		"id": 1,
	}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("failed to send message: %v", err)
	}

	// Initial snapshot response
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("failed to read snapshot: %v", err)
	}

	s.RequestStatusUpdate()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("no status update received: %v", err)
	}

	var notification map[string]any
	if err := json.Unmarshal(message, &notification); err != nil {
		t.Fatalf("failed to decode notification: %v", err)
	}
	if notification["method"] != "notify_status_update" {
		t.Errorf("expected method 'notify_status_update', got %v", notification["method"])
	}
}
