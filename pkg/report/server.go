// Package report provides the status report server. Operator
// frontends connect over HTTP or WebSocket, subscribe to machine
// objects and receive periodic status and queue reports.
package report

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tinyg-go-migration/pkg/log"
	"tinyg-go-migration/pkg/metrics"
)

// MachineInterface is the view of the machine the report server
// queries and drives.
type MachineInterface interface {
	// GetObjectsList returns the names of reportable machine objects.
	GetObjectsList() []string

	// GetObjectStatus returns the status of a machine object.
	// If attrs is nil, return all attributes.
	GetObjectStatus(name string, attrs []string) map[string]any

	// ExecuteGCode executes a gcode script, line by line.
	ExecuteGCode(script string) error

	// Feedhold requests a controlled deceleration to hold.
	Feedhold()

	// CycleStart begins or resumes motion.
	CycleStart()

	// QueueFlush discards held planner moves.
	QueueFlush()

	// ClearAlarm returns an alarmed machine to ready.
	ClearAlarm()

	// State returns the machine lifecycle state.
	// One of: "init", "ready", "alarm", "stop", "end", "cycle"
	State() string
}

// Config holds report server configuration.
type Config struct {
	// HTTP address to listen on (e.g., ":8101")
	Addr string

	// Machine to report on
	Machine MachineInterface

	// Interval between pushed status reports (default: 250ms)
	StatusInterval time.Duration
}

// Server pushes status reports to subscribed clients and accepts
// gcode and cycle control requests.
type Server struct {
	machine MachineInterface

	httpServer *http.Server
	addr       string
	interval   time.Duration

	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*WSClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	// clientID -> object -> attributes
	subscriptions map[int64]map[string][]string
	subMu         sync.RWMutex

	running   atomic.Bool
	startTime time.Time
	kick      chan struct{}

	logger *log.Logger
}

// New creates a report server.
func New(cfg Config) *Server {
	interval := cfg.StatusInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	s := &Server{
		machine:       cfg.Machine,
		addr:          cfg.Addr,
		interval:      interval,
		wsClients:     make(map[int64]*WSClient),
		subscriptions: make(map[int64]map[string][]string),
		startTime:     time.Now(),
		kick:          make(chan struct{}, 1),
		logger:        log.GetLogger("report"),
	}

	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // local operator frontends only
		},
	}

	return s
}

// Start starts the report server and blocks serving requests.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/jsonrpc", s.handleJSONRPC)
	mux.HandleFunc("/websocket", s.handleWebSocket)

	mux.HandleFunc("/server/info", s.handleServerInfo)
	mux.HandleFunc("/machine/info", s.handleMachineInfo)
	mux.HandleFunc("/machine/objects/list", s.handleObjectsList)
	mux.HandleFunc("/machine/objects/query", s.handleObjectsQuery)
	mux.HandleFunc("/machine/gcode/script", s.handleGCodeScript)
	mux.HandleFunc("/machine/feedhold", s.handleFeedhold)
	mux.HandleFunc("/machine/cycle_start", s.handleCycleStart)
	mux.HandleFunc("/machine/queue_flush", s.handleQueueFlush)
	mux.HandleFunc("/machine/alarm/clear", s.handleAlarmClear)

	// Prometheus text endpoint off the shared machine registry
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprint(w, metrics.GlobalMetrics().Gather())
	})

	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	s.running.Store(true)
	s.logger.Info("report server starting on %s", s.addr)

	go s.statusBroadcastLoop()

	return s.httpServer.ListenAndServe()
}

// Stop stops the report server.
func (s *Server) Stop() error {
	s.running.Store(false)

	s.wsClientMu.Lock()
	for _, client := range s.wsClients {
		client.Close()
	}
	s.wsClients = make(map[int64]*WSClient)
	s.wsClientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// JSON-RPC 2.0 structures

type jsonRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      any            `json:"id,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
	ID      any           `json:"id,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// handleJSONRPC handles JSON-RPC 2.0 requests over plain HTTP.
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONRPCError(w, nil, -32700, "Parse error")
		return
	}

	result, err := s.dispatchMethod(req.Method, req.Params, nil)
	if err != nil {
		s.writeJSONRPCError(w, req.ID, -32000, err.Error())
		return
	}

	s.writeJSONRPCResult(w, req.ID, result)
}

// dispatchMethod routes a method call to the appropriate handler.
func (s *Server) dispatchMethod(method string, params map[string]any, client *WSClient) (any, error) {
	switch method {
	case "server.info":
		return s.methodServerInfo()
	case "machine.info":
		return s.methodMachineInfo()
	case "machine.objects.list":
		return s.methodObjectsList()
	case "machine.objects.query":
		return s.methodObjectsQuery(params)
	case "machine.objects.subscribe":
		return s.methodObjectsSubscribe(params, client)
	case "machine.gcode.script":
		return s.methodGCodeScript(params)
	case "machine.feedhold":
		return s.methodFeedhold()
	case "machine.cycle_start":
		return s.methodCycleStart()
	case "machine.queue_flush":
		return s.methodQueueFlush()
	case "machine.alarm.clear":
		return s.methodAlarmClear()
	case "server.connection.identify":
		return s.methodIdentify(params)
	default:
		return nil, fmt.Errorf("method not found: %s", method)
	}
}

// Method implementations

func (s *Server) methodServerInfo() (any, error) {
	hostname, _ := os.Hostname()
	state := "ready"
	if s.machine != nil {
		state = s.machine.State()
	}

	s.wsClientMu.RLock()
	clients := len(s.wsClients)
	s.wsClientMu.RUnlock()

	return map[string]any{
		"machine_connected": state != "init",
		"machine_state":     state,
		"websocket_count":   clients,
		"api_version":       []int{1, 0, 0},
		"hostname":          hostname,
	}, nil
}

func (s *Server) methodMachineInfo() (any, error) {
	hostname, _ := os.Hostname()
	state := "ready"
	stateMessage := "Machine is ready"
	if s.machine != nil {
		state = s.machine.State()
		if state != "ready" && state != "cycle" {
			stateMessage = "Machine is not ready"
		}
	}

	return map[string]any{
		"state":            state,
		"state_message":    stateMessage,
		"hostname":         hostname,
		"software_version": "tinyg-go-0.1.0",
	}, nil
}

func (s *Server) methodObjectsList() (any, error) {
	var objects []string
	if s.machine != nil {
		objects = s.machine.GetObjectsList()
	}
	return map[string]any{"objects": objects}, nil
}

func (s *Server) methodObjectsQuery(params map[string]any) (any, error) {
	objectsParam, ok := params["objects"]
	if !ok {
		return nil, fmt.Errorf("missing 'objects' parameter")
	}

	objects, ok := objectsParam.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("'objects' must be an object")
	}

	result := make(map[string]any)
	eventtime := time.Since(s.startTime).Seconds()

	for objName, attrsVal := range objects {
		// null means all attributes, an array names specific ones
		attrs := parseAttrList(attrsVal)

		var status map[string]any
		if s.machine != nil {
			status = s.machine.GetObjectStatus(objName, attrs)
		}
		if status != nil {
			result[objName] = status
		}
	}

	return map[string]any{
		"eventtime": eventtime,
		"status":    result,
	}, nil
}

func parseAttrList(attrsVal any) []string {
	attrList, ok := attrsVal.([]any)
	if !ok {
		return nil
	}
	var attrs []string
	for _, attr := range attrList {
		if attrStr, ok := attr.(string); ok {
			attrs = append(attrs, attrStr)
		}
	}
	return attrs
}

func (s *Server) methodObjectsSubscribe(params map[string]any, client *WSClient) (any, error) {
	if client == nil {
		return nil, fmt.Errorf("subscription requires WebSocket connection")
	}

	objectsParam, ok := params["objects"]
	if !ok {
		return nil, fmt.Errorf("missing 'objects' parameter")
	}

	objects, ok := objectsParam.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("'objects' must be an object")
	}

	s.subMu.Lock()
	s.subscriptions[client.id] = make(map[string][]string)
	for objName, attrsVal := range objects {
		s.subscriptions[client.id][objName] = parseAttrList(attrsVal)
	}
	s.subMu.Unlock()

	// Return the initial status snapshot
	return s.methodObjectsQuery(params)
}

func (s *Server) methodGCodeScript(params map[string]any) (any, error) {
	script, ok := params["script"].(string)
	if !ok {
		return nil, fmt.Errorf("missing 'script' parameter")
	}

	if s.machine != nil {
		if err := s.machine.ExecuteGCode(script); err != nil {
			return nil, err
		}
	}

	return map[string]any{}, nil
}

func (s *Server) methodFeedhold() (any, error) {
	s.logger.Info("feedhold requested")
	if s.machine != nil {
		s.machine.Feedhold()
	}
	return map[string]any{}, nil
}

func (s *Server) methodCycleStart() (any, error) {
	if s.machine != nil {
		s.machine.CycleStart()
	}
	return map[string]any{}, nil
}

func (s *Server) methodQueueFlush() (any, error) {
	s.logger.Info("queue flush requested")
	if s.machine != nil {
		s.machine.QueueFlush()
	}
	return map[string]any{}, nil
}

func (s *Server) methodAlarmClear() (any, error) {
	if s.machine != nil {
		s.machine.ClearAlarm()
	}
	return map[string]any{}, nil
}

func (s *Server) methodIdentify(params map[string]any) (any, error) {
	clientName := "unknown"
	if name, ok := params["client_name"].(string); ok {
		clientName = name
	}
	s.logger.Debug("client identified as %s", clientName)
	return map[string]any{
		"connection_id": atomic.LoadInt64(&s.nextWSID),
	}, nil
}

// REST endpoint handlers

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	result, err := s.methodServerInfo()
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"result": result})
}

func (s *Server) handleMachineInfo(w http.ResponseWriter, r *http.Request) {
	result, err := s.methodMachineInfo()
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"result": result})
}

func (s *Server) handleObjectsList(w http.ResponseWriter, r *http.Request) {
	result, err := s.methodObjectsList()
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"result": result})
}

func (s *Server) handleObjectsQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var params map[string]any
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeJSONError(w, err)
		return
	}

	result, err := s.methodObjectsQuery(params)
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"result": result})
}

func (s *Server) handleGCodeScript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var params map[string]any
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeJSONError(w, err)
		return
	}

	result, err := s.methodGCodeScript(params)
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"result": result})
}

func (s *Server) handleFeedhold(w http.ResponseWriter, r *http.Request) {
	result, _ := s.methodFeedhold()
	s.writeJSON(w, map[string]any{"result": result})
}

func (s *Server) handleCycleStart(w http.ResponseWriter, r *http.Request) {
	result, _ := s.methodCycleStart()
	s.writeJSON(w, map[string]any{"result": result})
}

func (s *Server) handleQueueFlush(w http.ResponseWriter, r *http.Request) {
	result, _ := s.methodQueueFlush()
	s.writeJSON(w, map[string]any{"result": result})
}

func (s *Server) handleAlarmClear(w http.ResponseWriter, r *http.Request) {
	result, _ := s.methodAlarmClear()
	s.writeJSON(w, map[string]any{"result": result})
}

// JSON response helpers

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeJSONError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    -32000,
			"message": err.Error(),
		},
	})
}

func (s *Server) writeJSONRPCResult(w http.ResponseWriter, id any, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jsonRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	})
}

func (s *Server) writeJSONRPCError(w http.ResponseWriter, id any, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jsonRPCResponse{
		JSONRPC: "2.0",
		Error:   &jsonRPCError{Code: code, Message: message},
		ID:      id,
	})
}

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan any
	done   chan struct{}
	mu     sync.Mutex
}

func (s *Server) newWSClient(conn *websocket.Conn) *WSClient {
	id := atomic.AddInt64(&s.nextWSID, 1)
	return &WSClient{
		id:     id,
		conn:   conn,
		server: s,
		sendCh: make(chan any, 64),
		done:   make(chan struct{}),
	}
}

// Send queues a message to the client, dropping it if the client is
// not keeping up.
func (c *WSClient) Send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.server.logger.Debug("dropping message to client %d (channel full)", c.id)
	}
}

// Close closes the client connection.
func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return // already closed
	default:
		close(c.done)
	}

	c.conn.Close()
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Error("websocket read error: %v", err)
			}
			break
		}

		c.handleMessage(message)
	}
}

// writePump sends messages to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg, ok := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.Error("websocket write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// handleMessage processes an incoming WebSocket message.
func (c *WSClient) handleMessage(data []byte) {
	var req jsonRPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError(nil, -32700, "Parse error")
		return
	}

	result, err := c.server.dispatchMethod(req.Method, req.Params, c)
	if err != nil {
		c.sendError(req.ID, -32000, err.Error())
		return
	}

	c.Send(jsonRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	})
}

func (c *WSClient) sendError(id any, code int, message string) {
	c.Send(jsonRPCResponse{
		JSONRPC: "2.0",
		Error:   &jsonRPCError{Code: code, Message: message},
		ID:      id,
	})
}

// handleWebSocket handles WebSocket upgrade and connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade error: %v", err)
		return
	}

	client := s.newWSClient(conn)

	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()

	s.logger.Debug("websocket client %d connected", client.id)

	go client.writePump()

	client.readPump() // blocks until the connection closes
}

// removeClient removes a client and cleans up its subscriptions.
func (s *Server) removeClient(client *WSClient) {
	s.wsClientMu.Lock()
	delete(s.wsClients, client.id)
	s.wsClientMu.Unlock()

	s.subMu.Lock()
	delete(s.subscriptions, client.id)
	s.subMu.Unlock()

	s.logger.Debug("websocket client %d disconnected", client.id)
}

// statusBroadcastLoop periodically pushes status reports to
// subscribed clients.
func (s *Server) statusBroadcastLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for s.running.Load() {
		select {
		case <-ticker.C:
		case <-s.kick:
		}
		s.broadcastStatusUpdates()
	}
}

// RequestStatusUpdate pushes a status report ahead of the next
// interval tick. Used after state changes like feedhold and alarm.
func (s *Server) RequestStatusUpdate() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// BroadcastMessage pushes operator message text to every connected
// client.
func (s *Server) BroadcastMessage(text string) {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()

	for _, client := range s.wsClients {
		client.Send(map[string]any{
			"jsonrpc": "2.0",
			"method":  "notify_message",
			"params":  []any{text},
		})
	}
}

// broadcastStatusUpdates sends one status report to every subscribed
// client, restricted to the objects and attributes it asked for.
func (s *Server) broadcastStatusUpdates() {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	eventtime := time.Since(s.startTime).Seconds()

	for clientID, objects := range s.subscriptions {
		s.wsClientMu.RLock()
		client, ok := s.wsClients[clientID]
		s.wsClientMu.RUnlock()

		if !ok {
			continue
		}

		status := make(map[string]any)
		for objName, attrs := range objects {
			var objStatus map[string]any
			if s.machine != nil {
				objStatus = s.machine.GetObjectStatus(objName, attrs)
			}
			if objStatus != nil {
				status[objName] = objStatus
			}
		}

		if len(status) == 0 {
			continue
		}

		client.Send(map[string]any{
			"jsonrpc": "2.0",
			"method":  "notify_status_update",
			"params":  []any{status, eventtime},
		})
	}
}
