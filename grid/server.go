package grid

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// a sparse in-memory grid backend for development and tests.
// It answers fetch requests over the websocket with one message per stored cell,
// and broadcasts every update to all connected sockets.
type ServerSettings struct {
	StatsInterval  time.Duration
	WriteTimeout   time.Duration
	SendBufferSize int
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		StatsInterval:  1 * time.Second,
		WriteTimeout:   5 * time.Second,
		// a full prefetch window of 200 rows * 26 cols fits without waiting on the writer
		SendBufferSize: 8192,
	}
}

type ServerStats struct {
	CellCount       int    `json:"cell_count"`
	ClientCount     int    `json:"client_count"`
	UpdateCount     uint64 `json:"update_count"`
	FetchCount      uint64 `json:"fetch_count"`
	MaxCells        uint64 `json:"max_cells"`
	StatsTimeMillis int64  `json:"stats_time_millis"`
}

type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	maxCells uint64
	settings *ServerSettings

	stateLock sync.RWMutex
	cells     map[uint64]Cell
	// sorted, for range scans
	cellIds     []uint64
	updateCount uint64
	fetchCount  uint64

	hub *hub

	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

func NewServerWithDefaults(ctx context.Context, maxCells uint64) *Server {
	return NewServer(ctx, maxCells, DefaultServerSettings())
}

func NewServer(ctx context.Context, maxCells uint64, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	server := &Server{
		ctx:      cancelCtx,
		cancel:   cancel,
		maxCells: maxCells,
		settings: settings,
		cells:    map[uint64]Cell{},
		hub:      newHub(cancelCtx),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	go server.hub.run()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/spreadsheet", server.handleSpreadsheet)
	mux.HandleFunc("/api/stats", server.handleStats)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	server.mux = mux
	return server
}

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-Id")
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}
	self.mux.ServeHTTP(w, r)
}

// stores the cell and broadcasts it. The computed value is the raw value.
func (self *Server) SetCell(update UpdateCellRequest) (Cell, bool) {
	if self.maxCells <= update.Id {
		return Cell{}, false
	}
	cell := Cell{
		Id:            update.Id,
		RawValue:      update.RawValue,
		ComputedValue: update.RawValue,
		Background:    update.Background,
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if _, ok := self.cells[cell.Id]; !ok {
			i, _ := slices.BinarySearch(self.cellIds, cell.Id)
			self.cellIds = slices.Insert(self.cellIds, i, cell.Id)
		}
		self.cells[cell.Id] = cell
		self.updateCount += 1
	}()

	if message, err := json.Marshal(&cell); err == nil {
		self.hub.broadcast(message)
	}
	return cell, true
}

// the stored cells in the half-open range, in id order
func (self *Server) CellsInRange(fetchRange FetchRange) []Cell {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	i, _ := slices.BinarySearch(self.cellIds, fetchRange.Start)
	j, _ := slices.BinarySearch(self.cellIds, fetchRange.End)
	cells := make([]Cell, 0, max(j-i, 0))
	for _, id := range self.cellIds[i:max(i, j)] {
		cells = append(cells, self.cells[id])
	}
	return cells
}

func (self *Server) Stats() *ServerStats {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	return &ServerStats{
		CellCount:       len(self.cells),
		ClientCount:     self.hub.clientCount(),
		UpdateCount:     self.updateCount,
		FetchCount:      self.fetchCount,
		MaxCells:        self.maxCells,
		StatsTimeMillis: time.Now().UnixMilli(),
	}
}

func (self *Server) handleSpreadsheet(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "POST":
		var update UpdateCellRequest
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, ok := self.SetCell(update); !ok {
			http.Error(w, "Cell id outside grid", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	case "GET":
		self.serveWs(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (self *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[s]upgrade error = %s\n", err)
		return
	}

	client := &hubClient{
		clientId: NewId(),
		send:     make(chan []byte, self.settings.SendBufferSize),
		done:     make(chan struct{}),
	}
	self.hub.register(client)

	handleCtx, handleCancel := context.WithCancel(self.ctx)

	go func() {
		defer func() {
			handleCancel()
			ws.Close()
		}()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-client.done:
				return
			case message := <-client.send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					glog.Infof("[ss]%s-> error = %s\n", client.clientId, err)
					return
				}
			}
		}
	}()

	go func() {
		defer func() {
			handleCancel()
			self.hub.unregister(client)
			ws.Close()
		}()

		for {
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var request fetchRequest
			if err := json.Unmarshal(message, &request); err != nil {
				glog.Infof("[sr]%s<- bad fetch = %s\n", client.clientId, err)
				continue
			}
			func() {
				self.stateLock.Lock()
				defer self.stateLock.Unlock()
				self.fetchCount += 1
			}()
			for _, cell := range self.CellsInRange(FetchRange{Start: request.From, End: request.To}) {
				cellBytes, err := json.Marshal(&cell)
				if err != nil {
					continue
				}
				if !self.hub.sendTo(handleCtx, client, cellBytes) {
					return
				}
			}
		}
	}()
}

func (self *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)

	encoder := json.NewEncoder(w)
	ticker := time.NewTicker(self.settings.StatsInterval)
	defer ticker.Stop()
	for {
		// `Encode` terminates each value with a newline
		if err := encoder.Encode(self.Stats()); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		select {
		case <-r.Context().Done():
			return
		case <-self.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (self *Server) Close() {
	self.cancel()
}

type hubClient struct {
	clientId Id
	// never closed. `done` is closed when the client is removed from the hub.
	send chan []byte
	done chan struct{}
}

// maintains the set of active clients and broadcasts messages to them.
// A client that cannot keep up with broadcasts is dropped.
// Fetch responses wait for the client writer instead.
type hub struct {
	ctx context.Context

	clientsLock sync.Mutex
	clients     map[*hubClient]bool

	broadcastMessages chan []byte
}

func newHub(ctx context.Context) *hub {
	return &hub{
		ctx:               ctx,
		clients:           map[*hubClient]bool{},
		broadcastMessages: make(chan []byte, 1024),
	}
}

func (self *hub) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.broadcastMessages:
			self.clientsLock.Lock()
			for client := range self.clients {
				select {
				case client.send <- message:
				default:
					glog.Infof("[hub]drop slow client %s\n", client.clientId)
					self.removeWithLock(client)
				}
			}
			self.clientsLock.Unlock()
		}
	}
}

func (self *hub) register(client *hubClient) {
	self.clientsLock.Lock()
	defer self.clientsLock.Unlock()
	self.clients[client] = true
	glog.V(LogLevelDebug).Infof("[hub]register %s\n", client.clientId)
}

func (self *hub) unregister(client *hubClient) {
	self.clientsLock.Lock()
	defer self.clientsLock.Unlock()
	if self.removeWithLock(client) {
		glog.V(LogLevelDebug).Infof("[hub]unregister %s\n", client.clientId)
	}
}

func (self *hub) removeWithLock(client *hubClient) bool {
	if _, ok := self.clients[client]; !ok {
		return false
	}
	delete(self.clients, client)
	close(client.done)
	return true
}

// blocks until the client writer has room, the client is removed, or `ctx` is done
func (self *hub) sendTo(ctx context.Context, client *hubClient, message []byte) bool {
	select {
	case <-ctx.Done():
		return false
	case <-self.ctx.Done():
		return false
	case <-client.done:
		return false
	case client.send <- message:
		return true
	}
}

func (self *hub) broadcast(message []byte) {
	select {
	case <-self.ctx.Done():
	case self.broadcastMessages <- message:
	}
}

func (self *hub) clientCount() int {
	self.clientsLock.Lock()
	defer self.clientsLock.Unlock()
	return len(self.clients)
}
