package eventbus

import (
	"net"
	"net/http"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/velora/callkit/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Loopback listener, local UIs connect from arbitrary origins
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsClient struct {
	id   string
	send chan []byte
}

// wsServer broadcasts published events to connected WebSocket clients.
// Clients are read-discard; the stream is one way.
type wsServer struct {
	addr   string
	path   string
	logger *logger.Logger

	mu       sync.Mutex
	clients  map[string]*wsClient
	listener net.Listener
	srv      *http.Server
}

func newWSServer(addr, path string, log *logger.Logger) *wsServer {
	return &wsServer{
		addr:    addr,
		path:    path,
		logger:  log,
		clients: make(map[string]*wsClient),
	}
}

func (s *wsServer) start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWS)

	s.mu.Lock()
	s.listener = ln
	s.addr = ln.Addr().String()
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	s.mu.Unlock()

	go func() {
		if serveErr := s.srv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			s.logger.Error("event listener failed", slog.String("error", serveErr.Error()))
		}
	}()
	return nil
}

func (s *wsServer) stop() {
	s.mu.Lock()
	srv := s.srv
	for id, client := range s.clients {
		close(client.send)
		delete(s.clients, id)
	}
	s.mu.Unlock()

	if srv != nil {
		srv.Close()
	}
}

func (s *wsServer) broadcast(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, client := range s.clients {
		select {
		case client.send <- data:
		default:
			s.logger.Debug("client send buffer full, dropping",
				slog.String("client_id", id))
		}
	}
}

func (s *wsServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", slog.String("error", err.Error()))
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		send: make(chan []byte, 256),
	}

	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()
	s.logger.Debug("client connected", slog.String("client_id", client.id))

	go s.writePump(conn, client)
	s.readPump(conn, client)
}

func (s *wsServer) readPump(conn *websocket.Conn, client *wsClient) {
	defer func() {
		s.mu.Lock()
		if _, ok := s.clients[client.id]; ok {
			delete(s.clients, client.id)
			close(client.send)
		}
		s.mu.Unlock()
		conn.Close()
		s.logger.Debug("client disconnected", slog.String("client_id", client.id))
	}()

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Incoming frames only refresh the read deadline
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug("read failed", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (s *wsServer) writePump(conn *websocket.Conn, client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data, ok := <-client.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
