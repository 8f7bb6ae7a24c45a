package websocket

import (
	"net/http"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
	"github.com/vigilcam/vigil/pkg/logger"
)

const (
	maxMessageSize = 64 * 1024
	pingTime       = pongTime * 9 / 10
	pongTime       = 60 * time.Second
	writeWait      = 10 * time.Second
)

// WS wraps a single signaling socket with serialized read/write pumps.
type WS struct {
	id   string
	conn *websocket.Conn
	log  *logger.Logger

	send   chan []byte
	closed bool
	mu     sync.Mutex

	// OnMessage is called for every inbound text message.
	OnMessage func(message []byte)

	// Done closes when both pumps have stopped and the socket is dead.
	Done chan struct{}

	once sync.Once
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	WriteBufferPool: &sync.Pool{},
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewServer upgrades an HTTP request to a websocket peer.
func NewServer(w http.ResponseWriter, r *http.Request, log *logger.Logger) (*WS, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	id := uuid.Must(uuid.NewV4()).String()
	ws := &WS{
		id:   id,
		conn: conn,
		log:  log.Extend(log.With().Str("ws", id[:8])),
		send: make(chan []byte, 32),
		Done: make(chan struct{}),
	}
	return ws, nil
}

func (ws *WS) Id() string { return ws.id }

// Listen starts the read/write pumps. OnMessage must be set before.
func (ws *WS) Listen() {
	go ws.writer()
	ws.reader()
}

// reader pumps messages from the websocket connection to the OnMessage
// callback. Blocking, serializes all websocket reads.
func (ws *WS) reader() {
	defer func() {
		ws.shutdown()
		ws.log.Debug().Msg("ws reader closed")
	}()
	ws.conn.SetReadLimit(maxMessageSize)
	_ = ws.conn.SetReadDeadline(time.Now().Add(pongTime))
	ws.conn.SetPongHandler(func(string) error {
		_ = ws.conn.SetReadDeadline(time.Now().Add(pongTime))
		return nil
	})
	for {
		_, message, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.log.Debug().Err(err).Msg("ws read")
			}
			return
		}
		if ws.OnMessage != nil {
			ws.OnMessage(message)
		}
	}
}

// writer pumps messages from the send channel to the websocket
// connection. Blocking, serializes all websocket writes.
func (ws *WS) writer() {
	ticker := time.NewTicker(pingTime)
	defer func() {
		ticker.Stop()
		ws.shutdown()
		ws.log.Debug().Msg("ws writer closed")
	}()
	for {
		select {
		case message, ok := <-ws.send:
			if !ok {
				_ = ws.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.write(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := ws.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (ws *WS) write(t int, mess []byte) error {
	if err := ws.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return ws.conn.WriteMessage(t, mess)
}

// Write queues a message for delivery. Messages to a dead socket are
// dropped silently.
func (ws *WS) Write(data []byte) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return
	}
	select {
	case ws.send <- data:
	default:
		ws.log.Warn().Msg("ws send buffer overflow, message dropped")
	}
}

// Close terminates the socket and both pumps.
func (ws *WS) Close() { ws.shutdown() }

func (ws *WS) shutdown() {
	ws.once.Do(func() {
		ws.mu.Lock()
		ws.closed = true
		close(ws.send)
		ws.mu.Unlock()
		_ = ws.conn.Close()
		close(ws.Done)
	})
}
