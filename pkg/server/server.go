// Package server exposes the signaling endpoint over HTTP(S) and binds
// sockets to the hub.
package server

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/vigilcam/vigil/pkg/auth"
	"github.com/vigilcam/vigil/pkg/config"
	"github.com/vigilcam/vigil/pkg/hub"
	"github.com/vigilcam/vigil/pkg/logger"
	"github.com/vigilcam/vigil/pkg/network/httpx"
	"github.com/vigilcam/vigil/pkg/network/websocket"
	"github.com/vigilcam/vigil/pkg/service"
	"github.com/vigilcam/vigil/pkg/storage"
	"github.com/vigilcam/vigil/pkg/webrtc"
)

type Server struct {
	service.RunnableService

	conf     config.Config
	log      *logger.Logger
	hub      *hub.Hub
	sessions auth.Manager
	server   *httpx.Server
}

// History keys end up in the database, device ids are stripped down to a
// safe charset before use.
var deviceIdSanitizer = regexp.MustCompile(`[^0-9a-zA-Z_-]`)

func New(conf config.Config, sessions auth.Manager, store storage.CommandStore, log *logger.Logger) (*Server, error) {
	factory, err := webrtc.NewApiFactory(conf.Webrtc, log, nil)
	if err != nil {
		return nil, err
	}
	s := &Server{
		conf:     conf,
		log:      log,
		hub:      hub.New(log, factory, store, conf.Server.MaxSenders),
		sessions: sessions,
	}
	srv, err := httpx.NewServer(
		conf.Server.Address,
		func(*httpx.Server) httpx.Handler {
			mux := http.NewServeMux()
			mux.HandleFunc("/ws", s.handleWS)
			return mux
		},
		httpx.WithServerConfig(conf.Server),
		httpx.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}
	s.server = srv
	return s, nil
}

// handleWS upgrades one signaling socket. The role comes from the URL:
// anything mentioning "sender" is a camera, "viewer" a dashboard.
// Connections that are neither are dropped right after the upgrade.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.NewServer(w, r, s.log)
	if err != nil {
		s.log.Error().Err(err).Msg("Websocket upgrade failed")
		return
	}

	q := r.URL.Query()
	// An explicit session id wins over whatever the headers carry.
	var session *auth.Session
	if sid := strings.TrimSpace(q.Get("sid")); sid != "" {
		session = s.sessions.SessionByID(sid)
	}
	if session == nil {
		session = s.sessions.SessionFromHeaders(r.Header)
	}

	raw := r.URL.RequestURI()
	switch {
	case strings.Contains(raw, "sender"):
		deviceId := strings.TrimSpace(q.Get("deviceId"))
		if deviceId == "" {
			deviceId = strings.TrimSpace(q.Get("device_id"))
		}
		deviceId = deviceIdSanitizer.ReplaceAllString(deviceId, "")
		s.serveSender(sock, deviceId)
	case strings.Contains(raw, "viewer"):
		s.serveViewer(sock, session)
	default:
		sock.Close()
	}
}

func (s *Server) serveSender(sock *websocket.WS, deviceId string) {
	sender := s.hub.ConnectSender(sock, deviceId)
	if sender == nil {
		return
	}
	sock.OnMessage = func(data []byte) { s.hub.HandleSenderMessage(sender.Id(), data) }
	sock.Listen()
	s.hub.DisconnectSender(sender.Id())
}

func (s *Server) serveViewer(sock *websocket.WS, session *auth.Session) {
	viewer := s.hub.ConnectViewer(sock, session)
	sock.OnMessage = func(data []byte) { s.hub.HandleViewerMessage(viewer.Id(), data) }
	sock.Listen()
	s.hub.DisconnectViewer(viewer.Id())
}

func (s *Server) Run() {
	s.log.Info().Msgf("Starting %s server at %s", s.server.GetProtocol(), s.server.Addr)
	s.server.Run()
}

func (s *Server) Shutdown(ctx context.Context) error { return s.server.Shutdown(ctx) }

func (s *Server) String() string {
	return fmt.Sprintf("signaling::%s:%s", s.server.GetProtocol(), s.server.Addr)
}
