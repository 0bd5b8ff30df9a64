package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"deepatlas.gg/internal/auth"
	"deepatlas.gg/internal/protocol"
	"deepatlas.gg/internal/server/service"
)

const (
	readTimeout  = 120 * time.Second
	writeTimeout = 5 * time.Second
	callTimeout  = 10 * time.Second
)

type Server struct {
	svc    *service.Service
	secret []byte
	log    *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(svc *service.Service, secret []byte, logger *log.Logger) *Server {
	return &Server{
		svc:    svc,
		secret: secret,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		id, ok := s.handshake(conn)
		if !ok {
			return
		}

		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				s.writeError(conn, 0, protocol.ErrProtoBadRequest, "malformed frame")
				continue
			}
			s.dispatch(conn, id, base, msg)
		}
	}
}

// handshake reads the HELLO frame and resolves the bearer credential.
// A missing or invalid token fails with E_NOT_AUTHENTICATED, never a
// generic fault.
func (s *Server) handshake(conn *websocket.Conn) (service.Identity, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return service.Identity{}, false
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"),
			time.Now().Add(time.Second))
		return service.Identity{}, false
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return service.Identity{}, false
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"),
			time.Now().Add(time.Second))
		return service.Identity{}, false
	}

	token := ""
	if hello.Auth != nil {
		token = strings.TrimSpace(hello.Auth.Token)
	}
	if token == "" {
		s.writeError(conn, 0, protocol.ErrNotAuthenticated, "missing credential")
		return service.Identity{}, false
	}
	claims, err := auth.ValidateToken(s.secret, token)
	if err != nil {
		s.writeError(conn, 0, protocol.ErrNotAuthenticated, "invalid credential")
		return service.Identity{}, false
	}
	id := service.Identity{
		AccountID: claims.AccountID,
		PartialID: claims.PartialID,
		Roles:     claims.Roles,
	}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		AccountID:       id.AccountID,
		PartialID:       id.PartialID,
		Roles:           id.Roles,
	}
	if err := s.writeJSON(conn, welcome); err != nil {
		return service.Identity{}, false
	}
	return id, true
}

func (s *Server) dispatch(conn *websocket.Conn, id service.Identity, base protocol.BaseMessage, msg []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	switch base.Type {
	case protocol.TypeDownload:
		var req protocol.DownloadMsg
		if !s.decode(conn, base.CallID, msg, &req) {
			return
		}
		markers, err := s.svc.DownloadFloors(ctx, id, req.TerritoryType)
		if err != nil {
			s.writeServiceError(conn, base.CallID, err)
			return
		}
		if markers == nil {
			markers = []protocol.WireMarker{}
		}
		_ = s.writeJSON(conn, protocol.DownloadOKMsg{
			Type:          protocol.TypeDownloadOK,
			CallID:        base.CallID,
			TerritoryType: req.TerritoryType,
			Markers:       markers,
		})

	case protocol.TypeUpload:
		var req protocol.UploadMsg
		if !s.decode(conn, base.CallID, msg, &req) {
			return
		}
		markers, err := s.svc.UploadFloors(ctx, id, req.TerritoryType, req.Markers)
		if err != nil {
			s.writeServiceError(conn, base.CallID, err)
			return
		}
		if markers == nil {
			markers = []protocol.WireMarker{}
		}
		_ = s.writeJSON(conn, protocol.UploadOKMsg{
			Type:          protocol.TypeUploadOK,
			CallID:        base.CallID,
			TerritoryType: req.TerritoryType,
			Markers:       markers,
		})

	case protocol.TypeMarkSeen:
		var req protocol.MarkSeenMsg
		if !s.decode(conn, base.CallID, msg, &req) {
			return
		}
		ids := make([]uuid.UUID, 0, len(req.IDs))
		for _, raw := range req.IDs {
			// Unparseable ids are dropped the same way unknown ones are.
			if parsed, err := uuid.Parse(raw); err == nil {
				ids = append(ids, parsed)
			}
		}
		if err := s.svc.MarkObjectsSeen(ctx, id, req.TerritoryType, ids); err != nil {
			s.writeServiceError(conn, base.CallID, err)
			return
		}
		_ = s.writeJSON(conn, protocol.MarkSeenOKMsg{
			Type:   protocol.TypeMarkSeenOK,
			CallID: base.CallID,
		})

	case protocol.TypeStats:
		var req protocol.StatsMsg
		if !s.decode(conn, base.CallID, msg, &req) {
			return
		}
		stats, err := s.svc.FetchStatistics(ctx, id)
		if err != nil {
			s.writeServiceError(conn, base.CallID, err)
			return
		}
		if stats == nil {
			stats = []protocol.TerritoryStats{}
		}
		_ = s.writeJSON(conn, protocol.StatsOKMsg{
			Type:        protocol.TypeStatsOK,
			CallID:      base.CallID,
			Territories: stats,
		})

	default:
		s.writeError(conn, base.CallID, protocol.ErrProtoBadRequest, "unknown frame type")
	}
}

func (s *Server) decode(conn *websocket.Conn, callID uint64, msg []byte, v any) bool {
	if err := json.Unmarshal(msg, v); err != nil {
		s.writeError(conn, callID, protocol.ErrProtoBadRequest, "malformed frame")
		return false
	}
	return true
}

func (s *Server) writeServiceError(conn *websocket.Conn, callID uint64, err error) {
	switch {
	case errors.Is(err, service.ErrUnknownTerritory):
		s.writeError(conn, callID, protocol.ErrTerritoryUnknown, err.Error())
	case errors.Is(err, service.ErrPermissionDenied):
		s.writeError(conn, callID, protocol.ErrNoPermission, err.Error())
	default:
		if s.log != nil {
			s.log.Printf("ws call failed: %v", err)
		}
		s.writeError(conn, callID, protocol.ErrInternal, "internal error")
	}
}

func (s *Server) writeError(conn *websocket.Conn, callID uint64, code, message string) {
	_ = s.writeJSON(conn, protocol.ErrorMsg{
		Type:    protocol.TypeError,
		CallID:  callID,
		Code:    code,
		Message: message,
	})
}

func (s *Server) writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
