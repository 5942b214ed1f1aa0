package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/pactum/internal/contracts"
	"github.com/MarcoPoloResearchLab/pactum/internal/metrics"
	"github.com/MarcoPoloResearchLab/pactum/internal/rooms"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	opRoomTicket          = "server.room_ticket"
	opRoomSocket          = "server.room_socket"
	relayWriteWait        = 10 * time.Second
	relayPongWait         = 60 * time.Second
	relayPingPeriod       = (relayPongWait * 9) / 10
	relayMaxMessageBytes  = 4 << 20
	dropReasonReadOnly    = "read_only"
	closeReasonRoomClosed = "room closed"
)

var errRelayFinished = errors.New("relay finished")

func (h *httpHandler) handleRoomTicket(c *gin.Context) {
	caller, contractID, ok := requestScope(c)
	if !ok {
		return
	}
	role, err := h.contracts.AccessRole(c.Request.Context(), contractID, contracts.UserID(caller.UserID))
	if err != nil {
		h.respondServiceError(c, opRoomTicket, err)
		return
	}
	if !role.CanRead() {
		abortWithError(c, http.StatusForbidden, errorCodeAccessDenied, nil)
		return
	}
	room := rooms.RoomName(contractID.String())
	ticket, expiresAt, err := h.tickets.Issue(room, caller.UserID, caller.Label())
	if err != nil {
		h.logger.Error("failed to issue room ticket", zap.String("room", room), zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, errorCodeInternal, nil)
		return
	}
	c.JSON(http.StatusOK, roomTicketResponse{
		Room:             room,
		Ticket:           ticket,
		ExpiresAtSeconds: expiresAt.Unix(),
	})
}

// handleRoomSocket upgrades a ticket-bearing request and relays room protocol messages.
func (h *httpHandler) handleRoomSocket(c *gin.Context) {
	roomName := c.Param("room")
	contractID, err := rooms.ParseRoomName(roomName)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, errorCodeInvalidRequest, gin.H{"room": err.Error()})
		return
	}
	claims, err := h.tickets.Validate(c.Query("ticket"), roomName)
	if err != nil {
		h.logger.Info("room ticket rejected", zap.String("room", roomName), zap.Error(err))
		abortWithError(c, http.StatusUnauthorized, errorCodeUnauthorized, nil)
		return
	}
	role, err := h.contracts.AccessRole(c.Request.Context(), contracts.ContractID(contractID), contracts.UserID(claims.UserID))
	if err != nil {
		h.respondServiceError(c, opRoomSocket, err)
		return
	}
	if !role.CanRead() {
		abortWithError(c, http.StatusForbidden, errorCodeAccessDenied, nil)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("room", roomName), zap.Error(err))
		return
	}
	defer conn.Close()

	peer, err := h.hub.Join(c.Request.Context(), roomName, rooms.Identity{UserID: claims.UserID, DisplayName: claims.DisplayName})
	if err != nil {
		h.logger.Warn("room join failed", zap.String("room", roomName), zap.Error(err))
		closeSocket(conn, websocket.CloseTryAgainLater, closeReasonRoomClosed)
		return
	}
	defer peer.Leave()

	relay := &socketRelay{
		conn:     conn,
		peer:     peer,
		canWrite: role.CanWrite(),
		logger:   h.logger.With(zap.String("room", roomName), zap.String("peer", peer.ID())),
		metrics:  h.metrics,
	}
	err = relay.run(context.Background())
	if err != nil && !errors.Is(err, errRelayFinished) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		relay.logger.Info("websocket relay ended", zap.Error(err))
	}
}

// socketRelay pumps messages between one websocket connection and one room peer.
type socketRelay struct {
	conn     *websocket.Conn
	peer     *rooms.Peer
	canWrite bool
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func (r *socketRelay) run(parent context.Context) error {
	group, ctx := errgroup.WithContext(parent)
	group.Go(func() error {
		return r.readPump()
	})
	group.Go(func() error {
		return r.writePump(ctx)
	})
	group.Go(func() error {
		<-ctx.Done()
		_ = r.conn.Close()
		return nil
	})
	return group.Wait()
}

func (r *socketRelay) readPump() error {
	r.conn.SetReadLimit(relayMaxMessageBytes)
	_ = r.conn.SetReadDeadline(time.Now().Add(relayPongWait))
	r.conn.SetPongHandler(func(string) error {
		return r.conn.SetReadDeadline(time.Now().Add(relayPongWait))
	})
	for {
		var message rooms.Message
		if err := r.conn.ReadJSON(&message); err != nil {
			return err
		}
		if !r.canWrite && (message.Type == rooms.TypeUpdate || message.Type == rooms.TypeSyncReply) {
			r.metrics.MessageDropped(dropReasonReadOnly)
			continue
		}
		if !r.peer.Send(message) {
			return errRelayFinished
		}
		if message.Type == rooms.TypeLeave {
			return errRelayFinished
		}
	}
}

func (r *socketRelay) writePump(ctx context.Context) error {
	ticker := time.NewTicker(relayPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message, open := <-r.peer.Messages():
			if !open {
				closeSocket(r.conn, websocket.CloseNormalClosure, closeReasonRoomClosed)
				return errRelayFinished
			}
			_ = r.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := r.conn.WriteJSON(message); err != nil {
				return err
			}
		case <-ticker.C:
			if err := r.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(relayWriteWait)); err != nil {
				return err
			}
		}
	}
}

func closeSocket(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(relayWriteWait))
}
