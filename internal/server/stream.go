package server

import (
	"io"
	"time"

	"github.com/MarcoPoloResearchLab/pactum/internal/contracts"
	"github.com/gin-gonic/gin"
)

const opContractStream = "server.contract_stream"

// handleContractStream serves committed contract changes as server-sent events.
func (h *httpHandler) handleContractStream(c *gin.Context) {
	caller, contractID, ok := requestScope(c)
	if !ok {
		return
	}
	view, err := h.contracts.GetContract(c.Request.Context(), contractID, contracts.UserID(caller.UserID))
	if err != nil {
		h.respondServiceError(c, opContractStream, err)
		return
	}

	ctx := c.Request.Context()
	subscription := h.realtime.Subscribe(ctx, contractID.String())
	defer subscription.Close()
	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(realtimeEventReady, RealtimeMessage{
		ContractID:    contractID.String(),
		Timestamp:     time.Now().UTC(),
		Status:        string(view.Contract.Status),
		VersionNumber: view.Contract.LatestVersionNumber,
		Summary:       &view.Summary,
	}.payload())
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, open := <-subscription.Messages:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, message.payload())
			return true
		case <-subscription.Dropped:
			c.SSEvent(realtimeEventResync, RealtimeMessage{ContractID: contractID.String(), Timestamp: time.Now().UTC()}.payload())
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, RealtimeMessage{ContractID: contractID.String(), Timestamp: tick.UTC()}.payload())
			return true
		}
	})
}
