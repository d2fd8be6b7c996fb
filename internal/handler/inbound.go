package handlers

import (
	"context"
	"encoding/json"

	"HibiscusCrisis/internal/dispatch"
	"HibiscusCrisis/pkg/errors"
	"HibiscusCrisis/pkg/websocket"
)

var errNoFeed = errors.WithCode(errors.CodeCollaboratorFailure, "admin feed disabled")

type inboundData struct {
	NotificationID string `json:"notificationId"`
	AlertID        string `json:"alertId"`
	Reason         string `json:"reason"`
}

// Inbound 处理响应者经实时通道发来的确认与接单
func (h *Handlers) Inbound(ctx context.Context, conn *websocket.Connection, msg *websocket.Message) (interface{}, error) {
	responderID, ok := responderFromTopic(conn.Topic)
	if !ok {
		return nil, errors.InvalidParameter("only responders may send %s", msg.Type)
	}
	var data inboundData
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, errors.InvalidParameter("invalid %s payload", msg.Type)
		}
	}

	switch msg.Type {
	case websocket.MessageTypeAck:
		if data.NotificationID == "" {
			return nil, errors.InvalidParameter("notificationId is required")
		}
		if err := h.engine.AcknowledgeNotification(data.NotificationID, responderID); err != nil {
			return nil, err
		}
		return map[string]string{"notificationId": data.NotificationID}, nil
	case websocket.MessageTypeAccept, websocket.MessageTypeDecline:
		if data.AlertID == "" {
			return nil, errors.InvalidParameter("alertId is required")
		}
		action := dispatch.ActionAccept
		if msg.Type == websocket.MessageTypeDecline {
			action = dispatch.ActionDecline
		}
		if err := h.engine.HandleResponderResponse(ctx, data.AlertID, responderID, action, data.Reason); err != nil {
			return nil, err
		}
		a, err := h.engine.GetAlert(data.AlertID)
		if err != nil {
			return nil, err
		}
		return map[string]string{"alertId": a.ID, "status": a.Status}, nil
	}
	return nil, errors.InvalidParameter("unsupported message %s", msg.Type)
}
