package server

import (
	"context"
	"net/http"
	"time"

	"Narrato/logger"
	"Narrato/model"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func snapshot(b *model.Batch) model.BatchProgress {
	return model.BatchProgress{
		BatchID:        b.ID,
		CompletedCount: b.CompletedCount,
		FailedCount:    b.FailedCount,
		TotalExpected:  b.TotalExpected,
		Status:         b.Status,
	}
}

// BatchProgressHandler streams ledger updates of a batch over a websocket. The
// first message is the current record; the stream closes once the batch is terminal.
func (h *APIHandler) BatchProgressHandler(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["id"]
	batch, err := h.batches.GetByID(r.Context(), batchID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if batch == nil {
		writeError(w, r, errNotFound)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", logger.ErrorField(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	// subscribe before sending the snapshot so no update falls in between
	var updates <-chan model.BatchProgress
	if h.progress != nil && !batch.Status.Terminal() {
		updates, err = h.progress.Subscribe(ctx, batchID)
		if err != nil {
			logger.Warn("Failed to subscribe to batch progress", logger.String("batchId", batchID), logger.ErrorField(err))
		}
	}
	if updates != nil {
		// 订阅前完成的批次不会再有事件，重新读取账本
		if fresh, err := h.batches.GetByID(r.Context(), batchID); err != nil {
			logger.Warn("Failed to re-read batch after subscribe", logger.String("batchId", batchID), logger.ErrorField(err))
		} else if fresh != nil {
			batch = fresh
		}
	}

	send := func(p model.BatchProgress) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(p) == nil
	}
	if !send(snapshot(batch)) || batch.Status.Terminal() || updates == nil {
		h.closeWS(conn)
		return
	}

	// 读协程只用于感知客户端断开和处理 pong
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-updates:
			if !ok {
				h.closeWS(conn)
				return
			}
			if !send(p) {
				return
			}
			if p.Status.Terminal() {
				h.closeWS(conn)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (h *APIHandler) closeWS(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
