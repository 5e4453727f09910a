package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"idcapture/internal/camera"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// 送信待ちのイベント数の上限。溢れた分は捨てる
	eventBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamEvents はマネージャーのイベントをWebSocketで配信する
//
// 1イベントにつき1つのJSONメッセージを送る。
func (h *Handler) StreamEvents(c *gin.Context) {
	events := make(chan camera.Response, eventBuffer)
	id := h.manager.On(camera.EventAll, func(resp camera.Response) {
		// ハンドラーはマネージャーの処理中に同期的に呼ばれるため待たない
		select {
		case events <- resp:
		default:
			h.logger.Warn().Str("event", string(resp.Event)).Msg("イベントの送信待ちが溢れたため破棄しました")
		}
	})
	defer h.manager.Off(id)

	// 接続が確立した時点で購読済みになるよう、購読してからアップグレードする
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocketへのアップグレードに失敗")
		return
	}
	defer ws.Close()

	closed := make(chan struct{})
	go h.readEvents(ws, closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-h.done:
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		case resp := <-events:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(resp); err != nil {
				h.logger.Debug().Err(err).Msg("WebSocketへの書き込みに失敗")
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readEvents はクライアントからの切断を検知する。受信したメッセージは読み捨てる
func (h *Handler) readEvents(ws *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	ws.SetReadLimit(512)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Msg("WebSocketの読み込みに失敗")
			}
			return
		}
	}
}
