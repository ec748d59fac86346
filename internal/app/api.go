package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/hallguide/internal/avatar"
	"github.com/MrWong99/hallguide/internal/chat"
	"github.com/MrWong99/hallguide/internal/chatapi"
	"github.com/MrWong99/hallguide/pkg/memory"
)

// Messages returned to clients.
const (
	msgMissingKeys     = "缺少必要的密钥配置"
	msgConnecting      = "数字人正在连接中"
	msgBudgetExhausted = "连接重试次数已用完，请先断开连接"
	msgConnectFailed   = "数字人连接失败"
	msgConnectPending  = "数字人仍在连接中，请稍后查询状态"
	msgNoSession       = "数字人未连接"
	msgInvalidState    = "无效的数字人状态"
	msgInvalidVolume   = "音量必须在 0 到 1 之间"
	msgBusy            = "正在回答上一个问题"
	msgEmptyMessage    = "请提供有效的消息内容"
	msgNoStore         = "未配置对话记录存储"
	msgNoSource        = "未配置对话模型"
)

// eventPing is the keepalive period of the events stream.
const eventPing = 15 * time.Second

// apiError maps domain errors onto the shared JSON error shape.
func apiError(err error) error {
	switch {
	case errors.Is(err, avatar.ErrMissingAppID), errors.Is(err, avatar.ErrMissingAppSecret), errors.Is(err, avatar.ErrMissingAPIKey):
		return &chatapi.APIError{Status: http.StatusBadRequest, Message: msgMissingKeys, Code: "invalid_credentials"}
	case errors.Is(err, ErrConnectInProgress):
		return &chatapi.APIError{Status: http.StatusConflict, Message: msgConnecting, Code: "connect_in_progress"}
	case errors.Is(err, ErrConnectFailed):
		return &chatapi.APIError{Status: http.StatusBadGateway, Message: msgConnectFailed, Code: "connect_failed"}
	case errors.Is(err, ErrBudgetExhausted):
		return &chatapi.APIError{Status: http.StatusConflict, Message: msgBudgetExhausted, Code: "budget_exhausted"}
	case errors.Is(err, ErrConnectPending):
		return &chatapi.APIError{Status: http.StatusAccepted, Message: msgConnectPending, Code: "connect_pending"}
	case errors.Is(err, ErrNoSession):
		return &chatapi.APIError{Status: http.StatusConflict, Message: msgNoSession, Code: "no_session"}
	case errors.Is(err, chat.ErrBusy):
		return &chatapi.APIError{Status: http.StatusConflict, Message: msgBusy, Code: "busy"}
	case errors.Is(err, chat.ErrEmptyMessage):
		return chatapi.BadRequest(msgEmptyMessage)
	case errors.Is(err, errNoSource):
		return &chatapi.APIError{Status: http.StatusServiceUnavailable, Message: msgNoSource, Code: "no_source"}
	}
	return err
}

func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	chatapi.WriteError(w, r, apiError(err), a.cfg.Server.Production)
}

// decodeOptional decodes a JSON body when one is present.
func decodeOptional(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	return chatapi.DecodeBody(r, v)
}

type okResponse struct {
	Success bool `json:"success"`
}

type budgetView struct {
	Attempts int `json:"attempts"`
	Max      int `json:"max"`
}

type statusResponse struct {
	Success        bool                    `json:"success"`
	Status         avatar.ConnectionStatus `json:"status"`
	Connected      bool                    `json:"connected"`
	Connecting     bool                    `json:"connecting"`
	State          avatar.State            `json:"state,omitempty"`
	Rendered       bool                    `json:"rendered"`
	Progress       int                     `json:"progress"`
	BridgeAttached bool                    `json:"bridgeAttached"`
	Streaming      bool                    `json:"streaming"`
	Budget         budgetView              `json:"budget"`
	Session        *SessionInfo            `json:"session,omitempty"`
}

func (a *App) status() statusResponse {
	ctrl := a.sessions.Controller()
	res := statusResponse{
		Success:        true,
		Status:         ctrl.Status(),
		Connected:      ctrl.IsConnected(),
		Connecting:     ctrl.IsConnecting(),
		Progress:       int(a.progress.Load()),
		BridgeAttached: a.engine != nil && a.engine.Connected(),
		Streaming:      a.bridge.Streaming(),
		Budget:         budgetView{Attempts: ctrl.Budget().Attempts(), Max: ctrl.Config().MaxAttempts},
	}
	if sess := ctrl.Session(); sess != nil {
		res.State = sess.State()
		res.Rendered = sess.Rendered()
	}
	if info, ok := a.sessions.Info(); ok {
		res.Session = &info
	}
	return res
}

// Status handles GET /api/avatar/status.
func (a *App) Status(w http.ResponseWriter, _ *http.Request) {
	chatapi.WriteJSON(w, http.StatusOK, a.status())
}

// Connect handles POST /api/avatar/connect.
func (a *App) Connect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := decodeOptional(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if _, err := a.sessions.Connect(r.Context(), req); err != nil {
		a.fail(w, r, err)
		return
	}
	chatapi.WriteJSON(w, http.StatusOK, a.status())
}

// Reconnect handles POST /api/avatar/reconnect.
func (a *App) Reconnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := decodeOptional(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if _, err := a.sessions.Reconnect(r.Context(), req); err != nil {
		a.fail(w, r, err)
		return
	}
	chatapi.WriteJSON(w, http.StatusOK, a.status())
}

// Disconnect handles POST /api/avatar/disconnect. A running reply is stopped
// first.
func (a *App) Disconnect(w http.ResponseWriter, r *http.Request) {
	a.bridge.Stop()
	a.sessions.Disconnect(context.WithoutCancel(r.Context()))
	chatapi.WriteJSON(w, http.StatusOK, a.status())
}

type stateRequest struct {
	State string `json:"state"`
}

// SetState handles POST /api/avatar/state.
func (a *App) SetState(w http.ResponseWriter, r *http.Request) {
	var req stateRequest
	if err := chatapi.DecodeBody(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	st, ok := avatar.ParseState(strings.TrimSpace(req.State))
	if !ok {
		a.fail(w, r, chatapi.BadRequest(msgInvalidState))
		return
	}
	sess, err := a.sessions.Session()
	if err != nil {
		a.fail(w, r, err)
		return
	}
	sess.SetState(st)
	chatapi.WriteJSON(w, http.StatusOK, a.status())
}

type volumeRequest struct {
	Volume *float64 `json:"volume"`
}

// SetVolume handles POST /api/avatar/volume with a volume in [0, 1].
func (a *App) SetVolume(w http.ResponseWriter, r *http.Request) {
	var req volumeRequest
	if err := chatapi.DecodeBody(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if req.Volume == nil || *req.Volume < 0 || *req.Volume > 1 {
		a.fail(w, r, chatapi.BadRequest(msgInvalidVolume))
		return
	}
	sess, err := a.sessions.Session()
	if err != nil {
		a.fail(w, r, err)
		return
	}
	sess.SetVolume(*req.Volume)
	chatapi.WriteJSON(w, http.StatusOK, okResponse{Success: true})
}

// event is one frame of the avatar events stream.
type event struct {
	Type     string                  `json:"type"`
	Status   avatar.ConnectionStatus `json:"status,omitempty"`
	Progress *int                    `json:"progress,omitempty"`
}

// Events handles GET /api/avatar/events. It sends the current status, then
// every status and progress change until the client leaves. Slow clients
// miss intermediate events rather than stalling the controller.
func (a *App) Events(w http.ResponseWriter, r *http.Request) {
	sw, err := chatapi.NewSSEWriter(w)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ctrl := a.sessions.Controller()
	events := make(chan event, 32)
	push := func(ev event) {
		select {
		case events <- ev:
		default:
		}
	}
	unStatus := ctrl.OnStatusChange(func(s avatar.ConnectionStatus) { push(event{Type: "status", Status: s}) })
	defer unStatus()
	unProgress := ctrl.OnProgressChange(func(p int) { push(event{Type: "progress", Progress: &p}) })
	defer unProgress()

	w.WriteHeader(http.StatusOK)
	if err := sw.Send(event{Type: "status", Status: ctrl.Status()}); err != nil {
		return
	}

	ping := time.NewTicker(eventPing)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := sw.Ping(); err != nil {
				return
			}
		case ev := <-events:
			if err := sw.Send(ev); err != nil {
				slog.Debug("avatar events client gone", "err", err)
				return
			}
		}
	}
}

type sendRequest struct {
	Message string `json:"message"`
	Stream  *bool  `json:"stream"`
}

type tokenFrame struct {
	Text string `json:"text"`
}

type replyFrame struct {
	Done     bool   `json:"done"`
	Reply    string `json:"reply"`
	Stopped  bool   `json:"stopped"`
	Segments int    `json:"segments"`
}

type replyResponse struct {
	Success  bool   `json:"success"`
	Reply    string `json:"reply"`
	Stopped  bool   `json:"stopped"`
	Segments int    `json:"segments"`
}

type errorFrame struct {
	Error string `json:"error"`
}

// Send handles POST /api/conversation/send. By default tokens are streamed as
// server-sent events while the avatar speaks them; {"stream": false} waits
// for the whole reply.
func (a *App) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := chatapi.DecodeBody(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		a.fail(w, r, chat.ErrEmptyMessage)
		return
	}

	if req.Stream != nil && !*req.Stream {
		reply, err := a.bridge.Send(r.Context(), req.Message, nil)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		chatapi.WriteJSON(w, http.StatusOK, replyResponse{Success: true, Reply: reply.Text, Stopped: reply.Stopped, Segments: reply.Segments})
		return
	}

	sw, err := chatapi.NewSSEWriter(w)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	started := false
	reply, err := a.bridge.Send(r.Context(), req.Message, func(tok string) {
		started = true
		if err := sw.Send(tokenFrame{Text: tok}); err != nil {
			slog.Debug("conversation client gone", "err", err)
		}
	})
	if err != nil {
		if !started {
			w.Header().Del("Content-Type")
			a.fail(w, r, err)
			return
		}
		msg := err.Error()
		if a.cfg.Server.Production {
			msg = "服务器内部错误"
		}
		_ = sw.Send(errorFrame{Error: msg})
		return
	}
	_ = sw.Send(replyFrame{Done: true, Reply: reply.Text, Stopped: reply.Stopped, Segments: reply.Segments})
	_ = sw.Done()
}

type stopResponse struct {
	Success bool `json:"success"`
	Stopped bool `json:"stopped"`
}

// Stop handles POST /api/conversation/stop.
func (a *App) Stop(w http.ResponseWriter, _ *http.Request) {
	chatapi.WriteJSON(w, http.StatusOK, stopResponse{Success: true, Stopped: a.bridge.Stop()})
}

type clearResponse struct {
	Success        bool   `json:"success"`
	ConversationID string `json:"conversationId"`
}

// Clear handles POST /api/conversation/clear. A running reply is stopped
// first.
func (a *App) Clear(w http.ResponseWriter, _ *http.Request) {
	a.bridge.Stop()
	conv := a.bridge.Conversation()
	conv.Clear()
	chatapi.WriteJSON(w, http.StatusOK, clearResponse{Success: true, ConversationID: conv.ID()})
}

type historyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type historyResponse struct {
	Success        bool             `json:"success"`
	ConversationID string           `json:"conversationId"`
	Messages       []historyMessage `json:"messages"`
}

// History handles GET /api/conversation/history with the in-memory
// conversation, stopped exchanges excluded.
func (a *App) History(w http.ResponseWriter, _ *http.Request) {
	conv := a.bridge.Conversation()
	msgs := conv.History()
	out := make([]historyMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, historyMessage{Role: m.Role, Content: m.Content})
	}
	chatapi.WriteJSON(w, http.StatusOK, historyResponse{Success: true, ConversationID: conv.ID(), Messages: out})
}

type transcriptTurn struct {
	ConversationID  string    `json:"conversationId"`
	AvatarSessionID string    `json:"avatarSessionId,omitempty"`
	Role            string    `json:"role"`
	Content         string    `json:"content"`
	Stopped         bool      `json:"stopped,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	DurationMs      int64     `json:"durationMs,omitempty"`
}

type transcriptsResponse struct {
	Success bool             `json:"success"`
	Turns   []transcriptTurn `json:"turns"`
}

// Transcripts handles GET /api/conversation/transcripts. With q it searches
// stored turns; otherwise it returns the last turns of a conversation
// (conversationId, default the current one). limit caps the result.
func (a *App) Transcripts(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		a.fail(w, r, &chatapi.APIError{Status: http.StatusNotImplemented, Message: msgNoStore, Code: "no_store"})
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	convID := q.Get("conversationId")

	var (
		turns []memory.Turn
		err   error
	)
	if text := strings.TrimSpace(q.Get("q")); text != "" {
		turns, err = a.store.Search(r.Context(), text, memory.SearchOpts{ConversationID: convID, Limit: limit})
	} else {
		if convID == "" {
			convID = a.bridge.Conversation().ID()
		}
		turns, err = a.store.History(r.Context(), convID, limit)
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]transcriptTurn, 0, len(turns))
	for _, t := range turns {
		out = append(out, transcriptTurn{
			ConversationID:  t.ConversationID,
			AvatarSessionID: t.AvatarSessionID,
			Role:            t.Role,
			Content:         t.Content,
			Stopped:         t.Stopped,
			Timestamp:       t.Timestamp,
			DurationMs:      t.Duration.Milliseconds(),
		})
	}
	chatapi.WriteJSON(w, http.StatusOK, transcriptsResponse{Success: true, Turns: out})
}
