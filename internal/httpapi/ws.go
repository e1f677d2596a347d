package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/c360studio/templatefabric/internal/progress"
	"github.com/c360studio/templatefabric/internal/task"
)

// wsWriteTimeout bounds each WebSocket write so a stuck peer can't wedge
// the writer goroutine.
const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The fabric sits behind the deployment's own origin policy; the WS
	// endpoint carries no credentials of its own.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NATSBus adapts a core NATS connection to the Bus interface.
type NATSBus struct {
	nc *nats.Conn
}

// NewNATSBus wraps nc for WS subscriptions.
func NewNATSBus(nc *nats.Conn) *NATSBus {
	return &NATSBus{nc: nc}
}

// Subscribe opens a progress subscription for taskID.
func (b *NATSBus) Subscribe(taskID string) (<-chan *progress.Event, func() error, error) {
	sub, err := progress.Subscribe(b.nc, taskID)
	if err != nil {
		return nil, nil, err
	}
	return sub.Events(), sub.Close, nil
}

// clientMessage is the only inbound WS message shape the server reads.
type clientMessage struct {
	Type string `json:"type"`
}

// handleWS serves GET /ws/jobs/{task_id}: upgrade, send `subscribed` and an
// initial `task_status`, then relay bus events until a terminal event or the
// peer goes away. Already-terminal jobs get one synthetic terminal event and
// an immediate close.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	taskID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/jobs/"), "/")
	if taskID == "" || strings.Contains(taskID, "/") {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	job, err := s.store.Get(r.Context(), taskID)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "task_id", taskID, "error", err)
		return
	}
	defer conn.Close()

	if err := s.writeEvent(conn, progress.Event{
		JobID:     taskID,
		Type:      progress.EventSubscribed,
		Timestamp: s.now().UTC(),
	}); err != nil {
		return
	}

	// Subscribe before sending the status snapshot so no event published in
	// between is lost to this client.
	var events <-chan *progress.Event
	var closeSub func() error
	if !job.State.IsTerminal() {
		events, closeSub, err = s.bus.Subscribe(taskID)
		if err != nil {
			s.logger.Warn("progress subscribe failed", "task_id", taskID, "error", err)
			return
		}
		defer func() { _ = closeSub() }()
	}

	if err := s.writeEvent(conn, statusEvent(job, s.now().UTC())); err != nil {
		return
	}

	if job.State.IsTerminal() {
		_ = s.writeEvent(conn, terminalEvent(job, s.now().UTC()))
		return
	}

	// Reader: pings from the client become pong events; a read error means
	// the peer is gone. Signalled over a channel so the relay loop below
	// owns all writes.
	pings := make(chan struct{}, 4)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg clientMessage
			if json.Unmarshal(data, &msg) == nil && msg.Type == "ping" {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-readerDone:
			return
		case <-pings:
			if err := s.writeEvent(conn, progress.Event{
				JobID:     taskID,
				Type:      progress.EventPong,
				Timestamp: s.now().UTC(),
			}); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.writeEvent(conn, *ev); err != nil {
				return
			}
			if ev.Type == progress.EventTaskComplete || ev.Type == progress.EventTaskError {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job terminal"),
					time.Now().Add(wsWriteTimeout))
				return
			}
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, ev progress.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(ev)
}

// statusEvent synthesizes the initial task_status snapshot from the durable
// row so a late-joining client can reconstruct state.
func statusEvent(job *task.Job, now time.Time) progress.Event {
	pct := job.Progress
	ev := progress.Event{
		JobID:     job.TaskID,
		Type:      progress.EventTaskStatus,
		Status:    strings.ToLower(string(job.State)),
		Progress:  &pct,
		Step:      job.Step,
		Timestamp: now,
	}
	if job.StartedAt != nil {
		end := now
		if job.CompletedAt != nil {
			end = *job.CompletedAt
		}
		elapsed := int(end.Sub(*job.StartedAt).Seconds())
		ev.ElapsedS = &elapsed
	}
	return ev
}

// terminalEvent synthesizes the one-shot task_complete/task_error event for
// a subscriber that arrived after the job finished.
func terminalEvent(job *task.Job, now time.Time) progress.Event {
	elapsed := job.DurationS
	if elapsed == 0 && job.StartedAt != nil && job.CompletedAt != nil {
		elapsed = int(job.CompletedAt.Sub(*job.StartedAt).Seconds())
	}

	switch job.State {
	case task.StateFailed:
		return progress.Event{
			JobID:      job.TaskID,
			Type:       progress.EventTaskError,
			Error:      job.Error,
			ErrorType:  string(job.ErrorKind),
			ElapsedS:   &elapsed,
			Suggestion: progress.SuggestionFor(string(job.ErrorKind)),
			Timestamp:  now,
		}
	case task.StateCancelled:
		pct := job.Progress
		return progress.Event{
			JobID:     job.TaskID,
			Type:      progress.EventTaskError,
			Error:     "task was cancelled",
			ErrorType: "cancelled",
			Progress:  &pct,
			ElapsedS:  &elapsed,
			Timestamp: now,
		}
	default:
		pct := 100
		summary := map[string]any{}
		var result map[string]any
		if len(job.Result) > 0 && json.Unmarshal(job.Result, &result) == nil {
			if title, ok := result["document_title"].(string); ok {
				summary["document_title"] = title
			}
			if meta, ok := result["metadata"].(map[string]any); ok {
				for _, key := range []string{"total_fixed_sections", "total_fillable_sections", "completion_estimate_minutes", "template_id", "version_number"} {
					if v, ok := meta[key]; ok {
						summary[key] = v
					}
				}
			}
		}
		return progress.Event{
			JobID:         job.TaskID,
			Type:          progress.EventTaskComplete,
			Progress:      &pct,
			ElapsedS:      &elapsed,
			ResultSummary: summary,
			Timestamp:     now,
		}
	}
}
