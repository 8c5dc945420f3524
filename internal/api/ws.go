package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/RegardV/JournalCraftCrew-sub002/internal/metrics"
	"github.com/RegardV/JournalCraftCrew-sub002/internal/progress"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const writeWait = 10 * time.Second

// streamMessage is the wire format for one progress stream frame.
// currentAgent duplicates current_agent for older clients.
type streamMessage struct {
	Type          string          `json:"type"`
	JobID         string          `json:"job_id,omitempty"`
	Sequence      *uint64         `json:"sequence,omitempty"`
	Stage         string          `json:"stage,omitempty"`
	Message       string          `json:"message,omitempty"`
	CurrentAgent  string          `json:"current_agent,omitempty"`
	CurrentAgent2 string          `json:"currentAgent,omitempty"`
	Percent       *int            `json:"progress_percentage,omitempty"`
	Result        json.RawMessage `json:"result_data,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorKind     string          `json:"error_kind,omitempty"`
	Timestamp     string          `json:"timestamp"`
}

// streamJob upgrades the request and forwards the job's event stream:
// replayed history first, then live events, with heartbeats in between.
// The stream ends after the terminal event or when the client falls too
// far behind.
func (s *Server) streamJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	sub, err := s.store.Subscribe(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.store.Detach(jobID, sub)
		s.logger.Warn("websocket upgrade failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	metrics.IncStreamSubscribers()
	defer metrics.DecStreamSubscribers()
	defer conn.Close()
	defer s.store.Detach(jobID, sub)

	// Reads are discarded; a read error means the client went away.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.writeFrame(conn, streamMessage{
		Type:      "connection",
		JobID:     jobID,
		Timestamp: s.now(),
	}); err != nil {
		return
	}

	heartbeat := time.NewTicker(s.cfg.Heartbeat())
	defer heartbeat.Stop()

	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				if sub.Lagged() {
					// Tell the client why the stream is ending.
					_ = s.writeFrame(conn, streamMessage{
						Type:      "error",
						JobID:     jobID,
						Error:     "subscriber fell behind and was disconnected",
						ErrorKind: "lagging",
						Timestamp: s.now(),
					})
				}
				s.closeStream(conn)
				return
			}
			if err := s.writeFrame(conn, eventFrame(evt)); err != nil {
				return
			}
			if evt.Terminal() {
				// The channel close follows; drain it and finish.
				for range sub.Events() {
				}
				s.closeStream(conn)
				return
			}
		case <-heartbeat.C:
			if err := s.writeFrame(conn, streamMessage{
				Type:      "heartbeat",
				Timestamp: s.now(),
			}); err != nil {
				return
			}
		case <-clientGone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, msg streamMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

func (s *Server) closeStream(conn *websocket.Conn) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

func (s *Server) now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// eventFrame maps a progress event onto the wire format.
func eventFrame(evt progress.Event) streamMessage {
	seq := evt.Sequence
	pct := evt.Percent
	msg := streamMessage{
		JobID:         evt.JobID,
		Sequence:      &seq,
		Stage:         string(evt.Stage),
		Message:       evt.PhaseLabel,
		CurrentAgent:  evt.Agent,
		CurrentAgent2: evt.Agent,
		Percent:       &pct,
		Timestamp:     evt.TS.UTC().Format(time.RFC3339),
	}
	switch evt.Stage {
	case progress.StageCompleted:
		msg.Type = "workflow_complete"
		msg.Result = evt.Payload
	case progress.StageFailed:
		msg.Type = "error"
		msg.Error = evt.Error
		msg.ErrorKind = string(evt.ErrorKind)
	default:
		msg.Type = "agent_progress"
	}
	return msg
}
