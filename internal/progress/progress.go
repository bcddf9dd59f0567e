// Package progress streams job state to websocket subscribers. The hub
// holds lookup-only references to job ids; it never owns or mutates
// job records.
package progress

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/deckocr/deckd/internal/deck"
	"github.com/deckocr/deckd/internal/errkind"
	"github.com/deckocr/deckd/internal/job"
)

// Maximum time we'll wait for a write we initiate to complete.
const wsWriteTimeout = 10 * time.Second

// defaultEmitInterval is the periodic frame cadence.
const defaultEmitInterval = 2 * time.Second

// Frame is one server-to-subscriber update.
type Frame struct {
	Type      string       `json:"type"`
	State     job.State    `json:"state,omitempty"`
	Progress  int          `json:"progress,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Result    *deck.Result `json:"result,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// JobReader is the lookup surface the hub needs from job storage.
type JobReader interface {
	Get(ctx context.Context, id string) (*job.Job, error)
}

// Hub upgrades subscriber connections and streams per-job progress.
type Hub struct {
	jobs         JobReader
	upgrader     websocket.Upgrader
	emitInterval time.Duration
}

// NewHub builds a Hub over job storage.
func NewHub(jobs JobReader) *Hub {
	return &Hub{
		jobs: jobs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		emitInterval: defaultEmitInterval,
	}
}

// Serve upgrades the request and streams |jobID| until a terminal
// state, a client departure, or a send failure evicts the subscriber.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, jobID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithFields(log.Fields{"err": err, "client": r.RemoteAddr}).
			Warn("failed to upgrade progress subscription")
		return
	}
	defer conn.Close()

	var ctx = r.Context()

	// Unknown jobs close with a policy violation before any frame.
	if _, err = h.jobs.Get(ctx, jobID); err != nil {
		var code = websocket.ClosePolicyViolation
		if errkind.KindOf(err) != errkind.NotFound {
			code = websocket.CloseInternalServerErr
		}
		h.writeClose(conn, code, string(errkind.KindOf(err)))
		return
	}

	// Client frames arrive on their own goroutine; the subscription
	// loop owns all writes.
	var requests = make(chan string, 4)
	go h.readClient(conn, requests)

	// The current state goes out immediately on subscription.
	if terminal := h.emit(ctx, conn, jobID); terminal {
		return
	}

	var ticker = time.NewTicker(h.emitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-requests:
			if !ok {
				return // Client went away.
			}
			switch req {
			case "ping":
				if !h.write(conn, Frame{Type: "pong", Timestamp: time.Now().UTC()}) {
					return
				}
			case "status":
				if terminal := h.emit(ctx, conn, jobID); terminal {
					return
				}
			}
		case <-ticker.C:
			if terminal := h.emit(ctx, conn, jobID); terminal {
				return
			}
		}
	}
}

// emit sends the job's current frame. It returns true once the
// subscription is finished, whether by terminal state, job expiry, or
// an evicting send failure.
func (h *Hub) emit(ctx context.Context, conn *websocket.Conn, jobID string) bool {
	var j, err = h.jobs.Get(ctx, jobID)
	if err != nil {
		if errkind.KindOf(err) == errkind.NotFound {
			h.writeClose(conn, websocket.CloseNormalClosure, "expired")
		} else {
			h.writeClose(conn, websocket.CloseInternalServerErr, "storage error")
		}
		return true
	}

	var frame = Frame{
		Type:      "progress",
		State:     j.State,
		Progress:  j.Progress,
		Timestamp: time.Now().UTC(),
		Error:     j.Error,
	}
	if j.State == job.StateCompleted {
		frame.Result = j.Result
	}
	if !h.write(conn, frame) {
		return true
	}

	if j.State.Terminal() {
		h.writeClose(conn, websocket.CloseNormalClosure, string(j.State))
		return true
	}
	return false
}

// write sends one frame under the send deadline. A false return means
// the subscriber is evicted.
func (h *Hub) write(conn *websocket.Conn, frame Frame) bool {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		log.WithFields(log.Fields{"err": err}).Warn("evicting slow progress subscriber")
		return false
	}
	return true
}

func (h *Hub) writeClose(conn *websocket.Conn, code int, reason string) {
	var deadline = time.Now().Add(wsWriteTimeout)
	var msg = websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		log.WithFields(log.Fields{"err": err}).Warn("failed to write websocket close")
	}
}

// readClient pumps client frames into |requests| until the connection
// drops. Both bare strings and {"type": ...} objects are accepted.
func (h *Hub) readClient(conn *websocket.Conn, requests chan<- string) {
	defer close(requests)
	for {
		var _, raw, err = conn.ReadMessage()
		if err != nil {
			return
		}

		var text = string(raw)
		var envelope struct {
			Type string `json:"type"`
		}
		if err = json.Unmarshal(raw, &envelope); err == nil && envelope.Type != "" {
			text = envelope.Type
		}

		select {
		case requests <- text:
		default:
			// A subscriber flooding requests loses the extras.
		}
	}
}
