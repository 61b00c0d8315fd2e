package comfyui

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"nuggetfactory/internal/interfaces"
	"nuggetfactory/internal/job"
)

// finishedRetention how long a terminal event is kept for a waiter that has not registered yet
const finishedRetention = 5 * time.Minute

var errStreamClosed = errors.New("event stream closed")

type finishedEntry struct {
	state *interfaces.TerminalState
	at    time.Time
}

// eventStream one websocket connection shared by every job of a client id.
// Incoming events are routed to waiters by the prompt id they carry.
type eventStream struct {
	conn   *websocket.Conn
	logger *logrus.Logger

	mu       sync.Mutex
	waiters  map[string]chan *interfaces.TerminalState
	finished map[string]finishedEntry
	err      error
	done     chan struct{}
}

// dialStream connects to the websocket and starts routing events
func dialStream(ctx context.Context, wsURL string, logger *logrus.Logger) (*eventStream, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		terr := &job.TransportError{Op: "DIAL", Endpoint: wsURL, Err: err}
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			terr.StatusCode = resp.StatusCode
		}
		return nil, terr
	}

	s := &eventStream{
		conn:     conn,
		logger:   logger,
		waiters:  make(map[string]chan *interfaces.TerminalState),
		finished: make(map[string]finishedEntry),
		done:     make(chan struct{}),
	}
	go s.readLoop()

	logger.WithField("url", wsURL).Debug("Event stream connected")
	return s, nil
}

// readLoop reads until the connection breaks
func (s *eventStream) readLoop() {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}
		// binary frames are latent previews
		if messageType != websocket.TextMessage {
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.WithError(err).Debug("Ignoring undecodable event")
			continue
		}

		promptID, state := classify(msg)
		if state != nil {
			s.deliver(promptID, state)
		}
	}
}

// classify maps an event to a terminal state, or nil for anything that is not terminal
func classify(msg wsMessage) (string, *interfaces.TerminalState) {
	switch msg.Type {
	case "executing":
		var data executingData
		if json.Unmarshal(msg.Data, &data) != nil || data.PromptID == "" || data.Node != nil {
			return "", nil
		}
		return data.PromptID, &interfaces.TerminalState{Status: job.StatusCompleted}
	case "execution_success":
		var data executionData
		if json.Unmarshal(msg.Data, &data) != nil || data.PromptID == "" {
			return "", nil
		}
		return data.PromptID, &interfaces.TerminalState{Status: job.StatusCompleted}
	case "execution_error":
		var data executionErrorData
		if json.Unmarshal(msg.Data, &data) != nil || data.PromptID == "" {
			return "", nil
		}
		return data.PromptID, &interfaces.TerminalState{Status: job.StatusFailed, Detail: describeExecutionError(data)}
	case "execution_interrupted":
		var data executionData
		if json.Unmarshal(msg.Data, &data) != nil || data.PromptID == "" {
			return "", nil
		}
		return data.PromptID, &interfaces.TerminalState{Status: job.StatusFailed, Detail: "execution interrupted"}
	default:
		return "", nil
	}
}

// deliver hands a terminal state to the waiter of promptID, or keeps it for a late waiter
func (s *eventStream) deliver(promptID string, state *interfaces.TerminalState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.waiters[promptID]; ok {
		delete(s.waiters, promptID)
		ch <- state
		return
	}

	now := time.Now()
	for id, entry := range s.finished {
		if now.Sub(entry.at) > finishedRetention {
			delete(s.finished, id)
		}
	}
	// the first terminal event wins; a later execution_success after executing(null) is ignored
	if _, seen := s.finished[promptID]; !seen {
		s.finished[promptID] = finishedEntry{state: state, at: now}
	}
}

func (s *eventStream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
		close(s.done)
	}
	s.logger.WithError(err).Warn("Event stream closed")
}

// closed reports whether the read loop has stopped
func (s *eventStream) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// wait blocks until promptID reaches a terminal event, the deadline passes,
// or the stream breaks (errStreamClosed).
func (s *eventStream) wait(ctx context.Context, promptID string, deadline time.Time) (*interfaces.TerminalState, error) {
	s.mu.Lock()
	if entry, ok := s.finished[promptID]; ok {
		delete(s.finished, promptID)
		s.mu.Unlock()
		return entry.state, nil
	}
	if s.err != nil {
		s.mu.Unlock()
		return nil, errStreamClosed
	}
	ch := make(chan *interfaces.TerminalState, 1)
	s.waiters[promptID] = ch
	s.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case state := <-ch:
		return state, nil
	case <-timer.C:
		s.unregister(promptID)
		return &interfaces.TerminalState{Status: job.StatusTimedOut}, nil
	case <-ctx.Done():
		s.unregister(promptID)
		return nil, ctx.Err()
	case <-s.done:
		s.unregister(promptID)
		// the terminal event may have raced the close
		select {
		case state := <-ch:
			return state, nil
		default:
		}
		return nil, errStreamClosed
	}
}

func (s *eventStream) unregister(promptID string) {
	s.mu.Lock()
	delete(s.waiters, promptID)
	s.mu.Unlock()
}

// Close closes the connection
func (s *eventStream) Close() error {
	return s.conn.Close()
}
