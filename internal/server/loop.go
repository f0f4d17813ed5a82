package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MisterGoodDeal/live-translation/internal/audio"
	"github.com/MisterGoodDeal/live-translation/internal/eventbus"
	"github.com/MisterGoodDeal/live-translation/internal/metrics"
	"github.com/MisterGoodDeal/live-translation/internal/protocol"
	"github.com/MisterGoodDeal/live-translation/internal/settings"
)

// Events delivers events to connected clients.
type Events interface {
	Broadcast(event string, data any)
	SendTo(clientID, event string, data any)
	Log(message string)
}

// Session is the transcription session control surface. Neither call waits
// for the device or for in-flight inference.
type Session interface {
	Start(ctx context.Context, clientID string) error
	RequestStop() <-chan struct{}
}

// SettingsStore holds the runtime settings.
type SettingsStore interface {
	Snapshot() settings.Config
	Update(partial map[string]json.RawMessage) (settings.UpdateResult, error)
	SetMicrophone(id int) (settings.UpdateResult, error)
}

// Microphones enumerates and validates capture devices.
type Microphones interface {
	Microphones() ([]audio.Microphone, error)
	Lookup(id int) (audio.Device, error)
}

// LoopDependencies groups the collaborators of a Loop.
type LoopDependencies struct {
	Events      Events
	Session     Session
	Settings    SettingsStore
	Microphones Microphones
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Loop executes client requests one at a time.
type Loop struct {
	events      Events
	session     Session
	settings    SettingsStore
	microphones Microphones
	metrics     *metrics.Metrics
	logger      *slog.Logger

	inbox   chan eventbus.Message
	changes chan settings.UpdateResult

	// Statistics
	messagesReceived  uint64
	requestsHandled   uint64
	requestsRejected  uint64
	clientConnections uint64
	externalReloads   uint64
	mu                sync.RWMutex
}

// NewLoop creates an event loop with room for inboxSize pending messages.
func NewLoop(inboxSize int, deps LoopDependencies) *Loop {
	if inboxSize < 1 {
		inboxSize = 1000
	}
	return &Loop{
		events:      deps.Events,
		session:     deps.Session,
		settings:    deps.Settings,
		microphones: deps.Microphones,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		inbox:       make(chan eventbus.Message, inboxSize),
		changes:     make(chan settings.UpdateResult, 16),
	}
}

// Inbox returns the channel the event bus delivers client messages to.
func (l *Loop) Inbox() chan<- eventbus.Message {
	return l.inbox
}

// SettingsChanged hands an externally applied settings change to the loop so
// it is announced in order with client requests. It never blocks; changes that
// do not fit are only logged.
func (l *Loop) SettingsChanged(result settings.UpdateResult) {
	select {
	case l.changes <- result:
	default:
		l.logger.Warn("Dropping settings change notification, loop is busy",
			slog.Any("keys", result.ChangedKeys()),
		)
	}
}

// Run processes messages until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("Event loop started", slog.Int("inbox_capacity", cap(l.inbox)))

	for {
		select {
		case <-ctx.Done():
			stats := l.GetStatistics()
			l.logger.Info("Event loop stopped",
				slog.Uint64("messages_received", stats.MessagesReceived),
				slog.Uint64("requests_handled", stats.RequestsHandled),
				slog.Uint64("requests_rejected", stats.RequestsRejected),
			)
			return nil
		case msg := <-l.inbox:
			l.handleMessage(ctx, msg)
		case result := <-l.changes:
			l.handleExternalChange(result)
		}
	}
}

// handleMessage dispatches one event bus message.
func (l *Loop) handleMessage(ctx context.Context, msg eventbus.Message) {
	l.mu.Lock()
	l.messagesReceived++
	l.mu.Unlock()

	switch msg.Kind {
	case eventbus.Connected:
		l.mu.Lock()
		l.clientConnections++
		l.mu.Unlock()

		l.events.Log(fmt.Sprintf("New client connected: %s", msg.ClientID))
		l.events.SendTo(msg.ClientID, protocol.EventConfig, l.settings.Snapshot())

	case eventbus.Disconnected:
		l.events.Log(fmt.Sprintf("Client disconnected: %s", msg.ClientID))

	case eventbus.Received:
		l.handleRequest(ctx, msg.ClientID, msg.Data)

	default:
		l.logger.Error("Unknown message kind",
			slog.String("client_id", msg.ClientID),
			slog.String("kind", msg.Kind.String()),
		)
	}
}

// handleRequest validates and executes one client request.
func (l *Loop) handleRequest(ctx context.Context, clientID string, data []byte) {
	req, err := protocol.ParseRequest(data)
	if err != nil {
		name := ""
		var reqErr *protocol.RequestError
		if errors.As(err, &reqErr) {
			name = reqErr.Request
		}
		l.logger.Warn("Invalid request",
			slog.String("client_id", clientID),
			slog.Int("size", len(data)),
			slog.String("error", err.Error()),
		)
		l.reject(clientID, name, err.Error(), "")
		l.events.Log(fmt.Sprintf("Invalid request: %v", err))
		return
	}

	l.mu.Lock()
	l.requestsHandled++
	l.mu.Unlock()

	l.logger.Debug("Handling request",
		slog.String("client_id", clientID),
		slog.String("request", req.Name),
	)

	switch req.Name {
	case protocol.RequestGetMicrophones:
		l.handleGetMicrophones(clientID)
	case protocol.RequestSetMicrophone:
		l.handleSetMicrophone(clientID, req.MicrophoneID)
	case protocol.RequestUpdateConfig:
		l.handleUpdateConfig(clientID, req.Update)
	case protocol.RequestGetConfig:
		l.events.SendTo(clientID, protocol.EventConfig, l.settings.Snapshot())
	case protocol.RequestStartTranslation:
		if err := l.session.Start(ctx, clientID); err != nil {
			l.reject(clientID, req.Name, err.Error(), "")
		}
	case protocol.RequestStopTranslation:
		l.session.RequestStop()
	case protocol.RequestPing:
		l.events.SendTo(clientID, protocol.EventPong, protocol.PongPayload{Timestamp: req.Timestamp})
		l.logger.Debug(fmt.Sprintf("Ping received from %s, pong sent", clientID))
	}
}

func (l *Loop) handleGetMicrophones(clientID string) {
	l.events.Log("Fetching microphone list...")

	mics, err := l.microphones.Microphones()
	if err != nil {
		l.logger.Error("Failed to enumerate microphones", slog.String("error", err.Error()))
		l.reject(clientID, protocol.RequestGetMicrophones, err.Error(), "")
		l.events.Log(fmt.Sprintf("Error fetching microphones: %v", err))
		return
	}
	if mics == nil {
		mics = []audio.Microphone{}
	}

	l.events.SendTo(clientID, protocol.EventMicrophones, protocol.MicrophonesPayload{
		Microphones: mics,
		Count:       len(mics),
	})
	l.events.Log(fmt.Sprintf("%d microphone(s) found", len(mics)))
}

func (l *Loop) handleSetMicrophone(clientID string, id int) {
	if _, err := l.microphones.Lookup(id); err != nil {
		l.reject(clientID, protocol.RequestSetMicrophone, err.Error(), settings.KeySelectedMicrophoneID)
		l.events.Log("Invalid microphone ID")
		return
	}

	result, err := l.settings.SetMicrophone(id)
	if err != nil {
		var valErr *settings.ValidationError
		if errors.As(err, &valErr) {
			l.reject(clientID, protocol.RequestSetMicrophone, valErr.Reason, valErr.Key)
			l.events.Log("Invalid microphone ID")
			return
		}
		l.logger.Error("Failed to save configuration", slog.String("error", err.Error()))
		l.events.Log(fmt.Sprintf("Error saving configuration: %v", err))
	}

	l.events.Broadcast(protocol.EventConfigUpdated, protocol.ConfigUpdatedPayload{Changed: result.Changed})
	if err == nil {
		l.events.Log(fmt.Sprintf("Microphone selected ID: %d, config saved", id))
	}
}

func (l *Loop) handleUpdateConfig(clientID string, update map[string]json.RawMessage) {
	result, err := l.settings.Update(update)

	for _, rejected := range result.Rejected {
		l.reject(clientID, protocol.RequestUpdateConfig, rejected.Reason, rejected.Key)
		l.events.Log(fmt.Sprintf("Invalid value for %s: %s", rejected.Key, rejected.Reason))
	}

	if !result.HasChanges() {
		return
	}

	l.announceChanges(result)
	if err != nil {
		l.logger.Error("Failed to save configuration", slog.String("error", err.Error()))
		l.events.Log(fmt.Sprintf("Error saving configuration: %v", err))
		return
	}
	l.events.Log("Configuration saved")
}

// handleExternalChange announces settings edited outside the server.
func (l *Loop) handleExternalChange(result settings.UpdateResult) {
	l.mu.Lock()
	l.externalReloads++
	l.mu.Unlock()

	for _, rejected := range result.Rejected {
		l.events.Log(fmt.Sprintf("Invalid value for %s in settings file: %s", rejected.Key, rejected.Reason))
	}
	if !result.HasChanges() {
		return
	}

	l.announceChanges(result)
	l.events.Log("Configuration reloaded from disk")
}

// announceChanges broadcasts config_updated and one log line per key.
func (l *Loop) announceChanges(result settings.UpdateResult) {
	l.events.Broadcast(protocol.EventConfigUpdated, protocol.ConfigUpdatedPayload{Changed: result.Changed})
	for _, key := range result.ChangedKeys() {
		l.events.Log(fmt.Sprintf("%s updated: %v", key, formatValue(result.Changed[key])))
	}
}

// reject sends request_rejected to clientID.
func (l *Loop) reject(clientID, request, reason, key string) {
	l.mu.Lock()
	l.requestsRejected++
	l.mu.Unlock()

	label := request
	if label == "" {
		label = "unknown"
	}
	l.metrics.RecordRequestRejected(label)

	l.events.SendTo(clientID, protocol.EventRequestRejected, protocol.RejectedPayload{
		Request: request,
		Reason:  reason,
		Key:     key,
	})
}

func formatValue(v any) any {
	if v == nil {
		return "none"
	}
	return v
}

// GetStatistics returns current event loop statistics
func (l *Loop) GetStatistics() LoopStatistics {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return LoopStatistics{
		MessagesReceived:  l.messagesReceived,
		RequestsHandled:   l.requestsHandled,
		RequestsRejected:  l.requestsRejected,
		ClientConnections: l.clientConnections,
		ExternalReloads:   l.externalReloads,
		InboxSize:         uint64(len(l.inbox)),
		InboxCapacity:     uint64(cap(l.inbox)),
		ObservedAt:        time.Now().UTC(),
	}
}

// LoopStatistics represents event loop metrics
type LoopStatistics struct {
	MessagesReceived  uint64    `json:"messages_received"`
	RequestsHandled   uint64    `json:"requests_handled"`
	RequestsRejected  uint64    `json:"requests_rejected"`
	ClientConnections uint64    `json:"client_connections"`
	ExternalReloads   uint64    `json:"external_reloads"`
	InboxSize         uint64    `json:"inbox_size"`
	InboxCapacity     uint64    `json:"inbox_capacity"`
	ObservedAt        time.Time `json:"observed_at"`
}
