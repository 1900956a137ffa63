package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/digital-egiz/telemetry-core/internal/alarms"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Subscription topics. A client without subscriptions receives every alarm event.
const (
	TopicAllAlarms    = "alarms"
	deviceTopicPrefix = "device:"
	siteTopicPrefix   = "site:"
)

const (
	clientSendBuffer = 256
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 30 * time.Second
	maxClientMessage = 4096
)

// DeviceTopic is the subscription topic of one device's alarms
func DeviceTopic(deviceID uint) string {
	return deviceTopicPrefix + strconv.FormatUint(uint64(deviceID), 10)
}

// SiteTopic is the subscription topic of one site's alarms
func SiteTopic(siteID uint) string {
	return siteTopicPrefix + strconv.FormatUint(uint64(siteID), 10)
}

// Client represents a websocket client connection
type Client struct {
	id     uuid.UUID
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]bool
}

// NotificationMessage represents a message sent to clients
type NotificationMessage struct {
	Type      alarms.EventType `json:"type"`
	EventID   uuid.UUID        `json:"event_id"`
	Timestamp time.Time        `json:"timestamp"`
	Payload   interface{}      `json:"payload"`
}

var errNotificationsClosed = errors.New("notification service closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// NotificationService pushes alarm events to websocket clients. It is an alarms.Sink.
type NotificationService struct {
	logger     *utils.Logger
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan alarms.Event
	done       chan struct{}
	closeOnce  sync.Once
	mutex      sync.RWMutex
}

// NewNotificationService creates a new notification service and starts its hub
func NewNotificationService(logger *utils.Logger) *NotificationService {
	service := &NotificationService{
		logger:     logger.Named("notification_service"),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan alarms.Event, clientSendBuffer),
		done:       make(chan struct{}),
	}

	go service.run()
	return service
}

// Name identifies the sink in logs and metrics
func (s *NotificationService) Name() string { return "websocket" }

// Deliver queues an alarm event for every interested client
func (s *NotificationService) Deliver(ctx context.Context, event alarms.Event) error {
	select {
	case <-s.done:
		return errNotificationsClosed
	default:
	}

	select {
	case s.broadcast <- event:
		return nil
	case <-s.done:
		return errNotificationsClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleWebSocket upgrades the request and registers the connection
func (s *NotificationService) HandleWebSocket(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	client := &Client{
		id:     uuid.New(),
		conn:   conn,
		send:   make(chan []byte, clientSendBuffer),
		topics: make(map[string]bool),
	}
	for _, topic := range r.URL.Query()["topic"] {
		client.topics[topic] = true
	}

	select {
	case s.register <- client:
	case <-s.done:
		conn.Close()
		return errNotificationsClosed
	}

	go s.readPump(client)
	go s.writePump(client)
	return nil
}

// ClientCount returns the number of connected clients
func (s *NotificationService) ClientCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.clients)
}

// Close disconnects every client and stops the hub
func (s *NotificationService) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// run processes messages in the main loop
func (s *NotificationService) run() {
	for {
		select {
		case client := <-s.register:
			s.mutex.Lock()
			s.clients[client] = true
			s.mutex.Unlock()
			s.logger.Debug("Client registered", zap.String("client_id", client.id.String()))

		case client := <-s.unregister:
			s.removeClient(client)
			s.logger.Debug("Client unregistered", zap.String("client_id", client.id.String()))

		case event := <-s.broadcast:
			s.fanOut(event)

		case <-s.done:
			s.mutex.Lock()
			for client := range s.clients {
				delete(s.clients, client)
				close(client.send)
			}
			s.mutex.Unlock()
			return
		}
	}
}

func (s *NotificationService) fanOut(event alarms.Event) {
	message, err := json.Marshal(NotificationMessage{
		Type:      event.Type,
		EventID:   event.ID,
		Timestamp: event.OccurredAt,
		Payload:   event.Alarm,
	})
	if err != nil {
		s.logger.Error("Failed to marshal notification message",
			zap.Error(err),
			zap.String("type", string(event.Type)))
		return
	}

	s.mutex.RLock()
	var slow []*Client
	for client := range s.clients {
		if !client.wants(event) {
			continue
		}
		select {
		case client.send <- message:
		default:
			slow = append(slow, client)
		}
	}
	s.mutex.RUnlock()

	for _, client := range slow {
		s.removeClient(client)
		s.logger.Warn("Client buffer full, connection closed", zap.String("client_id", client.id.String()))
	}
}

func (s *NotificationService) removeClient(client *Client) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		close(client.send)
	}
}

// wants reports whether the client subscribed to the event's alarm
func (c *Client) wants(event alarms.Event) bool {
	if len(c.topics) == 0 || c.topics[TopicAllAlarms] {
		return true
	}
	if c.topics[DeviceTopic(event.Alarm.DeviceID)] {
		return true
	}
	return event.Alarm.SiteID != nil && c.topics[SiteTopic(*event.Alarm.SiteID)]
}

// readPump reads subscription changes from the client
func (s *NotificationService) readPump(client *Client) {
	defer func() {
		select {
		case s.unregister <- client:
		case <-s.done:
		}
		client.conn.Close()
	}()

	client.conn.SetReadLimit(maxClientMessage)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("Unexpected websocket close",
					zap.Error(err),
					zap.String("client_id", client.id.String()))
			}
			return
		}

		var clientMsg struct {
			Action string `json:"action"`
			Topic  string `json:"topic"`
		}
		if err := json.Unmarshal(message, &clientMsg); err != nil || clientMsg.Topic == "" {
			s.logger.Warn("Invalid client message", zap.ByteString("message", message))
			continue
		}

		s.mutex.Lock()
		switch clientMsg.Action {
		case "subscribe":
			client.topics[clientMsg.Topic] = true
		case "unsubscribe":
			delete(client.topics, clientMsg.Topic)
		}
		s.mutex.Unlock()
	}
}

// writePump writes messages to the client
func (s *NotificationService) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
