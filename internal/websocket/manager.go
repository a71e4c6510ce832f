package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"
)

var ErrTooManyConnections = errors.New("too many connections for user")

type Manager struct {
	clients           map[string]*Client
	userIndex         map[int64]map[string]bool
	lessonIndex       map[string]map[string]*Client
	clientsMutex      sync.RWMutex
	maxConnPerUser    int
	writeWait         time.Duration
	pongWait          time.Duration
	pingPeriod        time.Duration
	maxMessageSize    int64
	messageHandler    MessageHandler
	disconnectHandler DisconnectHandler
}

type MessageHandler interface {
	HandleWebSocketMessage(client *Client, msg *Message) error
}

// DisconnectHandler is told once about every client that goes away.
type DisconnectHandler interface {
	HandleDisconnect(client *Client)
}

type Options struct {
	MaxConnPerUser int
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
}

func NewManager(opts Options) *Manager {
	if opts.MaxConnPerUser <= 0 {
		opts.MaxConnPerUser = 5
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 1 << 20
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PingPeriod = opts.PongWait * 9 / 10
	}
	return &Manager{
		clients:        make(map[string]*Client),
		userIndex:      make(map[int64]map[string]bool),
		lessonIndex:    make(map[string]map[string]*Client),
		maxConnPerUser: opts.MaxConnPerUser,
		writeWait:      opts.WriteWait,
		pongWait:       opts.PongWait,
		pingPeriod:     opts.PingPeriod,
		maxMessageSize: opts.MaxMessageSize,
	}
}

func (m *Manager) SetMessageHandler(handler MessageHandler) {
	m.messageHandler = handler
}

func (m *Manager) SetDisconnectHandler(handler DisconnectHandler) {
	m.disconnectHandler = handler
}

// Run blocks until ctx is done and then closes every connection.
func (m *Manager) Run(ctx context.Context) {
	<-ctx.Done()

	m.clientsMutex.RLock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clientsMutex.RUnlock()

	for _, c := range clients {
		m.Unregister(c)
	}
	log.Printf("[WebSocket] manager stopped, closed %d connections", len(clients))
}

func (m *Manager) Register(client *Client) error {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if len(m.userIndex[client.UserID]) >= m.maxConnPerUser {
		log.Printf("[WebSocket] max connections reached for user %d", client.UserID)
		return ErrTooManyConnections
	}

	if m.userIndex[client.UserID] == nil {
		m.userIndex[client.UserID] = make(map[string]bool)
	}
	if m.lessonIndex[client.LessonID] == nil {
		m.lessonIndex[client.LessonID] = make(map[string]*Client)
	}

	m.clients[client.ID] = client
	m.userIndex[client.UserID][client.ID] = true
	m.lessonIndex[client.LessonID][client.ID] = client

	log.Printf("[WebSocket] client registered: %s (user: %d, lesson: %s)", client.ID, client.UserID, client.LessonID)
	return nil
}

// Unregister removes the client and closes its send channel. Safe to call
// more than once; the disconnect handler runs only the first time.
func (m *Manager) Unregister(client *Client) {
	if !m.remove(client) {
		return
	}
	if m.disconnectHandler != nil {
		m.disconnectHandler.HandleDisconnect(client)
	}
}

func (m *Manager) remove(client *Client) bool {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if _, ok := m.clients[client.ID]; !ok {
		return false
	}

	delete(m.clients, client.ID)
	delete(m.userIndex[client.UserID], client.ID)
	if len(m.userIndex[client.UserID]) == 0 {
		delete(m.userIndex, client.UserID)
	}
	delete(m.lessonIndex[client.LessonID], client.ID)
	if len(m.lessonIndex[client.LessonID]) == 0 {
		delete(m.lessonIndex, client.LessonID)
	}

	close(client.Send)
	log.Printf("[WebSocket] client unregistered: %s", client.ID)
	return true
}

// BroadcastToLesson delivers message to every client of the lesson except
// excludeClientID. Clients whose buffer is full are dropped.
func (m *Manager) BroadcastToLesson(lessonID string, message *Message, excludeClientID string) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	var slow []*Client

	m.clientsMutex.RLock()
	for clientID, client := range m.lessonIndex[lessonID] {
		if clientID == excludeClientID {
			continue
		}
		select {
		case client.Send <- messageBytes:
		default:
			slow = append(slow, client)
		}
	}
	m.clientsMutex.RUnlock()

	for _, client := range slow {
		log.Printf("[WebSocket] client %s send buffer full, closing connection", client.ID)
		m.Unregister(client)
	}
	return nil
}

func (m *Manager) SendToClient(clientID string, message *Message) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	client, exists := m.clients[clientID]
	if !exists {
		return nil
	}

	select {
	case client.Send <- messageBytes:
	default:
		log.Printf("[WebSocket] client %s send buffer full", clientID)
	}
	return nil
}

// SendError replies to one client with an error message.
func (m *Manager) SendError(clientID string, requestType MessageType, code, text string) {
	msg, err := NewMessage(TypeError, &ErrorPayload{Code: code, Message: text, RequestType: requestType})
	if err != nil {
		return
	}
	if err := m.SendToClient(clientID, msg); err != nil {
		log.Printf("[WebSocket] failed to send error to %s: %v", clientID, err)
	}
}

func (m *Manager) LessonConnections(lessonID string) int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()
	return len(m.lessonIndex[lessonID])
}
