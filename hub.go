/**
 * Standalone signaling server for multi-party meetings.
 * Copyright (C) 2024 struktur AG
 *
 * @license GNU AGPL version 3 or any later version
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/dlintw/goconf"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

const (
	websocketReadBufferSize  = 4096
	websocketWriteBufferSize = 4096

	// Clients that have not completed a join after this time are
	// disconnected.
	defaultInitialJoinTimeout = 30 * time.Second

	// Timeout for a single engine request.
	defaultEngineTimeout = 10 * time.Second

	housekeepingInterval = time.Second
)

func init() {
	RegisterHubStats()
}

// pendingMeeting is the in-flight creation of a meeting. Concurrent joins
// to the same new meeting id wait for it instead of creating a second
// router.
type pendingMeeting struct {
	done    chan struct{}
	meeting *Meeting
	err     error
}

// Hub is the process-wide state of the signaling server: the connection to
// the media engine, the worker pool, the registry of active meetings and
// all connected clients.
type Hub struct {
	version string
	sfu     Sfu
	pool    *WorkerPool

	upgrader websocket.Upgrader
	welcome  *ServerMessage

	routerCodecs json.RawMessage

	mu sync.Mutex
	// +checklocks:mu
	clients map[*Client]bool
	// +checklocks:mu
	expectJoin map[*Client]time.Time
	// +checklocks:mu
	joining map[*Client]*Meeting
	// +checklocks:mu
	ticketSecret []byte
	// +checklocks:mu
	joinTimeout time.Duration
	// +checklocks:mu
	engineTimeout time.Duration

	ru sync.Mutex
	// +checklocks:ru
	meetings map[string]*Meeting
	// +checklocks:ru
	pending map[string]*pendingMeeting

	closer *Closer
}

func NewHub(config *goconf.ConfigFile, sfu Sfu, pool *WorkerPool, version string) (*Hub, error) {
	hub := &Hub{
		version: version,
		sfu:     sfu,
		pool:    pool,

		upgrader: websocket.Upgrader{
			ReadBufferSize:  websocketReadBufferSize,
			WriteBufferSize: websocketWriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				// Meetings are protected by join tickets, not by origin.
				return true
			},
		},
		welcome: &ServerMessage{
			Type: "welcome",
			Welcome: &WelcomeServerMessage{
				Version: version,
				Features: []string{
					"join-tickets",
					"producer-pause",
				},
			},
		},

		clients:    make(map[*Client]bool),
		expectJoin: make(map[*Client]time.Time),
		joining:    make(map[*Client]*Meeting),

		meetings: make(map[string]*Meeting),
		pending:  make(map[string]*pendingMeeting),

		closer: NewCloser(),
	}
	if codecs, _ := config.GetString("sfu", "codecs"); codecs != "" {
		if !json.Valid([]byte(codecs)) {
			return nil, fmt.Errorf("option \"codecs\" is not valid JSON")
		}
		hub.routerCodecs = json.RawMessage(codecs)
	}
	hub.loadConfig(config)
	return hub, nil
}

func (h *Hub) loadConfig(config *goconf.ConfigFile) {
	secret, _ := GetStringOptionWithEnv(config, "sessions", "ticketsecret")
	joinTimeout := GetDurationOptionWithDefault(config, "sessions", "jointimeout", defaultInitialJoinTimeout)
	engineTimeout := GetDurationOptionWithDefault(config, "sfu", "timeout", defaultEngineTimeout)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.ticketSecret = []byte(secret)
	h.joinTimeout = joinTimeout
	h.engineTimeout = engineTimeout
}

func (h *Hub) Reload(config *goconf.ConfigFile) {
	h.loadConfig(config)
	h.sfu.Reload(config)
}

func (h *Hub) Run() {
	housekeeping := time.NewTicker(housekeepingInterval)
	defer housekeeping.Stop()

	for {
		select {
		case now := <-housekeeping.C:
			h.performHousekeeping(now)
		case <-h.closer.C:
			return
		}
	}
}

func (h *Hub) Stop() {
	h.closer.Close()

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()
	for _, client := range clients {
		client.Close()
	}
}

func (h *Hub) performHousekeeping(now time.Time) {
	h.mu.Lock()
	var expired []*Client
	for client, deadline := range h.expectJoin {
		if now.After(deadline) {
			expired = append(expired, client)
		}
	}
	h.mu.Unlock()

	for _, client := range expired {
		log.Printf("Client %s from %s did not join, disconnecting", client.ParticipantId(), client.RemoteAddr())
		client.Close()
	}
}

func (h *Hub) getEngineTimeout() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engineTimeout
}

// GetMeeting returns the registered meeting with the given id, if any.
func (h *Hub) GetMeeting(id string) *Meeting {
	h.ru.Lock()
	defer h.ru.Unlock()
	return h.meetings[id]
}

func (h *Hub) createMeeting(ctx context.Context, id string) (*Meeting, error) {
	worker := h.pool.SelectLeastLoaded()
	router, err := worker.Worker().CreateRouter(ctx, h.routerCodecs)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRouterCreation, err)
	}

	worker.acquire()
	log.Printf("Created router %s for meeting %s on worker %s", router.Id(), id, worker.Worker().Id())
	return NewMeeting(id, h, router, worker), nil
}

// getOrCreateMeeting returns the meeting with the given id, creating it if
// necessary. The lookup-then-create sequence is serialized per meeting id
// through a pending entry that concurrent callers wait on, so even racing
// first joins create only a single router.
func (h *Hub) getOrCreateMeeting(ctx context.Context, id string) (*Meeting, error) {
	for {
		h.ru.Lock()
		if meeting, found := h.meetings[id]; found {
			h.ru.Unlock()
			return meeting, nil
		}
		if pending, found := h.pending[id]; found {
			h.ru.Unlock()
			select {
			case <-pending.done:
				if pending.err != nil {
					return nil, pending.err
				}
				// The meeting could have been removed again already,
				// retry the lookup.
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		pending := &pendingMeeting{
			done: make(chan struct{}),
		}
		h.pending[id] = pending
		h.ru.Unlock()

		meeting, err := h.createMeeting(ctx, id)
		pending.meeting = meeting
		pending.err = err

		h.ru.Lock()
		delete(h.pending, id)
		if err == nil {
			h.meetings[id] = meeting
		}
		h.ru.Unlock()
		close(pending.done)

		return meeting, err
	}
}

// joinMeeting returns the meeting with the given id with an in-flight
// joiner slot held on it.
func (h *Hub) joinMeeting(ctx context.Context, id string) (*Meeting, error) {
	for {
		meeting, err := h.getOrCreateMeeting(ctx, id)
		if err != nil {
			return nil, err
		}

		if meeting.addJoining() {
			return meeting, nil
		}
		// The meeting is being torn down, fetch a fresh one.
	}
}

func (h *Hub) removeMeeting(meeting *Meeting) {
	h.ru.Lock()
	defer h.ru.Unlock()
	if h.meetings[meeting.Id()] == meeting {
		delete(h.meetings, meeting.Id())
	}
}

// ServeWS handles an incoming signaling connection. The meeting and the
// participant id are established from the request, everything else happens
// through messages on the channel.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	meetingId := q.Get("meetingId")
	participantId := q.Get("participantId")
	if meetingId == "" || participantId == "" {
		http.Error(w, "missing meetingId / participantId", http.StatusBadRequest)
		return
	}

	addr := getRealUserIP(r)
	agent := r.Header.Get("User-Agent")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Could not upgrade request from %s: %v", addr, err)
		return
	}

	client := NewClient(conn, addr, agent, meetingId, participantId)
	client.OnMessageReceived = h.processMessage
	client.OnClosed = h.processClientClosed
	client.OnRTTReceived = func(client *Client, rtt time.Duration) {
		statsClientRTT.Observe(float64(rtt.Milliseconds()))
	}

	h.mu.Lock()
	h.clients[client] = true
	h.expectJoin[client] = time.Now().Add(h.joinTimeout)
	h.mu.Unlock()
	statsClientsCurrent.Inc()

	client.SendMessage(h.welcome)

	go client.WritePump()
	client.ReadPump()
}

func getRealUserIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}

	return r.RemoteAddr
}

func (h *Hub) processClientClosed(client *Client) {
	h.mu.Lock()
	delete(h.clients, client)
	delete(h.expectJoin, client)
	meeting := h.joining[client]
	delete(h.joining, client)
	h.mu.Unlock()
	statsClientsCurrent.Dec()

	if meeting != nil {
		// The client disconnected before completing the capability
		// exchange.
		meeting.doneJoining()
	}

	if session := client.GetSession(); session != nil {
		session.Meeting().RemoveParticipant(session, true)
	}
}

// messageError converts internal errors to the error sent in a negative
// acknowledgement.
func messageError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	switch {
	case errors.Is(err, ErrRouterCreation):
		return NewError("router_error", err.Error())
	case errors.Is(err, ErrTransportCreation):
		return NewError("transport_error", err.Error())
	case errors.Is(err, ErrTransportNotReady):
		return NewError("transport_not_ready", err.Error())
	case errors.Is(err, ErrTransportNotFound):
		return NewError("transport_not_found", err.Error())
	case errors.Is(err, ErrTransportClosed):
		return NewError("transport_closed", err.Error())
	case errors.Is(err, ErrTransportExists):
		return NewError("transport_exists", err.Error())
	case errors.Is(err, ErrConnect):
		return NewError("connect_error", err.Error())
	case errors.Is(err, ErrProduce):
		return NewError("produce_error", err.Error())
	case errors.Is(err, ErrConsume):
		return NewError("consume_error", err.Error())
	default:
		return NewError("internal_error", err.Error())
	}
}

func (h *Hub) processMessage(client *Client, data []byte) {
	var message ClientMessage
	if err := json.Unmarshal(data, &message); err != nil {
		log.Printf("Error decoding message from client %s in meeting %s: %v", client.ParticipantId(), client.MeetingId(), err)
		client.SendError(InvalidFormat)
		return
	}

	if err := message.CheckValid(); err != nil {
		log.Printf("Invalid message %+v from client %s in meeting %s: %v", message, client.ParticipantId(), client.MeetingId(), err)
		client.SendMessage(message.NewErrorServerMessage(InvalidFormat))
		return
	}

	statsMessagesTotal.WithLabelValues(message.Type).Inc()

	session := client.GetSession()
	if session == nil {
		switch message.Type {
		case "join":
			h.processJoin(client, &message)
		case "rtp-capabilities":
			h.processCapabilities(client, &message)
		default:
			client.SendMessage(message.NewErrorServerMessage(JoinExpected))
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.getEngineTimeout())
	defer cancel()

	switch message.Type {
	case "join":
		log.Printf("Ignore join %+v of already joined client %s in meeting %s", message, client.ParticipantId(), client.MeetingId())
	case "create-transport":
		h.processCreateTransport(ctx, session, &message)
	case "connect-trans":
		h.processConnectTransport(ctx, session, &message)
	case "create-producer":
		h.processCreateProducer(ctx, session, &message)
	case "producer-pause":
		session.PauseProducer(ctx, message.Producer.Id)
	case "producer-resume":
		session.ResumeProducer(ctx, message.Producer.Id)
	case "initialize-consumers":
		session.InitializeConsumers(ctx)
	case "unpause-consumer":
		h.processUnpauseConsumer(ctx, session, &message)
	case "leave":
		h.processLeave(client, session, &message)
	default:
		log.Printf("Ignore unknown message %s from client %s in meeting %s", message, client.ParticipantId(), client.MeetingId())
	}
}

func (h *Hub) verifyTicket(client *Client, message *ClientMessage) *Error {
	h.mu.Lock()
	secret := h.ticketSecret
	h.mu.Unlock()
	if len(secret) == 0 {
		return nil
	}

	var ticket string
	if message.Join != nil {
		ticket = message.Join.Ticket
	}
	if ticket == "" {
		return NewError("invalid_ticket", "A ticket is required to join this server.")
	}

	token, err := jwt.ParseWithClaims(ticket, &TicketClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		return secret, nil
	})
	if err != nil || !token.Valid {
		return NewError("invalid_ticket", "The ticket could not be validated.")
	}

	claims, ok := token.Claims.(*TicketClaims)
	if !ok || claims.Subject != client.ParticipantId() || claims.MeetingId != client.MeetingId() {
		return NewError("invalid_ticket", "The ticket is for a different meeting or participant.")
	}

	return nil
}

func (h *Hub) processJoin(client *Client, message *ClientMessage) {
	h.mu.Lock()
	_, alreadyJoining := h.joining[client]
	joinTimeout := h.joinTimeout
	h.mu.Unlock()
	if alreadyJoining {
		client.SendMessage(message.NewErrorServerMessage(NewError("already_joined", "The client is already joining.")))
		return
	}

	if err := h.verifyTicket(client, message); err != nil {
		client.SendMessage(message.NewErrorServerMessage(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()

	meeting, err := h.joinMeeting(ctx, client.MeetingId())
	if err != nil {
		log.Printf("Could not join client %s to meeting %s: %v", client.ParticipantId(), client.MeetingId(), err)
		client.SendMessage(message.NewErrorServerMessage(messageError(err)))
		return
	}

	h.mu.Lock()
	closed := !client.IsConnected()
	if !closed {
		h.joining[client] = meeting
	}
	h.mu.Unlock()
	if closed {
		meeting.doneJoining()
		return
	}

	// Push the router capabilities, the client acks with the capabilities
	// of its device and is registered then.
	client.SendMessage(&ServerMessage{
		Id:   message.Id,
		Type: "rtp-capabilities",
		Capabilities: &CapabilitiesMessage{
			RtpCapabilities: meeting.Router().RtpCapabilities(),
		},
	})
}

func (h *Hub) processCapabilities(client *Client, message *ClientMessage) {
	h.mu.Lock()
	meeting := h.joining[client]
	delete(h.joining, client)
	delete(h.expectJoin, client)
	h.mu.Unlock()
	if meeting == nil {
		client.SendMessage(message.NewErrorServerMessage(JoinExpected))
		return
	}

	session := NewParticipantSession(meeting, client.ParticipantId(), message.Capabilities.RtpCapabilities, client)
	client.SetSession(session)
	meeting.AddParticipant(session)
	meeting.doneJoining()

	log.Printf("Participant %s joined meeting %s", client.ParticipantId(), meeting.Id())
	session.SendMessage(&ServerMessage{
		Type: "establish-conn",
	})
}

func (h *Hub) processCreateTransport(ctx context.Context, session *ParticipantSession, message *ClientMessage) {
	transport, err := session.CreateTransport(ctx, message.Transport.Type)
	if err != nil {
		log.Printf("Could not create %s transport for participant %s in meeting %s: %v",
			message.Transport.Type, session.ParticipantId(), session.Meeting().Id(), err)
		session.SendMessage(message.NewErrorServerMessage(messageError(err)))
		return
	}

	session.SendMessage(&ServerMessage{
		Id:        message.Id,
		Type:      "create-transport",
		Transport: transport,
	})
}

func (h *Hub) processConnectTransport(ctx context.Context, session *ParticipantSession, message *ClientMessage) {
	if err := session.ConnectTransport(ctx, message.Transport.Type, message.Transport.DtlsParameters); err != nil {
		log.Printf("Could not connect %s transport of participant %s in meeting %s: %v",
			message.Transport.Type, session.ParticipantId(), session.Meeting().Id(), err)
		session.SendMessage(message.NewErrorServerMessage(messageError(err)))
		return
	}

	session.SendMessage(&ServerMessage{
		Id:   message.Id,
		Type: "connect-trans",
	})
}

func (h *Hub) processCreateProducer(ctx context.Context, session *ParticipantSession, message *ClientMessage) {
	producer, err := session.Meeting().HandleCreateProducer(ctx, session, message.Producer.Kind, message.Producer.RtpParameters)
	if err != nil {
		log.Printf("Could not create %s producer for participant %s in meeting %s: %v",
			message.Producer.Kind, session.ParticipantId(), session.Meeting().Id(), err)
		session.SendMessage(message.NewErrorServerMessage(messageError(err)))
		return
	}

	session.SendMessage(&ServerMessage{
		Id:   message.Id,
		Type: "create-producer",
		Producer: &ProducerServerMessage{
			Id:   producer.Id(),
			Kind: producer.Kind(),
		},
	})
}

func (h *Hub) processUnpauseConsumer(ctx context.Context, session *ParticipantSession, message *ClientMessage) {
	if err := session.ResumeConsumer(ctx, message.Consumer.Id); err != nil {
		log.Printf("Could not resume consumer %s of participant %s in meeting %s: %v",
			message.Consumer.Id, session.ParticipantId(), session.Meeting().Id(), err)
		session.SendMessage(message.NewErrorServerMessage(messageError(err)))
		return
	}

	session.SendMessage(&ServerMessage{
		Id:   message.Id,
		Type: "unpause-consumer",
	})
}

func (h *Hub) processLeave(client *Client, session *ParticipantSession, message *ClientMessage) {
	// Detach the channel first so the cleanup can't close the connection
	// before the response was sent, and disconnecting afterwards doesn't
	// run a second cleanup.
	session.DetachClient()
	client.SetSession(nil)

	session.Meeting().RemoveParticipant(session, false)
	client.SendByeResponse(message)
}
