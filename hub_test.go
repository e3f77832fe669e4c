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
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dlintw/goconf"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTimeout = 10 * time.Second
)

func newTestHub(t *testing.T, sfu *TestSfu, config *goconf.ConfigFile) (*Hub, *httptest.Server) {
	t.Helper()
	if config == nil {
		config = goconf.NewConfigFile()
	}

	pool, err := NewWorkerPool(context.Background(), sfu, 2)
	require.NoError(t, err)

	hub, err := NewHub(config, sfu, pool, "1.0")
	require.NoError(t, err)
	go hub.Run()

	r := mux.NewRouter()
	r.HandleFunc("/meeting", hub.ServeWS)
	server := httptest.NewServer(r)
	t.Cleanup(func() {
		server.Close()
		hub.Stop()
		pool.Close(context.Background())
	})
	return hub, server
}

type testWSClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func connectTestClient(t *testing.T, server *httptest.Server, meetingId string, participantId string) *testWSClient {
	t.Helper()
	wsURL := strings.Replace(server.URL, "http", "ws", 1) + "/meeting" +
		"?meetingId=" + url.QueryEscape(meetingId) +
		"&participantId=" + url.QueryEscape(participantId)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
	})

	client := &testWSClient{
		t:    t,
		conn: conn,
	}

	welcome := client.WaitForMessage("welcome")
	require.NotNil(t, welcome.Welcome)
	require.Equal(t, "1.0", welcome.Welcome.Version)
	return client
}

func (c *testWSClient) Send(message *ClientMessage) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(testTimeout)) // nolint
	require.NoError(c.t, c.conn.WriteJSON(message))
}

func (c *testWSClient) Read() *ServerMessage {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(testTimeout)) // nolint
	var message ServerMessage
	require.NoError(c.t, c.conn.ReadJSON(&message))
	return &message
}

// WaitForMessage reads messages until one of the given type arrives. Other
// notifications that interleave are dropped.
func (c *testWSClient) WaitForMessage(msgType string) *ServerMessage {
	c.t.Helper()
	for {
		message := c.Read()
		if message.Type == msgType {
			return message
		}
		if message.Type == "error" {
			c.t.Fatalf("received error %+v while waiting for %s", message.Error, msgType)
		}
	}
}

func (c *testWSClient) Close() {
	c.conn.Close()
}

// Join runs the join handshake up to the server confirming the connection
// can be established.
func (c *testWSClient) Join(ticket string) {
	c.t.Helper()
	c.Send(&ClientMessage{
		Id:   "join-1",
		Type: "join",
		Join: &JoinClientMessage{
			Ticket: ticket,
		},
	})

	capabilities := c.WaitForMessage("rtp-capabilities")
	require.Equal(c.t, "join-1", capabilities.Id)
	require.NotNil(c.t, capabilities.Capabilities)
	require.NotEmpty(c.t, capabilities.Capabilities.RtpCapabilities)

	c.Send(&ClientMessage{
		Type: "rtp-capabilities",
		Capabilities: &CapabilitiesMessage{
			RtpCapabilities: testRouterCapabilities,
		},
	})
	c.WaitForMessage("establish-conn")
}

// SetupTransports creates and connects the send and the receive transport.
func (c *testWSClient) SetupTransports() {
	c.t.Helper()
	for _, direction := range []TransportDirection{TransportDirectionSend, TransportDirectionReceive} {
		c.Send(&ClientMessage{
			Id:   "create-" + string(direction),
			Type: "create-transport",
			Transport: &TransportClientMessage{
				Type: direction,
			},
		})
		created := c.WaitForMessage("create-transport")
		require.Equal(c.t, "create-"+string(direction), created.Id)
		require.NotNil(c.t, created.Transport)
		require.NotEmpty(c.t, created.Transport.Id)

		c.Send(&ClientMessage{
			Id:   "connect-" + string(direction),
			Type: "connect-trans",
			Transport: &TransportClientMessage{
				Type:           direction,
				DtlsParameters: testDtlsParameters,
			},
		})
		connected := c.WaitForMessage("connect-trans")
		require.Equal(c.t, "connect-"+string(direction), connected.Id)
	}
}

func (c *testWSClient) Publish(kind MediaKind) *ProducerServerMessage {
	c.t.Helper()
	c.Send(&ClientMessage{
		Id:   "produce-" + string(kind),
		Type: "create-producer",
		Producer: &ProducerClientMessage{
			Kind:          kind,
			RtpParameters: testRouterCapabilities,
		},
	})
	created := c.WaitForMessage("create-producer")
	require.Equal(c.t, "produce-"+string(kind), created.Id)
	require.NotNil(c.t, created.Producer)
	require.Equal(c.t, kind, created.Producer.Kind)
	return created.Producer
}

func TestHub_JoinFlow(t *testing.T) {
	sfu := NewTestSfu()
	hub, server := newTestHub(t, sfu, nil)

	client := connectTestClient(t, server, "meeting-1", "participant-a")
	client.Join("")

	meeting := hub.GetMeeting("meeting-1")
	require.NotNil(t, meeting)
	assert.NotNil(t, meeting.GetParticipant("participant-a"))
}

func TestHub_MessageBeforeJoin(t *testing.T) {
	sfu := NewTestSfu()
	_, server := newTestHub(t, sfu, nil)

	client := connectTestClient(t, server, "meeting-1", "participant-a")
	client.Send(&ClientMessage{
		Id:   "1",
		Type: "create-transport",
		Transport: &TransportClientMessage{
			Type: TransportDirectionSend,
		},
	})

	message := client.Read()
	require.Equal(t, "error", message.Type)
	require.NotNil(t, message.Error)
	assert.Equal(t, "join_expected", message.Error.Code)
}

func TestHub_JoinTicket(t *testing.T) {
	secret := "the-ticket-secret"
	config := goconf.NewConfigFile()
	config.AddOption("sessions", "ticketsecret", secret)

	sfu := NewTestSfu()
	_, server := newTestHub(t, sfu, config)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &TicketClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "participant-a",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		MeetingId: "meeting-1",
	})
	ticket, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	client := connectTestClient(t, server, "meeting-1", "participant-a")
	client.Join(ticket)
}

func TestHub_JoinTicketInvalid(t *testing.T) {
	config := goconf.NewConfigFile()
	config.AddOption("sessions", "ticketsecret", "the-ticket-secret")

	sfu := NewTestSfu()
	_, server := newTestHub(t, sfu, config)

	check := func(t *testing.T, ticket string) {
		client := connectTestClient(t, server, "meeting-1", "participant-a")
		client.Send(&ClientMessage{
			Id:   "join-1",
			Type: "join",
			Join: &JoinClientMessage{
				Ticket: ticket,
			},
		})
		message := client.Read()
		require.Equal(t, "error", message.Type)
		require.NotNil(t, message.Error)
		assert.Equal(t, "invalid_ticket", message.Error.Code)
	}

	t.Run("missing", func(t *testing.T) {
		check(t, "")
	})
	t.Run("garbage", func(t *testing.T) {
		check(t, "not-a-token")
	})
	t.Run("wrong-secret", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, &TicketClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "participant-a",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			},
			MeetingId: "meeting-1",
		})
		ticket, err := token.SignedString([]byte("a-different-secret"))
		require.NoError(t, err)
		check(t, ticket)
	})
	t.Run("other-meeting", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, &TicketClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "participant-a",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			},
			MeetingId: "meeting-2",
		})
		ticket, err := token.SignedString([]byte("the-ticket-secret"))
		require.NoError(t, err)
		check(t, ticket)
	})
}

func TestHub_ProducerFanout(t *testing.T) {
	assert := assert.New(t)
	sfu := NewTestSfu()
	_, server := newTestHub(t, sfu, nil)

	clientA := connectTestClient(t, server, "meeting-1", "participant-a")
	clientA.Join("")
	clientA.SetupTransports()

	clientB := connectTestClient(t, server, "meeting-1", "participant-b")
	clientB.Join("")
	clientB.SetupTransports()

	producer := clientA.Publish(MediaKindVideo)

	consumer := clientB.WaitForMessage("new-consumer")
	require.NotNil(t, consumer.Consumer)
	assert.Equal(producer.Id, consumer.Consumer.ProducerId)
	assert.Equal(MediaKindVideo, consumer.Consumer.Kind)
	assert.Equal("participant-a", consumer.Consumer.ParticipantId)
	assert.NotEmpty(consumer.Consumer.RtpParameters)

	// The consumer starts paused and is resumed explicitly.
	engineConsumer := sfu.GetConsumer(consumer.Consumer.Id)
	require.NotNil(t, engineConsumer)
	assert.True(engineConsumer.Paused())

	clientB.Send(&ClientMessage{
		Id:   "resume-1",
		Type: "unpause-consumer",
		Consumer: &ConsumerClientMessage{
			Id: consumer.Consumer.Id,
		},
	})
	resumed := clientB.WaitForMessage("unpause-consumer")
	assert.Equal("resume-1", resumed.Id)
	assert.False(engineConsumer.Paused())
}

func TestHub_InitializeConsumers(t *testing.T) {
	assert := assert.New(t)
	sfu := NewTestSfu()
	_, server := newTestHub(t, sfu, nil)

	clientA := connectTestClient(t, server, "meeting-1", "participant-a")
	clientA.Join("")
	clientA.SetupTransports()
	producer := clientA.Publish(MediaKindAudio)

	// A late joiner backfills the existing producers.
	clientB := connectTestClient(t, server, "meeting-1", "participant-b")
	clientB.Join("")
	clientB.SetupTransports()
	clientB.Send(&ClientMessage{
		Type: "initialize-consumers",
	})

	consumer := clientB.WaitForMessage("new-consumer")
	require.NotNil(t, consumer.Consumer)
	assert.Equal(producer.Id, consumer.Consumer.ProducerId)
}

func TestHub_ClientDisconnect(t *testing.T) {
	assert := assert.New(t)
	sfu := NewTestSfu()
	hub, server := newTestHub(t, sfu, nil)

	clientA := connectTestClient(t, server, "meeting-1", "participant-a")
	clientA.Join("")
	clientA.SetupTransports()

	clientB := connectTestClient(t, server, "meeting-1", "participant-b")
	clientB.Join("")
	clientB.SetupTransports()

	producer := clientA.Publish(MediaKindVideo)
	clientB.WaitForMessage("new-consumer")

	clientA.Close()

	closed := clientB.WaitForMessage("producer-close")
	require.NotNil(t, closed.Producer)
	assert.Equal(producer.Id, closed.Producer.Id)
	disconnected := clientB.WaitForMessage("client-disconnect")
	require.NotNil(t, disconnected.Participant)
	assert.Equal("participant-a", disconnected.Participant.ParticipantId)

	// Eventually the participant is gone from the meeting.
	require.Eventually(t, func() bool {
		meeting := hub.GetMeeting("meeting-1")
		return meeting != nil && meeting.GetParticipant("participant-a") == nil
	}, testTimeout, 10*time.Millisecond)
}

func TestHub_Leave(t *testing.T) {
	assert := assert.New(t)
	sfu := NewTestSfu()
	hub, server := newTestHub(t, sfu, nil)

	clientA := connectTestClient(t, server, "meeting-1", "participant-a")
	clientA.Join("")

	clientB := connectTestClient(t, server, "meeting-1", "participant-b")
	clientB.Join("")

	clientA.Send(&ClientMessage{
		Id:   "leave-1",
		Type: "leave",
	})
	bye := clientA.WaitForMessage("bye")
	assert.Equal("leave-1", bye.Id)

	meeting := hub.GetMeeting("meeting-1")
	require.NotNil(t, meeting)
	require.Eventually(t, func() bool {
		return meeting.GetParticipant("participant-a") == nil
	}, testTimeout, 10*time.Millisecond)

	// The last participant leaving closes the meeting.
	clientB.Send(&ClientMessage{
		Type: "leave",
	})
	clientB.WaitForMessage("bye")
	require.Eventually(t, func() bool {
		return hub.GetMeeting("meeting-1") == nil
	}, testTimeout, 10*time.Millisecond)
}

func TestHub_ConcurrentJoinSingleRouter(t *testing.T) {
	assert := assert.New(t)
	sfu := NewTestSfu()
	hub, _ := newTestHub(t, sfu, nil)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	count := 32
	meetings := make([]*Meeting, count)
	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			meeting, err := hub.joinMeeting(ctx, "race-meeting")
			if assert.NoError(err) {
				meetings[i] = meeting
			}
		}(i)
	}
	wg.Wait()

	// All joiners got the same meeting backed by a single router.
	var routers int64
	for _, worker := range sfu.Workers() {
		routers += worker.RouterCount()
	}
	assert.EqualValues(1, routers)
	for i := 1; i < count; i++ {
		assert.Same(meetings[0], meetings[i])
	}

	// Releasing all in-flight joiners reaps the empty meeting again.
	for range meetings {
		meetings[0].doneJoining()
	}
	assert.Nil(hub.GetMeeting("race-meeting"))
	var remaining int64
	for _, worker := range sfu.Workers() {
		remaining += worker.RouterCount()
	}
	assert.EqualValues(0, remaining)
}
