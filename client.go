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
	"bytes"
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Maximum message size allowed from a client.
	maxMessageSize = 64 * 1024

	// Time allowed to write a message to a client.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from a client.
	pongWait = 60 * time.Second

	// Send pings to clients with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var (
	bufferPool BufferPool
)

func init() {
	RegisterClientStats()
}

// WritableClientMessage can be sent to a client over its channel.
type WritableClientMessage interface {
	CloseAfterSend(session *ParticipantSession) bool
}

// Client is the websocket channel of one connected participant.
type Client struct {
	conn    *websocket.Conn
	addr    string
	agent   string
	closed  atomic.Uint32
	session atomic.Pointer[ParticipantSession]

	meetingId     string
	participantId string

	mu sync.Mutex

	closeChan         chan struct{}
	messagesDone      sync.WaitGroup
	messageChan       chan *bytes.Buffer
	messageProcessing atomic.Uint32

	OnClosed          func(*Client)
	OnMessageReceived func(*Client, []byte)
	OnRTTReceived     func(*Client, time.Duration)
}

func NewClient(conn *websocket.Conn, remoteAddress string, agent string, meetingId string, participantId string) *Client {
	remoteAddress = strings.TrimSpace(remoteAddress)
	if remoteAddress == "" {
		remoteAddress = "unknown remote address"
	}
	agent = strings.TrimSpace(agent)
	if agent == "" {
		agent = "unknown user agent"
	}

	return &Client{
		conn:  conn,
		addr:  remoteAddress,
		agent: agent,

		meetingId:     meetingId,
		participantId: participantId,

		closeChan:   make(chan struct{}, 1),
		messageChan: make(chan *bytes.Buffer, 16),

		OnClosed:          func(client *Client) {},
		OnMessageReceived: func(client *Client, data []byte) {},
		OnRTTReceived:     func(client *Client, rtt time.Duration) {},
	}
}

func (c *Client) IsConnected() bool {
	return c.closed.Load() == 0
}

func (c *Client) GetSession() *ParticipantSession {
	return c.session.Load()
}

func (c *Client) SetSession(session *ParticipantSession) {
	c.session.Store(session)
}

func (c *Client) RemoteAddr() string {
	return c.addr
}

func (c *Client) UserAgent() string {
	return c.agent
}

func (c *Client) MeetingId() string {
	return c.meetingId
}

func (c *Client) ParticipantId() string {
	return c.participantId
}

func (c *Client) Close() {
	if !c.closed.CompareAndSwap(0, 1) {
		return
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")) // nolint
	}
	c.mu.Unlock()

	if c.messageProcessing.Load() == 1 {
		// Defer closing until the current message was processed.
		c.closed.Store(2)
		return
	}

	c.doClose()
}

func (c *Client) doClose() {
	c.closeChan <- struct{}{}
	c.messagesDone.Wait()

	c.OnClosed(c)
	c.SetSession(nil)

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) SendError(e *Error) bool {
	message := &ServerMessage{
		Type:  "error",
		Error: e,
	}
	return c.SendMessage(message)
}

func (c *Client) SendByeResponse(message *ClientMessage) bool {
	response := &ServerMessage{
		Type: "bye",
		Bye:  &ByeServerMessage{},
	}
	if message != nil {
		response.Id = message.Id
	}
	return c.SendMessage(response)
}

func (c *Client) SendMessage(message WritableClientMessage) bool {
	return c.writeMessage(message)
}

func (c *Client) ReadPump() {
	defer func() {
		c.Close()
		close(c.messageChan)
	}()

	addr := c.RemoteAddr()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		log.Printf("Connection from %s closed while starting readPump", addr)
		return
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(msg string) error {
		now := time.Now()
		conn.SetReadDeadline(now.Add(pongWait)) // nolint
		if msg == "" {
			return nil
		}
		if ts, err := strconv.ParseInt(msg, 10, 64); err == nil {
			rtt := now.Sub(time.Unix(0, ts))
			c.OnRTTReceived(c, rtt)
		}
		return nil
	})

	go c.processMessages()

	for {
		conn.SetReadDeadline(time.Now().Add(pongWait)) // nolint
		messageType, reader, err := conn.NextReader()
		if err != nil {
			if _, ok := err.(*websocket.CloseError); !ok || websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				log.Printf("Error reading from client %s in meeting %s: %v", c.participantId, c.meetingId, err)
			}
			break
		}

		if messageType != websocket.TextMessage {
			log.Printf("Unsupported message type %v from client %s in meeting %s", messageType, c.participantId, c.meetingId)
			c.SendError(InvalidFormat)
			continue
		}

		decodeBuffer, err := bufferPool.ReadAll(reader)
		if err != nil {
			log.Printf("Error reading message from client %s in meeting %s: %v", c.participantId, c.meetingId, err)
			break
		}

		// Stop processing if the client was closed.
		if c.closed.Load() != 0 {
			bufferPool.Put(decodeBuffer)
			break
		}

		c.messagesDone.Add(1)
		c.messageChan <- decodeBuffer
	}
}

func (c *Client) processMessages() {
	for {
		buffer := <-c.messageChan
		if buffer == nil {
			break
		}

		c.messageProcessing.Store(1)
		c.OnMessageReceived(c, buffer.Bytes())
		c.messageProcessing.Store(0)
		c.messagesDone.Done()
		bufferPool.Put(buffer)
	}

	if c.closed.Load() == 2 {
		c.doClose()
	}
}

func (c *Client) writeInternal(message WritableClientMessage) bool {
	var closeData []byte

	c.conn.SetWriteDeadline(time.Now().Add(writeWait)) // nolint
	writer, err := c.conn.NextWriter(websocket.TextMessage)
	if err == nil {
		err = json.NewEncoder(writer).Encode(message)
	}
	if err == nil {
		err = writer.Close()
	}
	if err != nil {
		if err == websocket.ErrCloseSent {
			// Already sent a "close", won't be able to send anything else.
			return false
		}

		log.Printf("Could not send message %+v to client %s in meeting %s: %v", message, c.participantId, c.meetingId, err)
		closeData = websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "")
		goto close
	}
	return true

close:
	c.conn.SetWriteDeadline(time.Now().Add(writeWait)) // nolint
	if err := c.conn.WriteMessage(websocket.CloseMessage, closeData); err != nil {
		log.Printf("Could not send close message to client %s in meeting %s: %v", c.participantId, c.meetingId, err)
	}
	return false
}

func (c *Client) writeMessage(message WritableClientMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return false
	}

	return c.writeMessageLocked(message)
}

func (c *Client) writeMessageLocked(message WritableClientMessage) bool {
	if !c.writeInternal(message) {
		return false
	}

	session := c.GetSession()
	if message.CloseAfterSend(session) {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))    // nolint
		c.conn.WriteMessage(websocket.CloseMessage, []byte{}) // nolint
		go c.Close()
		return false
	}

	return true
}

func (c *Client) sendPing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return false
	}

	now := time.Now().UnixNano()
	msg := strconv.FormatInt(now, 10)
	c.conn.SetWriteDeadline(time.Now().Add(writeWait)) // nolint
	if err := c.conn.WriteMessage(websocket.PingMessage, []byte(msg)); err != nil {
		log.Printf("Could not send ping to client %s in meeting %s: %v", c.participantId, c.meetingId, err)
		return false
	}

	return true
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
	}()

	// Fetch initial RTT before any messages have been sent to the client.
	c.sendPing()
	for {
		select {
		case <-ticker.C:
			if !c.sendPing() {
				return
			}
		case <-c.closeChan:
			return
		}
	}
}
