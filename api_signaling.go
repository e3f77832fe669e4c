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
	"encoding/json"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewError(code string, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

func (e *Error) Error() string {
	return e.Message
}

var (
	InvalidFormat = NewError("invalid_format", "Invalid data format.")
	JoinExpected  = NewError("join_expected", "Client has not joined a meeting yet.")
)

// ClientMessage is a message that is sent from a client to the server.
type ClientMessage struct {
	// The unique request id (optional).
	Id string `json:"id,omitempty"`

	// The type of the request.
	Type string `json:"type"`

	// Filled for type "join".
	Join *JoinClientMessage `json:"join,omitempty"`

	// Filled for type "rtp-capabilities" (the response to the capabilities
	// push from the server).
	Capabilities *CapabilitiesMessage `json:"capabilities,omitempty"`

	// Filled for types "create-transport" and "connect-trans".
	Transport *TransportClientMessage `json:"transport,omitempty"`

	// Filled for types "create-producer", "producer-pause" and
	// "producer-resume".
	Producer *ProducerClientMessage `json:"producer,omitempty"`

	// Filled for type "unpause-consumer".
	Consumer *ConsumerClientMessage `json:"consumer,omitempty"`
}

func (m *ClientMessage) CheckValid() error {
	switch m.Type {
	case "":
		return fmt.Errorf("type missing")
	case "join":
		// The ticket is optional, no additional check required.
	case "rtp-capabilities":
		if m.Capabilities == nil {
			return fmt.Errorf("capabilities missing")
		} else if len(m.Capabilities.RtpCapabilities) == 0 {
			return fmt.Errorf("rtpCapabilities missing")
		}
	case "create-transport":
		if m.Transport == nil {
			return fmt.Errorf("transport missing")
		} else if !IsValidTransportDirection(string(m.Transport.Type)) {
			return fmt.Errorf("invalid transport type %s", m.Transport.Type)
		}
	case "connect-trans":
		if m.Transport == nil {
			return fmt.Errorf("transport missing")
		} else if !IsValidTransportDirection(string(m.Transport.Type)) {
			return fmt.Errorf("invalid transport type %s", m.Transport.Type)
		} else if len(m.Transport.DtlsParameters) == 0 {
			return fmt.Errorf("dtlsParameters missing")
		}
	case "create-producer":
		if m.Producer == nil {
			return fmt.Errorf("producer missing")
		} else if !IsValidMediaKind(string(m.Producer.Kind)) {
			return fmt.Errorf("invalid producer kind %s", m.Producer.Kind)
		} else if len(m.Producer.RtpParameters) == 0 {
			return fmt.Errorf("rtpParameters missing")
		}
	case "producer-pause":
		fallthrough
	case "producer-resume":
		if m.Producer == nil {
			return fmt.Errorf("producer missing")
		} else if m.Producer.Id == "" {
			return fmt.Errorf("producer id missing")
		}
	case "initialize-consumers":
		// No additional check required.
	case "unpause-consumer":
		if m.Consumer == nil {
			return fmt.Errorf("consumer missing")
		} else if m.Consumer.Id == "" {
			return fmt.Errorf("consumer id missing")
		}
	case "leave":
		// No additional check required.
	}
	return nil
}

func (m ClientMessage) String() string {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("Could not serialize %#v: %s", m, err)
	}
	return string(data)
}

func (m *ClientMessage) NewErrorServerMessage(e *Error) *ServerMessage {
	return &ServerMessage{
		Id:    m.Id,
		Type:  "error",
		Error: e,
	}
}

func (m *ClientMessage) NewWrappedErrorServerMessage(e error) *ServerMessage {
	if e, ok := e.(*Error); ok {
		return m.NewErrorServerMessage(e)
	}

	return m.NewErrorServerMessage(NewError("internal_error", e.Error()))
}

// ServerMessage is a message that is sent from the server to a client.
type ServerMessage struct {
	Id string `json:"id,omitempty"`

	Type string `json:"type"`

	Error *Error `json:"error,omitempty"`

	Welcome *WelcomeServerMessage `json:"welcome,omitempty"`

	// Filled for type "rtp-capabilities" (the capabilities of the meeting's
	// router).
	Capabilities *CapabilitiesMessage `json:"capabilities,omitempty"`

	// Filled for the "create-transport" response.
	Transport *TransportServerMessage `json:"transport,omitempty"`

	// Filled for the "create-producer" response and the "producer-close" /
	// "producer-transport-close" notifications.
	Producer *ProducerServerMessage `json:"producer,omitempty"`

	// Filled for the "new-consumer", "consumer-pause", "consumer-resume"
	// and "consumer-transport-close" notifications.
	Consumer *ConsumerServerMessage `json:"consumer,omitempty"`

	// Filled for the "client-disconnect" notification.
	Participant *ParticipantServerMessage `json:"participant,omitempty"`

	Bye *ByeServerMessage `json:"bye,omitempty"`
}

func (m ServerMessage) String() string {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("Could not serialize %#v: %s", m, err)
	}
	return string(data)
}

func (m *ServerMessage) CloseAfterSend(session *ParticipantSession) bool {
	return m.Type == "bye"
}

// TicketClaims are the claims of a join ticket issued by the web
// application. The subject is the participant id the ticket was issued for.
type TicketClaims struct {
	jwt.RegisteredClaims

	MeetingId string `json:"mid"`
}

type JoinClientMessage struct {
	// Optional token that authorizes joining the meeting, signed by the web
	// application. Only verified if a ticket secret has been configured.
	Ticket string `json:"ticket,omitempty"`
}

type CapabilitiesMessage struct {
	RtpCapabilities json.RawMessage `json:"rtpCapabilities"`
}

type TransportClientMessage struct {
	Type TransportDirection `json:"type"`

	// Filled for type "connect-trans".
	DtlsParameters json.RawMessage `json:"dtlsParameters,omitempty"`
}

type ProducerClientMessage struct {
	// Filled for types "producer-pause" / "producer-resume".
	Id string `json:"id,omitempty"`

	// Filled for type "create-producer".
	Kind          MediaKind       `json:"kind,omitempty"`
	RtpParameters json.RawMessage `json:"rtpParameters,omitempty"`
}

type ConsumerClientMessage struct {
	Id string `json:"id"`
}

type WelcomeServerMessage struct {
	Version  string   `json:"version,omitempty"`
	Features []string `json:"features,omitempty"`
}

// TransportServerMessage contains the parameters the client needs to
// complete the transport negotiation on its side.
type TransportServerMessage struct {
	Id             string          `json:"id"`
	IceParameters  json.RawMessage `json:"iceParameters,omitempty"`
	IceCandidates  json.RawMessage `json:"iceCandidates,omitempty"`
	DtlsParameters json.RawMessage `json:"dtlsParameters,omitempty"`
}

type ProducerServerMessage struct {
	Id   string    `json:"id"`
	Kind MediaKind `json:"kind,omitempty"`
}

type ConsumerServerMessage struct {
	Id            string          `json:"id,omitempty"`
	ProducerId    string          `json:"producerId,omitempty"`
	Kind          MediaKind       `json:"kind,omitempty"`
	RtpParameters json.RawMessage `json:"rtpParameters,omitempty"`

	// The participant that publishes the producer this consumer is
	// subscribed to, for per-peer attribution in the client UI.
	ParticipantId string `json:"participantId,omitempty"`
}

type ParticipantServerMessage struct {
	ParticipantId string `json:"participantId"`
}

type ByeServerMessage struct {
	Reason string `json:"reason,omitempty"`
}
