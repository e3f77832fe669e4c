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

	"github.com/dlintw/goconf"
)

var (
	ErrNotConnected = errors.New("not connected")

	ErrRouterCreation    = errors.New("could not create router")
	ErrTransportCreation = errors.New("could not create transport")
	ErrTransportNotReady = errors.New("transport not created yet")
	ErrTransportNotFound = errors.New("no such transport")
	ErrTransportClosed   = errors.New("transport is closed")
	ErrTransportExists   = errors.New("transport already exists")
	ErrConnect           = errors.New("could not connect transport")
	ErrProduce           = errors.New("could not create producer")
	ErrConsume           = errors.New("could not create consumer")
)

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func IsValidMediaKind(s string) bool {
	switch MediaKind(s) {
	case MediaKindAudio:
		fallthrough
	case MediaKindVideo:
		return true
	default:
		return false
	}
}

type TransportDirection string

const (
	TransportDirectionSend    TransportDirection = "send"
	TransportDirectionReceive TransportDirection = "receive"
)

func IsValidTransportDirection(s string) bool {
	switch TransportDirection(s) {
	case TransportDirectionSend:
		fallthrough
	case TransportDirectionReceive:
		return true
	default:
		return false
	}
}

// ProducerListener is registered when a producer is created. The producer
// object acts as the subscription handle, closing it detaches the listener
// so no callbacks can reach a session after its cleanup ran.
type ProducerListener interface {
	OnProducerTransportClosed(producer SfuProducer)
}

// ConsumerListener is registered when a consumer is created, with the same
// subscription semantics as ProducerListener.
type ConsumerListener interface {
	OnConsumerProducerClosed(consumer SfuConsumer)
	OnConsumerTransportClosed(consumer SfuConsumer)
	OnConsumerPaused(consumer SfuConsumer)
	OnConsumerResumed(consumer SfuConsumer)
}

// Sfu is the connection to the external media engine.
type Sfu interface {
	Start(ctx context.Context) error
	Stop()
	Reload(config *goconf.ConfigFile)

	CreateWorker(ctx context.Context) (SfuWorker, error)
}

// SfuWorker is an engine process that can host multiple routers. Load
// tracking happens in the worker pool, not the engine.
type SfuWorker interface {
	Id() string

	CreateRouter(ctx context.Context, codecs json.RawMessage) (SfuRouter, error)
	Close(ctx context.Context)
}

// SfuRouter holds the codec capabilities of one meeting.
type SfuRouter interface {
	Id() string
	RtpCapabilities() json.RawMessage

	CanConsume(ctx context.Context, producerId string, rtpCapabilities json.RawMessage) (bool, error)
	CreateTransport(ctx context.Context) (SfuTransport, error)
	Close(ctx context.Context)
}

// SfuTransport is the engine end of one direction of a participant's media
// connection. The ICE / DTLS parameters are opaque to the signaling server
// and relayed verbatim to the client.
type SfuTransport interface {
	Id() string
	IceParameters() json.RawMessage
	IceCandidates() json.RawMessage
	DtlsParameters() json.RawMessage

	Connect(ctx context.Context, dtlsParameters json.RawMessage) error
	Produce(ctx context.Context, kind MediaKind, rtpParameters json.RawMessage, listener ProducerListener) (SfuProducer, error)
	// Consume creates a consumer in the paused state. It must be resumed
	// explicitly once the subscriber's receive pipeline is ready, otherwise
	// the initial media packets could get lost.
	Consume(ctx context.Context, producerId string, rtpCapabilities json.RawMessage, listener ConsumerListener) (SfuConsumer, error)
	Closed() bool
	Close(ctx context.Context)
}

type SfuProducer interface {
	Id() string
	Kind() MediaKind

	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close(ctx context.Context)
}

type SfuConsumer interface {
	Id() string
	ProducerId() string
	Kind() MediaKind
	RtpParameters() json.RawMessage
	Paused() bool

	Resume(ctx context.Context) error
	Close(ctx context.Context)
}
