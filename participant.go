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
	"fmt"
	"log"
	"sync"
)

// ChannelClient is the signaling connection of one participant.
type ChannelClient interface {
	SendMessage(message WritableClientMessage) bool
	Close()
}

// ParticipantSession holds the media state of one connected participant:
// its transports, the producers it publishes and the consumers it is
// subscribed to. It is owned exclusively by its meeting.
type ParticipantSession struct {
	meeting       *Meeting
	participantId string

	deviceCapabilities json.RawMessage

	mu     sync.Mutex
	client ChannelClient

	sendTransport SfuTransport
	recvTransport SfuTransport
	sendConnected bool
	recvConnected bool

	producers     map[string]SfuProducer
	producerOrder []string
	consumers     []SfuConsumer

	// The publisher of each consumed producer, for per-peer attribution.
	consumerPublishers map[string]string

	closed bool
}

func NewParticipantSession(meeting *Meeting, participantId string, deviceCapabilities json.RawMessage, client ChannelClient) *ParticipantSession {
	return &ParticipantSession{
		meeting:       meeting,
		participantId: participantId,

		deviceCapabilities: deviceCapabilities,

		client: client,

		producers:          make(map[string]SfuProducer),
		consumerPublishers: make(map[string]string),
	}
}

func (s *ParticipantSession) ParticipantId() string {
	return s.participantId
}

func (s *ParticipantSession) Meeting() *Meeting {
	return s.meeting
}

func (s *ParticipantSession) DeviceCapabilities() json.RawMessage {
	return s.deviceCapabilities
}

func (s *ParticipantSession) SendMessage(message WritableClientMessage) bool {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return false
	}

	return client.SendMessage(message)
}

func (s *ParticipantSession) getTransportLocked(direction TransportDirection) SfuTransport {
	if direction == TransportDirectionSend {
		return s.sendTransport
	}
	return s.recvTransport
}

func (s *ParticipantSession) setTransportLocked(direction TransportDirection, transport SfuTransport) {
	if direction == TransportDirectionSend {
		s.sendTransport = transport
	} else {
		s.recvTransport = transport
	}
}

// CreateTransport creates the transport of the given direction. There may
// be at most one per direction, a second request fails instead of silently
// replacing (and leaking) the first transport.
func (s *ParticipantSession) CreateTransport(ctx context.Context, direction TransportDirection) (*TransportServerMessage, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrTransportClosed
	}
	if s.getTransportLocked(direction) != nil {
		s.mu.Unlock()
		return nil, ErrTransportExists
	}
	s.mu.Unlock()

	transport, err := s.meeting.Router().CreateTransport(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTransportCreation, err)
	}

	s.mu.Lock()
	if s.closed || s.getTransportLocked(direction) != nil {
		s.mu.Unlock()
		transport.Close(ctx)
		return nil, ErrTransportExists
	}
	s.setTransportLocked(direction, transport)
	s.mu.Unlock()

	return &TransportServerMessage{
		Id:             transport.Id(),
		IceParameters:  transport.IceParameters(),
		IceCandidates:  transport.IceCandidates(),
		DtlsParameters: transport.DtlsParameters(),
	}, nil
}

// ConnectTransport completes the DTLS handshake of the given transport.
// Connecting an already connected transport is a no-op returning success,
// so retried connect messages after a reconnection don't fail.
func (s *ParticipantSession) ConnectTransport(ctx context.Context, direction TransportDirection, dtlsParameters json.RawMessage) error {
	s.mu.Lock()
	transport := s.getTransportLocked(direction)
	if transport == nil {
		s.mu.Unlock()
		return ErrTransportNotFound
	}
	if transport.Closed() {
		s.mu.Unlock()
		return ErrTransportClosed
	}
	var connected bool
	if direction == TransportDirectionSend {
		connected = s.sendConnected
	} else {
		connected = s.recvConnected
	}
	s.mu.Unlock()
	if connected {
		return nil
	}

	if err := transport.Connect(ctx, dtlsParameters); err != nil {
		return fmt.Errorf("%w: %s", ErrConnect, err)
	}

	s.mu.Lock()
	if direction == TransportDirectionSend {
		s.sendConnected = true
	} else {
		s.recvConnected = true
	}
	s.mu.Unlock()
	return nil
}

// CreateProducer publishes a new track on the send transport.
func (s *ParticipantSession) CreateProducer(ctx context.Context, kind MediaKind, rtpParameters json.RawMessage) (SfuProducer, error) {
	s.mu.Lock()
	transport := s.sendTransport
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrTransportClosed
	}
	if transport == nil {
		return nil, ErrTransportNotReady
	}

	producer, err := transport.Produce(ctx, kind, rtpParameters, s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProduce, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		producer.Close(ctx)
		return nil, ErrTransportClosed
	}
	if _, found := s.producers[producer.Id()]; !found {
		s.producers[producer.Id()] = producer
		s.producerOrder = append(s.producerOrder, producer.Id())
	}
	s.mu.Unlock()

	statsProducersCurrent.Inc()
	return producer, nil
}

func (s *ParticipantSession) hasConsumerLocked(producerId string) bool {
	for _, consumer := range s.consumers {
		if consumer.ProducerId() == producerId {
			return true
		}
	}
	return false
}

// AddConsumer subscribes this participant to the given producer. Adding a
// consumer for a producer that is already consumed is a no-op, this guards
// against duplicate fan-out when an "initialize-consumers" backfill
// overlaps with a live publish of the same producer.
func (s *ParticipantSession) AddConsumer(ctx context.Context, publisherId string, producer SfuProducer) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	transport := s.recvTransport
	if transport == nil {
		s.mu.Unlock()
		return ErrTransportNotReady
	}
	if s.hasConsumerLocked(producer.Id()) {
		s.mu.Unlock()
		return nil
	}
	capabilities := s.deviceCapabilities
	s.mu.Unlock()

	canConsume, err := s.meeting.Router().CanConsume(ctx, producer.Id(), capabilities)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrConsume, err)
	}
	if !canConsume {
		// The participant's device can not decode this codec. This is an
		// expected condition, not an error.
		return nil
	}

	consumer, err := transport.Consume(ctx, producer.Id(), capabilities, s)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrConsume, err)
	}

	s.mu.Lock()
	if s.closed || s.hasConsumerLocked(producer.Id()) {
		// Lost the race with a concurrent subscribe for the same producer.
		s.mu.Unlock()
		consumer.Close(ctx)
		return nil
	}
	s.consumers = append(s.consumers, consumer)
	s.consumerPublishers[consumer.Id()] = publisherId
	s.mu.Unlock()

	statsConsumersCurrent.Inc()
	s.SendMessage(&ServerMessage{
		Type: "new-consumer",
		Consumer: &ConsumerServerMessage{
			Id:            consumer.Id(),
			ProducerId:    consumer.ProducerId(),
			Kind:          consumer.Kind(),
			RtpParameters: consumer.RtpParameters(),
			ParticipantId: publisherId,
		},
	})
	return nil
}

// InitializeConsumers backfills consumers for all producers that were
// published before this participant arrived. It is usually only a couple of
// producers per participant, so the nested loop is fine.
func (s *ParticipantSession) InitializeConsumers(ctx context.Context) {
	for _, other := range s.meeting.Participants() {
		if other == s {
			continue
		}

		for _, producer := range other.Producers() {
			if err := s.AddConsumer(ctx, other.ParticipantId(), producer); err != nil {
				log.Printf("Could not consume producer %s of participant %s for participant %s in meeting %s: %v",
					producer.Id(), other.ParticipantId(), s.participantId, s.meeting.Id(), err)
			}
		}
	}
}

func (s *ParticipantSession) getConsumer(consumerId string) SfuConsumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, consumer := range s.consumers {
		if consumer.Id() == consumerId {
			return consumer
		}
	}
	return nil
}

// ResumeConsumer unpauses a consumer once the subscriber's receive pipeline
// is ready for it.
func (s *ParticipantSession) ResumeConsumer(ctx context.Context, consumerId string) error {
	consumer := s.getConsumer(consumerId)
	if consumer == nil {
		return NewError("unknown_consumer", "No such consumer exists.")
	}

	return consumer.Resume(ctx)
}

func (s *ParticipantSession) getProducer(producerId string) SfuProducer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.producers[producerId]
}

func (s *ParticipantSession) PauseProducer(ctx context.Context, producerId string) {
	producer := s.getProducer(producerId)
	if producer == nil {
		return
	}

	if err := producer.Pause(ctx); err != nil {
		log.Printf("Could not pause producer %s of participant %s in meeting %s: %v", producerId, s.participantId, s.meeting.Id(), err)
	}
}

func (s *ParticipantSession) ResumeProducer(ctx context.Context, producerId string) {
	producer := s.getProducer(producerId)
	if producer == nil {
		return
	}

	if err := producer.Resume(ctx); err != nil {
		log.Printf("Could not resume producer %s of participant %s in meeting %s: %v", producerId, s.participantId, s.meeting.Id(), err)
	}
}

// Producers returns the published producers in the order they were created.
func (s *ParticipantSession) Producers() []SfuProducer {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]SfuProducer, 0, len(s.producerOrder))
	for _, id := range s.producerOrder {
		if producer, found := s.producers[id]; found {
			result = append(result, producer)
		}
	}
	return result
}

func (s *ParticipantSession) ProducerIds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.producerOrder...)
}

func (s *ParticipantSession) Consumers() []SfuConsumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SfuConsumer{}, s.consumers...)
}

// CloseConsumersForProducers closes and removes all consumers that are
// subscribed to one of the given producers, notifying the channel so the
// client-side tracks are torn down. Called when the publishing participant
// leaves.
func (s *ParticipantSession) CloseConsumersForProducers(producerIds []string) {
	closing := make(map[string]bool, len(producerIds))
	for _, id := range producerIds {
		closing[id] = true
	}

	var removed []SfuConsumer
	s.mu.Lock()
	kept := s.consumers[:0]
	for _, consumer := range s.consumers {
		if closing[consumer.ProducerId()] {
			removed = append(removed, consumer)
			delete(s.consumerPublishers, consumer.Id())
		} else {
			kept = append(kept, consumer)
		}
	}
	s.consumers = kept
	s.mu.Unlock()

	ctx := context.Background()
	for _, consumer := range removed {
		consumer.Close(ctx)
		statsConsumersCurrent.Dec()
		s.SendMessage(&ServerMessage{
			Type: "producer-close",
			Producer: &ProducerServerMessage{
				Id: consumer.ProducerId(),
			},
		})
	}
}

// CloseTransports closes the transports if they exist and are not closed
// already. Errors while closing are logged by the engine client and never
// propagated, cleanup must always run to completion.
func (s *ParticipantSession) CloseTransports() {
	s.mu.Lock()
	send := s.sendTransport
	recv := s.recvTransport
	s.sendTransport = nil
	s.recvTransport = nil
	s.mu.Unlock()

	ctx := context.Background()
	if send != nil && !send.Closed() {
		send.Close(ctx)
	}
	if recv != nil && !recv.Closed() {
		recv.Close(ctx)
	}
}

func (s *ParticipantSession) releaseMediaObjects() {
	s.mu.Lock()
	producers := make([]SfuProducer, 0, len(s.producers))
	for _, id := range s.producerOrder {
		if producer, found := s.producers[id]; found {
			producers = append(producers, producer)
		}
	}
	s.producers = make(map[string]SfuProducer)
	s.producerOrder = nil
	consumers := s.consumers
	s.consumers = nil
	s.consumerPublishers = make(map[string]string)
	s.mu.Unlock()

	ctx := context.Background()
	for _, producer := range producers {
		producer.Close(ctx)
		statsProducersCurrent.Dec()
	}
	for _, consumer := range consumers {
		consumer.Close(ctx)
		statsConsumersCurrent.Dec()
	}
	s.CloseTransports()
}

// DetachClient disconnects the session from its channel without closing
// either one. Used on a clean leave where the response still has to go out
// on the channel after the session was cleaned up.
func (s *ParticipantSession) DetachClient() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = nil
}

// Close releases all media objects of this session and closes its channel.
func (s *ParticipantSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	client := s.client
	s.client = nil
	s.mu.Unlock()

	s.releaseMediaObjects()
	if client != nil {
		client.Close()
	}
}

func (s *ParticipantSession) OnProducerTransportClosed(producer SfuProducer) {
	s.mu.Lock()
	if _, found := s.producers[producer.Id()]; found {
		delete(s.producers, producer.Id())
		for i, id := range s.producerOrder {
			if id == producer.Id() {
				s.producerOrder = append(s.producerOrder[:i], s.producerOrder[i+1:]...)
				break
			}
		}
		statsProducersCurrent.Dec()
	}
	s.mu.Unlock()

	s.SendMessage(&ServerMessage{
		Type: "producer-transport-close",
		Producer: &ProducerServerMessage{
			Id: producer.Id(),
		},
	})
}

func (s *ParticipantSession) removeConsumer(consumer SfuConsumer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.consumers {
		if c.Id() == consumer.Id() {
			s.consumers = append(s.consumers[:i], s.consumers[i+1:]...)
			delete(s.consumerPublishers, consumer.Id())
			statsConsumersCurrent.Dec()
			return true
		}
	}
	return false
}

func (s *ParticipantSession) OnConsumerProducerClosed(consumer SfuConsumer) {
	if !s.removeConsumer(consumer) {
		return
	}

	s.SendMessage(&ServerMessage{
		Type: "producer-close",
		Producer: &ProducerServerMessage{
			Id: consumer.ProducerId(),
		},
	})
}

func (s *ParticipantSession) OnConsumerTransportClosed(consumer SfuConsumer) {
	if !s.removeConsumer(consumer) {
		return
	}

	s.SendMessage(&ServerMessage{
		Type: "consumer-transport-close",
		Consumer: &ConsumerServerMessage{
			Id:         consumer.Id(),
			ProducerId: consumer.ProducerId(),
		},
	})
}

func (s *ParticipantSession) OnConsumerPaused(consumer SfuConsumer) {
	s.SendMessage(&ServerMessage{
		Type: "consumer-pause",
		Consumer: &ConsumerServerMessage{
			Id:         consumer.Id(),
			ProducerId: consumer.ProducerId(),
		},
	})
}

func (s *ParticipantSession) OnConsumerResumed(consumer SfuConsumer) {
	s.SendMessage(&ServerMessage{
		Type: "consumer-resume",
		Consumer: &ConsumerServerMessage{
			Id:         consumer.Id(),
			ProducerId: consumer.ProducerId(),
		},
	})
}
