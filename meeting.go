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
	"log"
	"sync"
)

func init() {
	RegisterMeetingStats()
}

// Meeting owns the router of one conferencing room and the registry of the
// participants that are currently connected to it. The worker is a shared
// reference, the meeting only holds one load slot on it.
type Meeting struct {
	id     string
	hub    *Hub
	router SfuRouter
	worker *PoolWorker

	mu               sync.Mutex
	participants     map[string]*ParticipantSession
	participantOrder []string

	// Number of participants that started joining but have not completed
	// the device capability exchange yet. Keeps the meeting from being
	// reaped while its only participant is still mid-handshake.
	joining int

	closed bool
}

func NewMeeting(id string, hub *Hub, router SfuRouter, worker *PoolWorker) *Meeting {
	statsMeetingsCurrent.Inc()
	statsMeetingsTotal.Inc()
	return &Meeting{
		id:     id,
		hub:    hub,
		router: router,
		worker: worker,

		participants: make(map[string]*ParticipantSession),
	}
}

func (m *Meeting) Id() string {
	return m.id
}

func (m *Meeting) Router() SfuRouter {
	return m.router
}

func (m *Meeting) Worker() *PoolWorker {
	return m.worker
}

// addJoining registers an in-flight join. It fails if the meeting is
// already being torn down, the caller must fetch a fresh meeting from the
// registry then.
func (m *Meeting) addJoining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}

	m.joining++
	return true
}

func (m *Meeting) doneJoining() {
	m.mu.Lock()
	m.joining--
	m.mu.Unlock()
	m.maybeClose()
}

// AddParticipant registers a participant session. A stale session for the
// same participant id is replaced, the last join wins.
func (m *Meeting) AddParticipant(session *ParticipantSession) {
	id := session.ParticipantId()

	m.mu.Lock()
	stale := m.participants[id]
	if stale != nil {
		for i, other := range m.participantOrder {
			if other == id {
				m.participantOrder = append(m.participantOrder[:i], m.participantOrder[i+1:]...)
				break
			}
		}
	}
	m.participants[id] = session
	m.participantOrder = append(m.participantOrder, id)
	m.mu.Unlock()

	statsParticipantsCurrent.Inc()
	statsParticipantsTotal.Inc()
	if stale != nil {
		log.Printf("Replacing stale session of participant %s in meeting %s", id, m.id)
		statsParticipantsCurrent.Dec()
		stale.Close()
	}
}

// GetParticipant returns the registered session of the given participant,
// if any.
func (m *Meeting) GetParticipant(participantId string) *ParticipantSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.participants[participantId]
}

// Participants returns a snapshot of the registered sessions in the order
// they joined.
func (m *Meeting) Participants() []*ParticipantSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*ParticipantSession, 0, len(m.participantOrder))
	for _, id := range m.participantOrder {
		if session, found := m.participants[id]; found {
			result = append(result, session)
		}
	}
	return result
}

// HandleCreateProducer publishes a new producer for the given participant
// and fans it out as consumers to every other current participant. The
// fan-out is best-effort, a failure for one peer neither aborts the fan-out
// to the rest nor fails the publish for the producing participant.
func (m *Meeting) HandleCreateProducer(ctx context.Context, session *ParticipantSession, kind MediaKind, rtpParameters json.RawMessage) (SfuProducer, error) {
	producer, err := session.CreateProducer(ctx, kind, rtpParameters)
	if err != nil {
		return nil, err
	}

	for _, other := range m.Participants() {
		if other == session {
			continue
		}

		if err := other.AddConsumer(ctx, session.ParticipantId(), producer); err != nil {
			log.Printf("Could not fan out producer %s of participant %s to participant %s in meeting %s: %v",
				producer.Id(), session.ParticipantId(), other.ParticipantId(), m.id, err)
		}
	}
	return producer, nil
}

// RemoveParticipant removes the given session from the meeting, closes its
// media objects, tears down all consumers other participants held for its
// producers and, if the meeting became empty, releases the router and the
// worker slot. Removing a session that is no longer registered is a no-op.
func (m *Meeting) RemoveParticipant(session *ParticipantSession, disconnected bool) {
	id := session.ParticipantId()

	m.mu.Lock()
	if m.participants[id] != session {
		m.mu.Unlock()
		return
	}
	delete(m.participants, id)
	for i, other := range m.participantOrder {
		if other == id {
			m.participantOrder = append(m.participantOrder[:i], m.participantOrder[i+1:]...)
			break
		}
	}
	remaining := make([]*ParticipantSession, 0, len(m.participantOrder))
	for _, other := range m.participantOrder {
		if peer, found := m.participants[other]; found {
			remaining = append(remaining, peer)
		}
	}
	m.mu.Unlock()

	statsParticipantsCurrent.Dec()
	producerIds := session.ProducerIds()
	session.Close()

	for _, peer := range remaining {
		peer.CloseConsumersForProducers(producerIds)
		if disconnected {
			peer.SendMessage(&ServerMessage{
				Type: "client-disconnect",
				Participant: &ParticipantServerMessage{
					ParticipantId: id,
				},
			})
		}
	}

	m.maybeClose()
}

func (m *Meeting) maybeClose() {
	m.mu.Lock()
	if m.closed || len(m.participants) > 0 || m.joining > 0 {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	log.Printf("Meeting %s is empty, closing router %s", m.id, m.router.Id())
	m.router.Close(context.Background())
	m.worker.release()
	m.hub.removeMeeting(m)
	statsMeetingsCurrent.Dec()
}
