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
	"github.com/prometheus/client_golang/prometheus"
)

var (
	statsMeetingsCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "meeting",
		Name:      "meetings",
		Help:      "The current number of meetings",
	})
	statsMeetingsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "meeting",
		Name:      "meetings_total",
		Help:      "The total number of created meetings",
	})
	statsParticipantsCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "meeting",
		Name:      "participants",
		Help:      "The current number of joined participants",
	})
	statsParticipantsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "meeting",
		Name:      "participants_total",
		Help:      "The total number of joined participants",
	})
	statsProducersCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "meeting",
		Name:      "producers",
		Help:      "The current number of producers",
	})
	statsConsumersCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "meeting",
		Name:      "consumers",
		Help:      "The current number of consumers",
	})

	meetingStats = []prometheus.Collector{
		statsMeetingsCurrent,
		statsMeetingsTotal,
		statsParticipantsCurrent,
		statsParticipantsTotal,
		statsProducersCurrent,
		statsConsumersCurrent,
	}
)

func RegisterMeetingStats() {
	registerAll(meetingStats...)
}
