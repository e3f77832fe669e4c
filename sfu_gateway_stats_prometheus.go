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
	statsGatewayRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "sfu",
		Name:      "requests_total",
		Help:      "The total number of requests sent to the media engine",
	}, []string{"method"})
	statsGatewayReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "sfu",
		Name:      "reconnects_total",
		Help:      "The total number of successful reconnects to the media engine",
	})

	gatewayStats = []prometheus.Collector{
		statsGatewayRequestsTotal,
		statsGatewayReconnectsTotal,
	}
)

func RegisterGatewayStats() {
	registerAll(gatewayStats...)
}
