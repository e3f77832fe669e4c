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
	"sync"
)

// Closer provides a one-shot notification channel that may be closed
// multiple times from different goroutines.
type Closer struct {
	once sync.Once

	C chan struct{}
}

func NewCloser() *Closer {
	return &Closer{
		C: make(chan struct{}),
	}
}

func (c *Closer) IsClosed() bool {
	select {
	case <-c.C:
		return true
	default:
		return false
	}
}

func (c *Closer) Close() {
	c.once.Do(func() {
		close(c.C)
	})
}
