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
	"fmt"
	"log"
	"runtime"
	"sync/atomic"
)

func init() {
	RegisterWorkerPoolStats()
}

// DefaultWorkerCount returns the number of engine workers to start if not
// configured explicitly: one per half of the available CPU cores, but at
// least one.
func DefaultWorkerCount() int {
	count := runtime.NumCPU() / 2
	if count < 1 {
		count = 1
	}
	return count
}

// PoolWorker is an engine worker together with the number of routers that
// have been assigned to it.
type PoolWorker struct {
	worker SfuWorker
	load   atomic.Int64
}

func (w *PoolWorker) Worker() SfuWorker {
	return w.worker
}

func (w *PoolWorker) Load() int64 {
	return w.load.Load()
}

// acquire records that a router was assigned to this worker.
func (w *PoolWorker) acquire() {
	w.load.Add(1)
	statsWorkerLoadCurrent.WithLabelValues(w.worker.Id()).Inc()
}

// release records that a router assigned to this worker was closed. The
// load may never become negative, a release only ever follows a matching
// acquire.
func (w *PoolWorker) release() {
	if load := w.load.Add(-1); load < 0 {
		log.Printf("Load of worker %s became negative (%d), this is a bug", w.worker.Id(), load)
		w.load.Store(0)
		return
	}
	statsWorkerLoadCurrent.WithLabelValues(w.worker.Id()).Dec()
}

// WorkerPool is the fixed set of engine workers routers are placed on.
type WorkerPool struct {
	workers []*PoolWorker
}

func NewWorkerPool(ctx context.Context, sfu Sfu, count int) (*WorkerPool, error) {
	if count <= 0 {
		count = DefaultWorkerCount()
	}

	pool := &WorkerPool{}
	for i := 0; i < count; i++ {
		worker, err := sfu.CreateWorker(ctx)
		if err != nil {
			pool.Close(ctx)
			return nil, fmt.Errorf("could not create worker %d: %w", i, err)
		}

		pool.workers = append(pool.workers, &PoolWorker{
			worker: worker,
		})
	}

	log.Printf("Created %d engine workers", count)
	return pool, nil
}

func (p *WorkerPool) Count() int {
	return len(p.workers)
}

// SelectLeastLoaded returns the worker with the lowest number of assigned
// routers, preferring earlier workers on ties. The caller is responsible
// for adjusting the load after assigning a router.
func (p *WorkerPool) SelectLeastLoaded() *PoolWorker {
	var result *PoolWorker
	for _, worker := range p.workers {
		if result == nil || worker.Load() < result.Load() {
			result = worker
		}
	}
	return result
}

func (p *WorkerPool) Close(ctx context.Context) {
	for _, worker := range p.workers {
		worker.worker.Close(ctx)
	}
	p.workers = nil
}
