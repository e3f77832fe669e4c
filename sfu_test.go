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
	"sync"
	"sync/atomic"

	"github.com/dlintw/goconf"
)

var (
	testRouterCapabilities = json.RawMessage(`{"codecs":[{"kind":"audio","mimeType":"audio/opus"},{"kind":"video","mimeType":"video/VP8"}]}`)
	testIceParameters      = json.RawMessage(`{"usernameFragment":"test","password":"secret"}`)
	testIceCandidates      = json.RawMessage(`[{"ip":"127.0.0.1","port":10000}]`)
	testDtlsParameters     = json.RawMessage(`{"role":"auto","fingerprints":[]}`)
)

// TestSfu is an in-process fake of the media engine. Events that a real
// engine would deliver asynchronously are fired synchronously from the call
// that triggers them, which makes tests deterministic.
type TestSfu struct {
	mu sync.Mutex

	nextWorker    atomic.Uint64
	nextRouter    atomic.Uint64
	nextTransport atomic.Uint64
	nextProducer  atomic.Uint64
	nextConsumer  atomic.Uint64

	workers    []*TestSfuWorker
	transports map[string]*TestSfuTransport
	producers  map[string]*TestSfuProducer
	consumers  map[string]*TestSfuConsumer

	// CanConsumeFunc overrides the codec compatibility check of routers.
	// All producers can be consumed if unset.
	CanConsumeFunc func(producerId string, rtpCapabilities json.RawMessage) (bool, error)
}

func NewTestSfu() *TestSfu {
	return &TestSfu{
		transports: make(map[string]*TestSfuTransport),
		producers:  make(map[string]*TestSfuProducer),
		consumers:  make(map[string]*TestSfuConsumer),
	}
}

func (s *TestSfu) Start(ctx context.Context) error {
	return nil
}

func (s *TestSfu) Stop() {
}

func (s *TestSfu) Reload(config *goconf.ConfigFile) {
}

func (s *TestSfu) CreateWorker(ctx context.Context) (SfuWorker, error) {
	worker := &TestSfuWorker{
		sfu: s,
		id:  fmt.Sprintf("worker-%d", s.nextWorker.Add(1)),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = append(s.workers, worker)
	return worker, nil
}

func (s *TestSfu) Workers() []*TestSfuWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*TestSfuWorker{}, s.workers...)
}

func (s *TestSfu) GetTransport(id string) *TestSfuTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transports[id]
}

func (s *TestSfu) GetProducer(id string) *TestSfuProducer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.producers[id]
}

func (s *TestSfu) GetConsumer(id string) *TestSfuConsumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumers[id]
}

func (s *TestSfu) ConsumerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumers)
}

type TestSfuWorker struct {
	sfu *TestSfu
	id  string

	routers atomic.Int64
	closed  atomic.Bool
}

func (w *TestSfuWorker) Id() string {
	return w.id
}

func (w *TestSfuWorker) RouterCount() int64 {
	return w.routers.Load()
}

func (w *TestSfuWorker) Closed() bool {
	return w.closed.Load()
}

func (w *TestSfuWorker) CreateRouter(ctx context.Context, codecs json.RawMessage) (SfuRouter, error) {
	w.routers.Add(1)
	return &TestSfuRouter{
		sfu:    w.sfu,
		worker: w,
		id:     fmt.Sprintf("router-%d", w.sfu.nextRouter.Add(1)),
		codecs: codecs,
	}, nil
}

func (w *TestSfuWorker) Close(ctx context.Context) {
	w.closed.Store(true)
}

type TestSfuRouter struct {
	sfu    *TestSfu
	worker *TestSfuWorker
	id     string
	codecs json.RawMessage

	closed atomic.Bool
}

func (r *TestSfuRouter) Id() string {
	return r.id
}

func (r *TestSfuRouter) RtpCapabilities() json.RawMessage {
	return testRouterCapabilities
}

func (r *TestSfuRouter) Closed() bool {
	return r.closed.Load()
}

func (r *TestSfuRouter) CanConsume(ctx context.Context, producerId string, rtpCapabilities json.RawMessage) (bool, error) {
	if f := r.sfu.CanConsumeFunc; f != nil {
		return f(producerId, rtpCapabilities)
	}

	return true, nil
}

func (r *TestSfuRouter) CreateTransport(ctx context.Context) (SfuTransport, error) {
	transport := &TestSfuTransport{
		sfu:    r.sfu,
		router: r,
		id:     fmt.Sprintf("transport-%d", r.sfu.nextTransport.Add(1)),
	}

	r.sfu.mu.Lock()
	defer r.sfu.mu.Unlock()
	r.sfu.transports[transport.id] = transport
	return transport, nil
}

func (r *TestSfuRouter) Close(ctx context.Context) {
	if r.closed.CompareAndSwap(false, true) {
		r.worker.routers.Add(-1)
	}
}

type TestSfuTransport struct {
	sfu    *TestSfu
	router *TestSfuRouter
	id     string

	connectCalls atomic.Int64
	closed       atomic.Bool

	mu        sync.Mutex
	producers []*TestSfuProducer
	consumers []*TestSfuConsumer
}

func (t *TestSfuTransport) Id() string {
	return t.id
}

func (t *TestSfuTransport) IceParameters() json.RawMessage {
	return testIceParameters
}

func (t *TestSfuTransport) IceCandidates() json.RawMessage {
	return testIceCandidates
}

func (t *TestSfuTransport) DtlsParameters() json.RawMessage {
	return testDtlsParameters
}

func (t *TestSfuTransport) ConnectCalls() int64 {
	return t.connectCalls.Load()
}

func (t *TestSfuTransport) Connect(ctx context.Context, dtlsParameters json.RawMessage) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	t.connectCalls.Add(1)
	return nil
}

func (t *TestSfuTransport) Produce(ctx context.Context, kind MediaKind, rtpParameters json.RawMessage, listener ProducerListener) (SfuProducer, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}

	producer := &TestSfuProducer{
		sfu:       t.sfu,
		transport: t,
		id:        fmt.Sprintf("producer-%d", t.sfu.nextProducer.Add(1)),
		kind:      kind,
		listener:  listener,
	}

	t.mu.Lock()
	t.producers = append(t.producers, producer)
	t.mu.Unlock()
	t.sfu.mu.Lock()
	t.sfu.producers[producer.id] = producer
	t.sfu.mu.Unlock()
	return producer, nil
}

func (t *TestSfuTransport) Consume(ctx context.Context, producerId string, rtpCapabilities json.RawMessage, listener ConsumerListener) (SfuConsumer, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}

	kind := MediaKindAudio
	t.sfu.mu.Lock()
	producer := t.sfu.producers[producerId]
	t.sfu.mu.Unlock()
	if producer != nil {
		kind = producer.kind
	}

	consumer := &TestSfuConsumer{
		sfu:           t.sfu,
		transport:     t,
		id:            fmt.Sprintf("consumer-%d", t.sfu.nextConsumer.Add(1)),
		producerId:    producerId,
		kind:          kind,
		rtpParameters: rtpCapabilities,
		listener:      listener,
	}
	consumer.paused.Store(true)

	t.mu.Lock()
	t.consumers = append(t.consumers, consumer)
	t.mu.Unlock()
	t.sfu.mu.Lock()
	t.sfu.consumers[consumer.id] = consumer
	t.sfu.mu.Unlock()
	return consumer, nil
}

func (t *TestSfuTransport) Closed() bool {
	return t.closed.Load()
}

func (t *TestSfuTransport) Close(ctx context.Context) {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}

	t.mu.Lock()
	producers := t.producers
	t.producers = nil
	consumers := t.consumers
	t.consumers = nil
	t.mu.Unlock()

	for _, producer := range producers {
		if producer.detach() {
			producer.listener.OnProducerTransportClosed(producer)
		}
	}
	for _, consumer := range consumers {
		if consumer.detach() {
			consumer.listener.OnConsumerTransportClosed(consumer)
		}
	}
}

type TestSfuProducer struct {
	sfu       *TestSfu
	transport *TestSfuTransport
	id        string
	kind      MediaKind
	listener  ProducerListener

	paused atomic.Bool
	closed atomic.Bool
}

func (p *TestSfuProducer) Id() string {
	return p.id
}

func (p *TestSfuProducer) Kind() MediaKind {
	return p.kind
}

func (p *TestSfuProducer) Paused() bool {
	return p.paused.Load()
}

func (p *TestSfuProducer) Closed() bool {
	return p.closed.Load()
}

func (p *TestSfuProducer) Pause(ctx context.Context) error {
	p.paused.Store(true)

	p.sfu.mu.Lock()
	var consumers []*TestSfuConsumer
	for _, consumer := range p.sfu.consumers {
		if consumer.producerId == p.id {
			consumers = append(consumers, consumer)
		}
	}
	p.sfu.mu.Unlock()
	for _, consumer := range consumers {
		consumer.paused.Store(true)
		consumer.listener.OnConsumerPaused(consumer)
	}
	return nil
}

func (p *TestSfuProducer) Resume(ctx context.Context) error {
	p.paused.Store(false)

	p.sfu.mu.Lock()
	var consumers []*TestSfuConsumer
	for _, consumer := range p.sfu.consumers {
		if consumer.producerId == p.id {
			consumers = append(consumers, consumer)
		}
	}
	p.sfu.mu.Unlock()
	for _, consumer := range consumers {
		consumer.paused.Store(false)
		consumer.listener.OnConsumerResumed(consumer)
	}
	return nil
}

// detach unregisters the producer so no further events can reach its
// listener.
func (p *TestSfuProducer) detach() bool {
	p.sfu.mu.Lock()
	defer p.sfu.mu.Unlock()
	if _, found := p.sfu.producers[p.id]; !found {
		return false
	}
	delete(p.sfu.producers, p.id)
	return true
}

func (p *TestSfuProducer) Close(ctx context.Context) {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.detach()

	// Notify the consumers that are still attached, like the engine would.
	p.sfu.mu.Lock()
	var consumers []*TestSfuConsumer
	for _, consumer := range p.sfu.consumers {
		if consumer.producerId == p.id {
			consumers = append(consumers, consumer)
		}
	}
	p.sfu.mu.Unlock()
	for _, consumer := range consumers {
		if consumer.detach() {
			consumer.listener.OnConsumerProducerClosed(consumer)
		}
	}
}

type TestSfuConsumer struct {
	sfu           *TestSfu
	transport     *TestSfuTransport
	id            string
	producerId    string
	kind          MediaKind
	rtpParameters json.RawMessage
	listener      ConsumerListener

	paused atomic.Bool
	closed atomic.Bool
}

func (c *TestSfuConsumer) Id() string {
	return c.id
}

func (c *TestSfuConsumer) ProducerId() string {
	return c.producerId
}

func (c *TestSfuConsumer) Kind() MediaKind {
	return c.kind
}

func (c *TestSfuConsumer) RtpParameters() json.RawMessage {
	return c.rtpParameters
}

func (c *TestSfuConsumer) Paused() bool {
	return c.paused.Load()
}

func (c *TestSfuConsumer) Closed() bool {
	return c.closed.Load()
}

func (c *TestSfuConsumer) Resume(ctx context.Context) error {
	c.paused.Store(false)
	return nil
}

func (c *TestSfuConsumer) detach() bool {
	c.sfu.mu.Lock()
	defer c.sfu.mu.Unlock()
	if _, found := c.sfu.consumers[c.id]; !found {
		return false
	}
	delete(c.sfu.consumers, c.id)
	return true
}

func (c *TestSfuConsumer) Close(ctx context.Context) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.detach()
}
