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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dlintw/goconf"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	gatewayPingInterval  = 30 * time.Second
	gatewayWriteTimeout  = 20 * time.Second
	gatewayDialTimeout   = 10 * time.Second
	initialReconnectWait = time.Second
	maxReconnectWait     = 32 * time.Second
)

var (
	gatewayDialer = websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: gatewayDialTimeout,
	}
)

func init() {
	RegisterGatewayStats()
}

// gatewayMessage is a message received from the media engine: either the
// response to a request (correlated through the transaction id) or an
// unsolicited event about one of the media objects.
type gatewayMessage struct {
	Transaction string `json:"transaction,omitempty"`

	Event string `json:"event,omitempty"`

	Ok    bool            `json:"ok,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type gatewayRequest struct {
	Transaction string `json:"transaction"`
	Method      string `json:"method"`
	Data        any    `json:"data,omitempty"`
}

type gatewayEventData struct {
	ProducerId string `json:"producerId,omitempty"`
	ConsumerId string `json:"consumerId,omitempty"`
}

type workerCreatedData struct {
	WorkerId string `json:"workerId"`
}

type routerCreatedData struct {
	RouterId        string          `json:"routerId"`
	RtpCapabilities json.RawMessage `json:"rtpCapabilities"`
}

type canConsumeData struct {
	CanConsume bool `json:"canConsume"`
}

type transportCreatedData struct {
	TransportId    string          `json:"transportId"`
	IceParameters  json.RawMessage `json:"iceParameters"`
	IceCandidates  json.RawMessage `json:"iceCandidates"`
	DtlsParameters json.RawMessage `json:"dtlsParameters"`
}

type producerCreatedData struct {
	ProducerId string `json:"producerId"`
}

type consumerCreatedData struct {
	ConsumerId    string          `json:"consumerId"`
	Kind          MediaKind       `json:"kind"`
	RtpParameters json.RawMessage `json:"rtpParameters"`
}

// SfuGateway is a client for the websocket API of the media engine
// controller. Requests carry a unique transaction id that the response is
// correlated with, events are dispatched to the listeners of the media
// objects they concern.
type SfuGateway struct {
	url string

	closer    *Closer
	closeCtx  context.Context
	closeFunc context.CancelFunc

	writeMu sync.Mutex
	// +checklocks:writeMu
	conn *websocket.Conn

	reconnecting atomic.Bool

	mu sync.Mutex
	// +checklocks:mu
	transactions map[string]chan *gatewayMessage
	// +checklocks:mu
	producers map[string]*gatewayProducer
	// +checklocks:mu
	consumers map[string]*gatewayConsumer
}

func NewSfuGateway(config *goconf.ConfigFile) (Sfu, error) {
	url, _ := GetStringOptionWithEnv(config, "sfu", "url")
	if url == "" {
		return nil, fmt.Errorf("option \"url\" in section [sfu] is missing")
	}

	closeCtx, closeFunc := context.WithCancel(context.Background())
	return &SfuGateway{
		url: url,

		closer:    NewCloser(),
		closeCtx:  closeCtx,
		closeFunc: closeFunc,

		transactions: make(map[string]chan *gatewayMessage),
		producers:    make(map[string]*gatewayProducer),
		consumers:    make(map[string]*gatewayConsumer),
	}, nil
}

func (g *SfuGateway) Start(ctx context.Context) error {
	if err := g.connect(ctx); err != nil {
		return err
	}

	log.Printf("Connected to media engine at %s", g.url)
	go g.ping()
	return nil
}

func (g *SfuGateway) Stop() {
	g.closer.Close()
	g.closeFunc()

	g.writeMu.Lock()
	if g.conn != nil {
		g.conn.Close()
		g.conn = nil
	}
	g.writeMu.Unlock()
	g.cancelTransactions()
}

func (g *SfuGateway) Reload(config *goconf.ConfigFile) {
	url, _ := GetStringOptionWithEnv(config, "sfu", "url")
	if url != "" && url != g.url {
		log.Printf("Changing the media engine url from %s to %s requires a restart", g.url, url)
	}
}

func (g *SfuGateway) connect(ctx context.Context) error {
	conn, _, err := gatewayDialer.DialContext(ctx, g.url, nil)
	if err != nil {
		return err
	}

	g.writeMu.Lock()
	g.conn = conn
	g.writeMu.Unlock()

	go g.recv(conn)
	return nil
}

func (g *SfuGateway) ping() {
	ticker := time.NewTicker(gatewayPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.writeMu.Lock()
			if g.conn == nil {
				g.writeMu.Unlock()
				continue
			}

			err := g.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(gatewayWriteTimeout))
			g.writeMu.Unlock()
			if err != nil {
				log.Println("Error sending ping to media engine:", err)
			}
		case <-g.closer.C:
			return
		}
	}
}

func (g *SfuGateway) recv(conn *websocket.Conn) {
	var decodeBuffer bytes.Buffer
	for {
		_, reader, err := conn.NextReader()
		if err != nil {
			g.connectionInterrupted(conn, err)
			return
		}

		decodeBuffer.Reset()
		if _, err := decodeBuffer.ReadFrom(reader); err != nil {
			g.connectionInterrupted(conn, err)
			return
		}

		var message gatewayMessage
		if err := json.Unmarshal(decodeBuffer.Bytes(), &message); err != nil {
			log.Printf("Could not decode message %s from media engine: %s", decodeBuffer.String(), err)
			continue
		}

		if message.Event != "" {
			g.processEvent(&message)
			continue
		}

		if message.Transaction == "" {
			log.Printf("Received message without transaction from media engine, ignoring: %s", decodeBuffer.String())
			continue
		}

		g.mu.Lock()
		ch := g.transactions[message.Transaction]
		delete(g.transactions, message.Transaction)
		g.mu.Unlock()
		if ch == nil {
			log.Printf("Received response for unknown transaction from media engine, ignoring: %s", decodeBuffer.String())
			continue
		}

		ch <- &message
	}
}

func (g *SfuGateway) connectionInterrupted(conn *websocket.Conn, err error) {
	g.writeMu.Lock()
	if g.conn != conn {
		// A new connection was established already.
		g.writeMu.Unlock()
		return
	}
	g.conn = nil
	g.writeMu.Unlock()
	g.cancelTransactions()

	if g.closer.IsClosed() {
		return
	}

	log.Printf("Connection to media engine was interrupted: %s", err)
	if g.reconnecting.CompareAndSwap(false, true) {
		go g.reconnectLoop()
	}
}

func (g *SfuGateway) reconnectLoop() {
	defer g.reconnecting.Store(false)

	backoff, _ := NewExponentialBackoff(initialReconnectWait, maxReconnectWait)
	for !g.closer.IsClosed() {
		ctx, cancel := context.WithTimeout(g.closeCtx, gatewayDialTimeout)
		err := g.connect(ctx)
		cancel()
		if err == nil {
			log.Printf("Reconnected to media engine at %s", g.url)
			statsGatewayReconnectsTotal.Inc()
			return
		}

		log.Printf("Could not reconnect to media engine (%s), retrying in %s", err, backoff.NextWait())
		backoff.Wait(g.closeCtx)
	}
}

func (g *SfuGateway) cancelTransactions() {
	g.mu.Lock()
	for _, ch := range g.transactions {
		ch <- &gatewayMessage{
			Error: "connection lost",
		}
	}
	clear(g.transactions)
	g.mu.Unlock()
}

// doRequest sends one request to the media engine and waits for the
// response. A non-nil result is decoded from the "data" of a successful
// response.
func (g *SfuGateway) doRequest(ctx context.Context, method string, data any, result any) error {
	id := uuid.NewString()
	request := &gatewayRequest{
		Transaction: id,
		Method:      method,
		Data:        data,
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return err
	}

	ch := make(chan *gatewayMessage, 1)
	g.mu.Lock()
	g.transactions[id] = ch
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.transactions, id)
		g.mu.Unlock()
	}()

	g.writeMu.Lock()
	if g.conn == nil {
		g.writeMu.Unlock()
		return ErrNotConnected
	}
	g.conn.SetWriteDeadline(time.Now().Add(gatewayWriteTimeout)) // nolint
	err = g.conn.WriteMessage(websocket.TextMessage, payload)
	g.writeMu.Unlock()
	if err != nil {
		return err
	}

	statsGatewayRequestsTotal.WithLabelValues(method).Inc()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g.closer.C:
		return ErrNotConnected
	case response := <-ch:
		if response.Error != "" || !response.Ok {
			if response.Error == "connection lost" {
				return ErrNotConnected
			}
			return errors.New(response.Error)
		}
		if result != nil && len(response.Data) > 0 {
			return json.Unmarshal(response.Data, result)
		}
		return nil
	}
}

func (g *SfuGateway) registerProducer(producer *gatewayProducer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.producers[producer.id] = producer
}

func (g *SfuGateway) unregisterProducer(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.producers, id)
}

func (g *SfuGateway) getProducer(id string) *gatewayProducer {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.producers[id]
}

func (g *SfuGateway) registerConsumer(consumer *gatewayConsumer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consumers[consumer.id] = consumer
}

func (g *SfuGateway) unregisterConsumer(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.consumers, id)
}

func (g *SfuGateway) getConsumer(id string) *gatewayConsumer {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consumers[id]
}

// processEvent dispatches an engine event to the listener of the media
// object it concerns. Events for objects that have been closed locally in
// the meantime are dropped, their listeners were detached with the object.
func (g *SfuGateway) processEvent(message *gatewayMessage) {
	var data gatewayEventData
	if len(message.Data) > 0 {
		if err := json.Unmarshal(message.Data, &data); err != nil {
			log.Printf("Could not decode data of engine event %s: %s", message.Event, err)
			return
		}
	}

	switch message.Event {
	case "producer.transportclose":
		producer := g.getProducer(data.ProducerId)
		if producer == nil {
			return
		}
		g.unregisterProducer(producer.id)
		go producer.listener.OnProducerTransportClosed(producer)
	case "consumer.producerclose":
		consumer := g.getConsumer(data.ConsumerId)
		if consumer == nil {
			return
		}
		g.unregisterConsumer(consumer.id)
		go consumer.listener.OnConsumerProducerClosed(consumer)
	case "consumer.transportclose":
		consumer := g.getConsumer(data.ConsumerId)
		if consumer == nil {
			return
		}
		g.unregisterConsumer(consumer.id)
		go consumer.listener.OnConsumerTransportClosed(consumer)
	case "consumer.producerpause":
		consumer := g.getConsumer(data.ConsumerId)
		if consumer == nil {
			return
		}
		consumer.paused.Store(true)
		go consumer.listener.OnConsumerPaused(consumer)
	case "consumer.producerresume":
		consumer := g.getConsumer(data.ConsumerId)
		if consumer == nil {
			return
		}
		consumer.paused.Store(false)
		go consumer.listener.OnConsumerResumed(consumer)
	default:
		log.Printf("Unknown engine event %s, ignoring", message.Event)
	}
}

func (g *SfuGateway) CreateWorker(ctx context.Context) (SfuWorker, error) {
	var created workerCreatedData
	if err := g.doRequest(ctx, "worker.create", nil, &created); err != nil {
		return nil, err
	}

	return &gatewayWorker{
		gateway: g,
		id:      created.WorkerId,
	}, nil
}

type gatewayWorker struct {
	gateway *SfuGateway
	id      string
}

func (w *gatewayWorker) Id() string {
	return w.id
}

func (w *gatewayWorker) CreateRouter(ctx context.Context, codecs json.RawMessage) (SfuRouter, error) {
	request := map[string]any{
		"workerId": w.id,
	}
	if len(codecs) > 0 {
		request["codecs"] = codecs
	}
	var created routerCreatedData
	if err := w.gateway.doRequest(ctx, "router.create", request, &created); err != nil {
		return nil, err
	}

	return &gatewayRouter{
		gateway:         w.gateway,
		id:              created.RouterId,
		rtpCapabilities: created.RtpCapabilities,
	}, nil
}

func (w *gatewayWorker) Close(ctx context.Context) {
	if err := w.gateway.doRequest(ctx, "worker.close", map[string]any{
		"workerId": w.id,
	}, nil); err != nil {
		log.Printf("Could not close worker %s: %s", w.id, err)
	}
}

type gatewayRouter struct {
	gateway         *SfuGateway
	id              string
	rtpCapabilities json.RawMessage
}

func (r *gatewayRouter) Id() string {
	return r.id
}

func (r *gatewayRouter) RtpCapabilities() json.RawMessage {
	return r.rtpCapabilities
}

func (r *gatewayRouter) CanConsume(ctx context.Context, producerId string, rtpCapabilities json.RawMessage) (bool, error) {
	var result canConsumeData
	if err := r.gateway.doRequest(ctx, "router.canConsume", map[string]any{
		"routerId":        r.id,
		"producerId":      producerId,
		"rtpCapabilities": rtpCapabilities,
	}, &result); err != nil {
		return false, err
	}

	return result.CanConsume, nil
}

func (r *gatewayRouter) CreateTransport(ctx context.Context) (SfuTransport, error) {
	var created transportCreatedData
	if err := r.gateway.doRequest(ctx, "transport.create", map[string]any{
		"routerId": r.id,
	}, &created); err != nil {
		return nil, err
	}

	return &gatewayTransport{
		gateway:        r.gateway,
		id:             created.TransportId,
		iceParameters:  created.IceParameters,
		iceCandidates:  created.IceCandidates,
		dtlsParameters: created.DtlsParameters,
	}, nil
}

func (r *gatewayRouter) Close(ctx context.Context) {
	if err := r.gateway.doRequest(ctx, "router.close", map[string]any{
		"routerId": r.id,
	}, nil); err != nil {
		log.Printf("Could not close router %s: %s", r.id, err)
	}
}

type gatewayTransport struct {
	gateway        *SfuGateway
	id             string
	iceParameters  json.RawMessage
	iceCandidates  json.RawMessage
	dtlsParameters json.RawMessage

	closed atomic.Bool
}

func (t *gatewayTransport) Id() string {
	return t.id
}

func (t *gatewayTransport) IceParameters() json.RawMessage {
	return t.iceParameters
}

func (t *gatewayTransport) IceCandidates() json.RawMessage {
	return t.iceCandidates
}

func (t *gatewayTransport) DtlsParameters() json.RawMessage {
	return t.dtlsParameters
}

func (t *gatewayTransport) Connect(ctx context.Context, dtlsParameters json.RawMessage) error {
	return t.gateway.doRequest(ctx, "transport.connect", map[string]any{
		"transportId":    t.id,
		"dtlsParameters": dtlsParameters,
	}, nil)
}

func (t *gatewayTransport) Produce(ctx context.Context, kind MediaKind, rtpParameters json.RawMessage, listener ProducerListener) (SfuProducer, error) {
	var created producerCreatedData
	if err := t.gateway.doRequest(ctx, "transport.produce", map[string]any{
		"transportId":   t.id,
		"kind":          kind,
		"rtpParameters": rtpParameters,
	}, &created); err != nil {
		return nil, err
	}

	producer := &gatewayProducer{
		gateway:  t.gateway,
		id:       created.ProducerId,
		kind:     kind,
		listener: listener,
	}
	t.gateway.registerProducer(producer)
	return producer, nil
}

func (t *gatewayTransport) Consume(ctx context.Context, producerId string, rtpCapabilities json.RawMessage, listener ConsumerListener) (SfuConsumer, error) {
	var created consumerCreatedData
	if err := t.gateway.doRequest(ctx, "transport.consume", map[string]any{
		"transportId":     t.id,
		"producerId":      producerId,
		"rtpCapabilities": rtpCapabilities,
		// The consumer starts paused so no packets are sent before the
		// subscriber's receive pipeline is ready.
		"paused": true,
	}, &created); err != nil {
		return nil, err
	}

	consumer := &gatewayConsumer{
		gateway:       t.gateway,
		id:            created.ConsumerId,
		producerId:    producerId,
		kind:          created.Kind,
		rtpParameters: created.RtpParameters,
		listener:      listener,
	}
	consumer.paused.Store(true)
	t.gateway.registerConsumer(consumer)
	return consumer, nil
}

func (t *gatewayTransport) Closed() bool {
	return t.closed.Load()
}

func (t *gatewayTransport) Close(ctx context.Context) {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}

	if err := t.gateway.doRequest(ctx, "transport.close", map[string]any{
		"transportId": t.id,
	}, nil); err != nil {
		log.Printf("Could not close transport %s: %s", t.id, err)
	}
}

type gatewayProducer struct {
	gateway  *SfuGateway
	id       string
	kind     MediaKind
	listener ProducerListener
}

func (p *gatewayProducer) Id() string {
	return p.id
}

func (p *gatewayProducer) Kind() MediaKind {
	return p.kind
}

func (p *gatewayProducer) Pause(ctx context.Context) error {
	return p.gateway.doRequest(ctx, "producer.pause", map[string]any{
		"producerId": p.id,
	}, nil)
}

func (p *gatewayProducer) Resume(ctx context.Context) error {
	return p.gateway.doRequest(ctx, "producer.resume", map[string]any{
		"producerId": p.id,
	}, nil)
}

// Close detaches the listener before the engine request, so events that
// are already in flight for this producer can't reach the listener after
// it released the producer.
func (p *gatewayProducer) Close(ctx context.Context) {
	p.gateway.unregisterProducer(p.id)
	if err := p.gateway.doRequest(ctx, "producer.close", map[string]any{
		"producerId": p.id,
	}, nil); err != nil {
		log.Printf("Could not close producer %s: %s", p.id, err)
	}
}

type gatewayConsumer struct {
	gateway       *SfuGateway
	id            string
	producerId    string
	kind          MediaKind
	rtpParameters json.RawMessage
	listener      ConsumerListener

	paused atomic.Bool
}

func (c *gatewayConsumer) Id() string {
	return c.id
}

func (c *gatewayConsumer) ProducerId() string {
	return c.producerId
}

func (c *gatewayConsumer) Kind() MediaKind {
	return c.kind
}

func (c *gatewayConsumer) RtpParameters() json.RawMessage {
	return c.rtpParameters
}

func (c *gatewayConsumer) Paused() bool {
	return c.paused.Load()
}

func (c *gatewayConsumer) Resume(ctx context.Context) error {
	if err := c.gateway.doRequest(ctx, "consumer.resume", map[string]any{
		"consumerId": c.id,
	}, nil); err != nil {
		return err
	}

	c.paused.Store(false)
	return nil
}

func (c *gatewayConsumer) Close(ctx context.Context) {
	c.gateway.unregisterConsumer(c.id)
	if err := c.gateway.doRequest(ctx, "consumer.close", map[string]any{
		"consumerId": c.id,
	}, nil); err != nil {
		log.Printf("Could not close consumer %s: %s", c.id, err)
	}
}
