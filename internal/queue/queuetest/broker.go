// Package queuetest provides in-memory stand-ins for the queue backends:
// an AMQP broker that satisfies broker.Connection and a polling store that
// satisfies pgqueue.Store. They model routing, acknowledgment, dead-lettering
// and visibility closely enough to drive the adapters end to end.
package queuetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/matipre/chatrelay/internal/queue/broker"
)

const consumerBuffer = 1024

// Broker is an in-memory AMQP broker. The zero value is not usable; call
// NewBroker.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]bool
	bindings  map[string]map[string][]string // exchange -> routing key -> queues
	queues    map[string]*fakeQueue
	unacked   map[uint64]*unackedDelivery
	nextTag   uint64
	conns     []*Conn

	published    int
	consumeCalls map[string]int

	// Failure knobs. Set them before the code under test runs or under
	// the helpers below.
	publishErr    error
	rejectPublish bool
	channelErr    error
	closeErr      error
	dialErr       error
}

type fakeQueue struct {
	name      string
	args      amqp.Table
	ready     []amqp.Publishing
	consumers []*fakeConsumer
	next      int
}

type fakeConsumer struct {
	tag   string
	queue string
	ch    *Channel
	out   chan amqp.Delivery
}

type unackedDelivery struct {
	queue string
	msg   amqp.Publishing
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		exchanges:    map[string]bool{"": true},
		bindings:     make(map[string]map[string][]string),
		queues:       make(map[string]*fakeQueue),
		unacked:      make(map[uint64]*unackedDelivery),
		consumeCalls: make(map[string]int),
	}
}

// Dial satisfies broker.Dialer.
func (b *Broker) Dial(string) (broker.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &Conn{b: b}
	b.conns = append(b.conns, c)
	return c, nil
}

// Connect returns a connection without going through Dial's error knob.
func (b *Broker) Connect() *Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := &Conn{b: b}
	b.conns = append(b.conns, c)
	return c
}

// SetDialError makes Dial fail with err (nil clears it).
func (b *Broker) SetDialError(err error) { b.set(func() { b.dialErr = err }) }

// SetPublishError makes every publish fail with err (nil clears it).
func (b *Broker) SetPublishError(err error) { b.set(func() { b.publishErr = err }) }

// SetRejectPublish makes the broker nack every publish confirm.
func (b *Broker) SetRejectPublish(v bool) { b.set(func() { b.rejectPublish = v }) }

// SetChannelError makes opening a channel fail with err.
func (b *Broker) SetChannelError(err error) { b.set(func() { b.channelErr = err }) }

// SetCloseError makes channel Close return err (the channel still closes).
func (b *Broker) SetCloseError(err error) { b.set(func() { b.closeErr = err }) }

func (b *Broker) set(fn func()) {
	b.mu.Lock()
	fn()
	b.mu.Unlock()
}

// Ready returns the number of messages in queue waiting for a consumer.
func (b *Broker) Ready(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return len(q.ready)
	}
	return 0
}

// Unacked returns the number of delivered but unsettled messages of queue.
func (b *Broker) Unacked(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, u := range b.unacked {
		if u.queue == queue {
			n++
		}
	}
	return n
}

// Depth is Ready plus Unacked.
func (b *Broker) Depth(queue string) int {
	return b.Ready(queue) + b.Unacked(queue)
}

// Messages returns a copy of the ready messages of queue.
func (b *Broker) Messages(queue string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return nil
	}
	return append([]amqp.Publishing(nil), q.ready...)
}

// QueueArgs returns the arguments queue was declared with.
func (b *Broker) QueueArgs(queue string) (amqp.Table, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return nil, false
	}
	return q.args, true
}

// HasExchange reports whether name was declared.
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exchanges[name]
}

// Bound reports whether queue is bound to exchange with key.
func (b *Broker) Bound(exchange, key, queue string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.bindings[exchange][key] {
		if q == queue {
			return true
		}
	}
	return false
}

// ConsumeCalls returns how many consumers were ever registered on queue.
func (b *Broker) ConsumeCalls(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumeCalls[queue]
}

// Published returns the number of confirmed publishes.
func (b *Broker) Published() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

// Channels returns every channel opened on any connection, in order.
func (b *Broker) Channels() []*Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Channel
	for _, c := range b.conns {
		out = append(out, c.channels...)
	}
	return out
}

// route delivers msg through exchange/key. Unroutable messages are dropped,
// as a real broker does without the mandatory flag. Caller holds b.mu.
func (b *Broker) route(exchange, key string, msg amqp.Publishing) {
	if exchange == "" {
		if q, ok := b.queues[key]; ok {
			b.enqueue(q, msg, false)
		}
		return
	}
	for _, name := range b.bindings[exchange][key] {
		if q, ok := b.queues[name]; ok {
			b.enqueue(q, msg, false)
		}
	}
}

// enqueue hands msg to the next consumer of q with buffer room, or parks it
// in ready. Caller holds b.mu.
func (b *Broker) enqueue(q *fakeQueue, msg amqp.Publishing, redelivered bool) {
	for i := 0; i < len(q.consumers); i++ {
		c := q.consumers[(q.next+i)%len(q.consumers)]
		b.nextTag++
		d := amqp.Delivery{
			Acknowledger: b,
			Headers:      msg.Headers,
			ContentType:  msg.ContentType,
			DeliveryMode: msg.DeliveryMode,
			MessageId:    msg.MessageId,
			Timestamp:    msg.Timestamp,
			ConsumerTag:  c.tag,
			DeliveryTag:  b.nextTag,
			Redelivered:  redelivered,
			RoutingKey:   q.name,
			Body:         msg.Body,
		}
		select {
		case c.out <- d:
			b.unacked[d.DeliveryTag] = &unackedDelivery{queue: q.name, msg: msg}
			q.next = (q.next + i + 1) % len(q.consumers)
			return
		default:
		}
	}
	q.ready = append(q.ready, msg)
}

// drain pushes ready messages to consumers. Caller holds b.mu.
func (b *Broker) drain(q *fakeQueue) {
	ready := q.ready
	q.ready = nil
	for _, msg := range ready {
		b.enqueue(q, msg, false)
	}
}

// Ack implements amqp.Acknowledger.
func (b *Broker) Ack(tag uint64, multiple bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.unacked[tag]; !ok {
		return fmt.Errorf("queuetest: unknown delivery tag %d", tag)
	}
	delete(b.unacked, tag)
	return nil
}

// Nack implements amqp.Acknowledger. Requeued messages go back to ready;
// rejected ones follow the queue's dead-letter arguments, if any.
func (b *Broker) Nack(tag uint64, multiple, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.unacked[tag]
	if !ok {
		return fmt.Errorf("queuetest: unknown delivery tag %d", tag)
	}
	delete(b.unacked, tag)
	q := b.queues[u.queue]
	if q == nil {
		return nil
	}
	if requeue {
		q.ready = append(q.ready, u.msg)
		return nil
	}
	dlx, _ := q.args["x-dead-letter-exchange"].(string)
	if dlx == "" {
		return nil
	}
	key, _ := q.args["x-dead-letter-routing-key"].(string)
	if key == "" {
		key = q.name
	}
	b.route(dlx, key, u.msg)
	return nil
}

// Reject implements amqp.Acknowledger.
func (b *Broker) Reject(tag uint64, requeue bool) error {
	return b.Nack(tag, false, requeue)
}

// Conn is a fake connection.
type Conn struct {
	b        *Broker
	mu       sync.Mutex
	closed   bool
	notify   []chan *amqp.Error
	channels []*Channel
}

var _ broker.Connection = (*Conn)(nil)

func (c *Conn) Channel() (broker.Channel, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.b.channelErr != nil {
		return nil, c.b.channelErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{b: c.b, conn: c}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	notify := c.notify
	c.notify = nil
	channels := append([]*Channel(nil), c.channels...)
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(nil)
	}
	for _, n := range notify {
		close(n)
	}
	return nil
}

// Channel is a fake channel.
type Channel struct {
	b    *Broker
	conn *Conn

	mu          sync.Mutex
	closed      bool
	closeCalls  int
	confirm     bool
	prefetch    int
	notify      []chan *amqp.Error
	consumerIDs []string
}

var _ broker.Channel = (*Channel)(nil)

// CloseCalls returns how many times Close was called.
func (ch *Channel) CloseCalls() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closeCalls
}

// IsClosed reports whether the channel was closed by either side.
func (ch *Channel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// Prefetch returns the last Qos prefetch count.
func (ch *Channel) Prefetch() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.prefetch
}

// ConfirmMode reports whether Confirm was called.
func (ch *Channel) ConfirmMode() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.confirm
}

// ServerClose simulates the broker closing the channel with err.
func (ch *Channel) ServerClose(err *amqp.Error) {
	ch.shutdown(err)
}

func (ch *Channel) check() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	return nil
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if err := ch.check(); err != nil {
		return err
	}
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	ch.b.exchanges[name] = true
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if err := ch.check(); err != nil {
		return amqp.Queue{}, err
	}
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	q, ok := ch.b.queues[name]
	if !ok {
		q = &fakeQueue{name: name, args: args}
		ch.b.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if err := ch.check(); err != nil {
		return err
	}
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if !ch.b.exchanges[exchange] {
		return &amqp.Error{Code: amqp.NotFound, Reason: "no exchange " + exchange}
	}
	if _, ok := ch.b.queues[name]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "no queue " + name}
	}
	keys, ok := ch.b.bindings[exchange]
	if !ok {
		keys = make(map[string][]string)
		ch.b.bindings[exchange] = keys
	}
	for _, q := range keys[key] {
		if q == name {
			return nil
		}
	}
	keys[key] = append(keys[key], name)
	return nil
}

func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	if err := ch.check(); err != nil {
		return err
	}
	ch.mu.Lock()
	ch.prefetch = prefetchCount
	ch.mu.Unlock()
	return nil
}

func (ch *Channel) Confirm(noWait bool) error {
	if err := ch.check(); err != nil {
		return err
	}
	ch.mu.Lock()
	ch.confirm = true
	ch.mu.Unlock()
	return nil
}

func (ch *Channel) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (bool, error) {
	if err := ch.check(); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.b.publishErr != nil {
		return false, ch.b.publishErr
	}
	if !ch.b.exchanges[exchange] {
		return false, &amqp.Error{Code: amqp.NotFound, Reason: "no exchange " + exchange}
	}
	if ch.b.rejectPublish {
		return false, nil
	}
	ch.b.published++
	ch.b.route(exchange, key, msg)
	return true, nil
}

func (ch *Channel) Consume(ctx context.Context, queue, consumer string) (<-chan amqp.Delivery, error) {
	if err := ch.check(); err != nil {
		return nil, err
	}
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	q, ok := ch.b.queues[queue]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "no queue " + queue}
	}
	for _, c := range q.consumers {
		if c.tag == consumer {
			return nil, &amqp.Error{Code: amqp.NotAllowed, Reason: "duplicate consumer tag"}
		}
	}
	c := &fakeConsumer{tag: consumer, queue: queue, ch: ch, out: make(chan amqp.Delivery, consumerBuffer)}
	q.consumers = append(q.consumers, c)
	ch.b.consumeCalls[queue]++

	ch.mu.Lock()
	ch.consumerIDs = append(ch.consumerIDs, consumer)
	ch.mu.Unlock()

	ch.b.drain(q)
	return c.out, nil
}

// Cancel removes the consumer and closes its delivery channel. Deliveries
// already handed out stay unacked until settled.
func (ch *Channel) Cancel(consumer string, noWait bool) error {
	if err := ch.check(); err != nil {
		return err
	}
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if !ch.b.removeConsumer(consumer) {
		return errors.New("queuetest: unknown consumer " + consumer)
	}
	return nil
}

// removeConsumer closes and forgets the consumer with tag. Deliveries still
// buffered stay readable and unacked. Caller holds b.mu.
func (b *Broker) removeConsumer(tag string) bool {
	for _, q := range b.queues {
		for i, c := range q.consumers {
			if c.tag != tag {
				continue
			}
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			q.next = 0
			close(c.out)
			return true
		}
	}
	return false
}

func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

func (ch *Channel) Close() error {
	ch.mu.Lock()
	ch.closeCalls++
	already := ch.closed
	ch.mu.Unlock()
	if already {
		return amqp.ErrClosed
	}
	ch.shutdown(nil)

	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	return ch.b.closeErr
}

// shutdown closes the channel, cancels its consumers and notifies
// listeners with err (nil for a graceful close).
func (ch *Channel) shutdown(err *amqp.Error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	notify := ch.notify
	ch.notify = nil
	consumers := ch.consumerIDs
	ch.consumerIDs = nil
	ch.mu.Unlock()

	ch.b.mu.Lock()
	for _, tag := range consumers {
		ch.b.removeConsumer(tag)
	}
	ch.b.mu.Unlock()

	for _, n := range notify {
		if err != nil {
			n <- err
		}
		close(n)
	}
}
