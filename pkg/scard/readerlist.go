package scard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultCommandTimeout = 5 * time.Second
	defaultEventBuffer    = 16
)

type Options struct {
	CommandTimeout time.Duration // Per command timeout, DefaultCommandTimeout if zero
	EventBuffer    int           // Capacity of the event channel
}

type request struct {
	op      Op
	slot    int
	data    []byte
	err     error // set when the request is rejected on submission
	claimed bool  // the request holds the slot's connect claim
}

// ReaderList owns the slots of one device and its transport. It is the only
// component talking to the device: requests from readers and channels are
// queued and executed one at a time by Run, and device notifications are
// decoded and applied to the slots in the order they arrive.
type ReaderList struct {
	transport Transport
	readers   []*Reader
	timeout   time.Duration
	logger    log.FieldLogger

	events chan Event
	wake   chan struct{}

	mu         sync.Mutex
	queue      []request
	connecting map[int]bool
	running    bool
	closed     bool
}

// NewReaderList creates one reader per name, indexed in order.
func NewReaderList(transport Transport, names []string, opts Options, logger log.FieldLogger) *ReaderList {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}

	l := &ReaderList{
		transport:  transport,
		timeout:    opts.CommandTimeout,
		logger:     logger.WithField("component", "readerlist"),
		events:     make(chan Event, opts.EventBuffer),
		wake:       make(chan struct{}, 1),
		connecting: make(map[int]bool),
	}
	for i, name := range names {
		l.readers = append(l.readers, NewReader(l, i, name, logger))
	}
	return l
}

// Events returns the channel on which request results and slot changes are
// delivered. It is closed when Run returns. Request results are never
// dropped: Run blocks until they are received, so the channel must be drained
// until it is closed.
func (l *ReaderList) Events() <-chan Event {
	return l.events
}

// Readers returns all slots in index order.
func (l *ReaderList) Readers() []*Reader {
	readers := make([]*Reader, len(l.readers))
	copy(readers, l.readers)
	return readers
}

func (l *ReaderList) Reader(index int) (*Reader, error) {
	if index < 0 || index >= len(l.readers) {
		return nil, fmt.Errorf("slot %d: %w", index, ErrNoSuchSlot)
	}
	return l.readers[index], nil
}

// Close closes the transport. Run returns once its context is cancelled.
func (l *ReaderList) Close() error {
	return l.transport.Close()
}

func (l *ReaderList) SubmitTransmit(slot int, command []byte) {
	l.submit(request{op: OpTransmit, slot: slot, data: cloneBytes(command)})
}

func (l *ReaderList) SubmitControl(command []byte) {
	l.submit(request{op: OpControl, slot: -1, data: cloneBytes(command)})
}

func (l *ReaderList) SubmitConnect(slot int) {
	l.submit(request{op: OpConnect, slot: slot})
}

func (l *ReaderList) SubmitDisconnect(slot int) {
	l.submit(request{op: OpDisconnect, slot: slot})
}

func (l *ReaderList) SubmitReconnect(slot int) {
	l.submit(request{op: OpReconnect, slot: slot})
}

// submit queues a request without blocking. A connect on a slot that already
// has a connect outstanding is queued as rejected so its failure is still
// delivered in order.
func (l *ReaderList) submit(req request) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.logger.Warnf("Dropping %s request for slot %d: %v", req.op, req.slot, ErrClosed)
		return
	}
	if req.op == OpConnect {
		if l.connecting[req.slot] {
			req.err = ErrSlotBusy
		} else {
			l.connecting[req.slot] = true
			req.claimed = true
		}
	}
	l.queue = append(l.queue, req)
	l.mu.Unlock()

	l.signal()
}

func (l *ReaderList) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *ReaderList) next() (request, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return request{}, false
	}
	req := l.queue[0]
	l.queue = l.queue[1:]
	return req, true
}

func (l *ReaderList) release(req request) {
	if !req.claimed {
		return
	}
	l.mu.Lock()
	delete(l.connecting, req.slot)
	l.mu.Unlock()
}

// Run processes requests and notifications until ctx is cancelled. Requests
// still queued at that point fail with ErrClosed, then the event channel is
// closed.
func (l *ReaderList) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running || l.closed {
		l.mu.Unlock()
		return fmt.Errorf("reader list already started")
	}
	l.running = true
	l.mu.Unlock()

	defer l.shutdown()

	l.logger.Infof("Reader list started with %d slots", len(l.readers))
	notifications := l.transport.Notifications()
	for {
		select {
		case <-ctx.Done():
			return nil

		case n, ok := <-notifications:
			if !ok {
				l.logger.Warn("Transport closed its notification stream")
				notifications = nil
				continue
			}
			l.handleNotification(ctx, n)

		case <-l.wake:
			req, ok := l.next()
			if !ok {
				continue
			}
			l.handleRequest(ctx, req)
			l.release(req)

			// Give pending notifications a chance before the next request.
			l.mu.Lock()
			more := len(l.queue) > 0
			l.mu.Unlock()
			if more {
				l.signal()
			}
		}
	}
}

func (l *ReaderList) shutdown() {
	l.mu.Lock()
	l.closed = true
	queue := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, req := range queue {
		l.complete(l.failure(req, ErrClosed))
	}
	close(l.events)
	l.logger.Info("Reader list stopped")
}

func (l *ReaderList) emit(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case l.events <- ev:
		return
	default:
	}
	select {
	case l.events <- ev:
	case <-ctx.Done():
		l.logger.Warnf("Dropping %s event: %v", ev.Kind, ctx.Err())
	}
}

// complete delivers the result of a request, waiting for the consumer if
// the event buffer is full.
func (l *ReaderList) complete(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	l.events <- ev
}

func (l *ReaderList) failure(req request, err error) Event {
	ev := Event{
		Kind: eventKindFor(req.op),
		Time: time.Now(),
		Err:  &CommandError{Op: req.op, Slot: req.slot, Err: err},
	}
	if req.slot >= 0 && req.slot < len(l.readers) {
		ev.Reader = l.readers[req.slot]
	}
	return ev
}

func (l *ReaderList) handleRequest(ctx context.Context, req request) {
	if req.err != nil {
		l.complete(l.failure(req, req.err))
		return
	}

	if req.op == OpControl {
		data, err := l.exchange(ctx, Command{Op: OpControl, Slot: -1, Data: req.data})
		if err != nil {
			l.logger.Errorf("Control failed: %v", err)
			l.complete(l.failure(req, err))
			return
		}
		l.complete(Event{Kind: EventControl, Data: data})
		return
	}

	reader, err := l.Reader(req.slot)
	if err != nil {
		l.complete(l.failure(req, ErrNoSuchSlot))
		return
	}
	if err := l.validate(reader, req.op); err != nil {
		l.logger.Debugf("Rejecting %s on slot %d: %v", req.op, req.slot, err)
		l.complete(l.failure(req, err))
		return
	}

	// A connect on a card that is already powered only opens a new channel.
	if req.op == OpConnect && reader.CardPowered() {
		ch, _ := l.InstallChannel(req.slot, nil)
		l.ReportOutcome(req.slot, OutcomeConnected)
		l.complete(Event{Kind: EventConnect, Reader: reader, Channel: ch})
		return
	}

	data, err := l.exchange(ctx, Command{Op: req.op, Slot: req.slot, Data: req.data})
	if err != nil {
		l.logger.Errorf("%s on slot %d failed: %v", req.op, req.slot, err)
		l.ReportOutcome(req.slot, OutcomeError)
		l.complete(l.failure(req, err))
		return
	}

	ev := Event{Kind: eventKindFor(req.op), Reader: reader}
	switch req.op {
	case OpConnect:
		ev.Channel, _ = l.InstallChannel(req.slot, data)
		l.ReportOutcome(req.slot, OutcomePowered)
		l.ReportOutcome(req.slot, OutcomeConnected)

	case OpReconnect:
		ev.Channel = reader.refreshATR(data)
		l.ReportOutcome(req.slot, OutcomePowered)
		l.ReportOutcome(req.slot, OutcomeConnected)

	case OpDisconnect:
		l.ReportOutcome(req.slot, OutcomeUnpowered)
		l.ReportOutcome(req.slot, OutcomeDisconnected)

	case OpTransmit:
		ev.Data = data
	}
	l.complete(ev)
}

// validate checks a slot request against the current slot state.
func (l *ReaderList) validate(r *Reader, op Op) error {
	switch op {
	case OpConnect:
		if !r.CardPresent() {
			return ErrNoCard
		}

	case OpReconnect:
		if r.Channel() == nil {
			return ErrNoChannel
		}
		if !r.CardPresent() {
			return ErrNoCard
		}

	case OpDisconnect:
		if r.Channel() == nil {
			return ErrNoChannel
		}

	case OpTransmit:
		ch := r.Channel()
		if ch == nil {
			return ErrNoChannel
		}
		if r.InError() {
			return ErrSlotInError
		}
		if !r.CardPowered() || ch.IsUnpowered() {
			return ErrCardUnpowered
		}
	}
	return nil
}

func (l *ReaderList) exchange(ctx context.Context, cmd Command) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	l.logger.Debugf("Exchange %s slot %d (%d bytes)", cmd.Op, cmd.Slot, len(cmd.Data))
	data, err := l.transport.Exchange(ctx, cmd)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return data, err
}

func (l *ReaderList) handleNotification(ctx context.Context, n Notification) {
	switch n.Kind {
	case NotifySlotChange:
		statuses, err := ParseSlotChange(n.Payload, len(l.readers))
		if err != nil {
			l.logger.Errorf("Invalid slot change notification: %v", err)
			return
		}
		for i, status := range statuses {
			before, after, _ := l.applyStatus(i, status)
			if status.Edge() || before != after {
				l.emit(ctx, Event{Kind: EventSlotStatus, Reader: l.readers[i], Status: status})
			}
		}

	case NotifySleep:
		l.logger.Info("Device went to sleep, unpowering all slots")
		for _, r := range l.readers {
			r.unpower()
			r.setCardUnpowered()
		}
		l.emit(ctx, Event{Kind: EventSleep})

	case NotifyWakeup:
		l.logger.Info("Device woke up")
		l.emit(ctx, Event{Kind: EventWakeup})

	default:
		l.logger.Warnf("Unknown notification kind: %d", n.Kind)
	}
}

func (l *ReaderList) applyStatus(slot int, status SlotStatus) (before, after CardState, err error) {
	r, err := l.Reader(slot)
	if err != nil {
		return 0, 0, err
	}
	before, after = r.applyStatus(status)
	return before, after, nil
}

// ApplyStatus runs a decoded status notification through a slot.
func (l *ReaderList) ApplyStatus(slot int, status SlotStatus) error {
	if status > CardInserted {
		return fmt.Errorf("unknown slot status: %d", uint8(status))
	}
	_, _, err := l.applyStatus(slot, status)
	return err
}

// InstallChannel replaces the channel of a slot with a new one. A nil atr
// opens the channel without an answer to reset.
func (l *ReaderList) InstallChannel(slot int, atr []byte) (*Channel, error) {
	r, err := l.Reader(slot)
	if err != nil {
		return nil, err
	}
	ch := newChannel(r, atr)
	r.setNewChannel(ch)
	return ch, nil
}

// ReportOutcome records the outcome of a completed command on a slot.
func (l *ReaderList) ReportOutcome(slot int, outcome Outcome) error {
	r, err := l.Reader(slot)
	if err != nil {
		return err
	}
	switch outcome {
	case OutcomePowered:
		r.setCardPowered()
	case OutcomeUnpowered:
		r.setCardUnpowered()
	case OutcomeConnected:
		r.setConnected()
	case OutcomeDisconnected:
		r.setDisconnected()
	case OutcomeError:
		r.setInError()
	default:
		return fmt.Errorf("unknown outcome: %d", outcome)
	}
	return nil
}
