// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// QueueType selects the capabilities of a queue.
type QueueType uint8

const (
	// QueueTypeGraphics accepts every encoder kind.
	QueueTypeGraphics QueueType = iota

	// QueueTypeCompute accepts compute and ray-tracing encoders.
	QueueTypeCompute
)

// String returns the queue type name.
func (t QueueType) String() string {
	switch t {
	case QueueTypeGraphics:
		return "Graphics"
	case QueueTypeCompute:
		return "Compute"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// QueueDesc describes a queue.
type QueueDesc struct {
	Type  QueueType
	Label string
}

type queueItemKind uint8

const (
	itemBatch queueItemKind = iota
	itemSignal
	itemWaitFence
	itemWaitStream
)

// queueItem is one entry of the queue timeline.
type queueItem struct {
	serial uint64
	kind   queueItemKind
	cb     *CommandBuffer
	fence  *Fence
	value  uint64
	stream ExternalStream
}

// CommandQueue is an ordered execution channel.
//
// Submissions, signals and waits are appended to the queue's timeline and
// executed strictly in order by a dedicated goroutine, so Submit never
// blocks. Ordering against other queues is established only with fences.
//
// All methods are safe for concurrent use.
type CommandQueue struct {
	id     uint64
	device *Device
	desc   QueueDesc
	log    *slog.Logger
	pool   *commandPool

	// timeline reaches serial n when item n has been processed.
	timeline *Fence

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	items  []queueItem
	next   uint64
	err    error
	lost   error
	closed bool
	native any
}

func newCommandQueue(d *Device, id uint64, desc QueueDesc) *CommandQueue {
	ctx, cancel := context.WithCancel(context.Background())
	label := desc.Label
	if label == "" {
		label = fmt.Sprintf("queue-%d", id)
		desc.Label = label
	}
	return &CommandQueue{
		id:       id,
		device:   d,
		desc:     desc,
		log:      d.log.With("queue", label),
		pool:     newCommandPool(d.opts.poolSize),
		timeline: NewFence(FenceDesc{Label: label + "/timeline"}),
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Label returns the debug name.
func (q *CommandQueue) Label() string { return q.desc.Label }

// Type returns the queue type.
func (q *CommandQueue) Type() QueueType { return q.desc.Type }

// Device returns the owning device.
func (q *CommandQueue) Device() *Device { return q.device }

// Native returns the backend queue object.
func (q *CommandQueue) Native() any {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.native
}

// SetNative attaches the backend queue object.
func (q *CommandQueue) SetNative(n any) {
	q.mu.Lock()
	q.native = n
	q.mu.Unlock()
}

// Submitted returns the serial of the last item appended to the timeline.
func (q *CommandQueue) Submitted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.next
}

// Completed returns the serial of the last processed item.
func (q *CommandQueue) Completed() uint64 { return q.timeline.Value() }

// CreateCommandBuffer returns an open command buffer recording for this
// queue. Its storage comes from the queue's pool.
func (q *CommandQueue) CreateCommandBuffer(label string) (*CommandBuffer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	if err := q.lostLocked(); err != nil {
		return nil, err
	}
	return newCommandBuffer(q, label, q.pool.get()), nil
}

// lostLocked returns the device-lost error seen by this queue or by any
// other queue of the device. The caller must hold q.mu.
func (q *CommandQueue) lostLocked() error {
	if q.lost != nil {
		return q.lost
	}
	return q.device.Err()
}

// enqueueLocked appends an item and wakes the timeline goroutine.
// The caller must hold q.mu.
func (q *CommandQueue) enqueueLocked(it queueItem) uint64 {
	q.next++
	it.serial = q.next
	q.items = append(q.items, it)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return it.serial
}

// checkLocked returns an error if the queue accepts no more work.
// The caller must hold q.mu.
func (q *CommandQueue) checkLocked() error {
	if q.closed {
		return ErrQueueClosed
	}
	return q.lostLocked()
}

// Submit enqueues a closed command buffer and returns immediately. Buffers
// execute in submission order.
func (q *CommandQueue) Submit(cb *CommandBuffer) error {
	if cb == nil {
		return fmt.Errorf("submit: %w: command buffer", ErrNilResource)
	}
	if cb.queue != q {
		return fmt.Errorf("submit %q: %w", cb.label, ErrForeignObject)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkLocked(); err != nil {
		return fmt.Errorf("submit %q: %w", cb.label, err)
	}
	if err := cb.markSubmitted(q.next + 1); err != nil {
		return err
	}
	serial := q.enqueueLocked(queueItem{kind: itemBatch, cb: cb})
	q.log.Debug("gpucmd: submit", "buffer", cb.label, "serial", serial, "commands", cb.Len())
	return nil
}

// SubmitAndWait submits cb and blocks until it completes. It returns the
// buffer's execution error.
func (q *CommandQueue) SubmitAndWait(ctx context.Context, cb *CommandBuffer) error {
	if err := q.Submit(cb); err != nil {
		return err
	}
	return cb.Wait(ctx)
}

// Wait blocks until all work submitted so far has completed. It returns the
// first execution error observed since the previous Wait, or the fatal
// device error.
func (q *CommandQueue) Wait(ctx context.Context) error {
	target := q.Submitted()
	if err := q.timeline.Wait(ctx, target); err != nil {
		return fmt.Errorf("wait for queue %q: %w", q.desc.Label, err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.err
	q.err = nil
	if err == nil {
		err = q.lostLocked()
	}
	return err
}

// Signal schedules f to advance to its next value once all prior work on
// the queue completes, and returns that value.
func (q *CommandQueue) Signal(f *Fence) (uint64, error) {
	if f == nil {
		return 0, fmt.Errorf("signal: %w: fence", ErrNilResource)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkLocked(); err != nil {
		return 0, fmt.Errorf("signal %q: %w", f.Label(), err)
	}
	v := f.Reserve()
	q.enqueueLocked(queueItem{kind: itemSignal, fence: f, value: v})
	return v, nil
}

// SignalValue schedules f to advance to v once all prior work on the queue
// completes. v must exceed every value already scheduled for f.
func (q *CommandQueue) SignalValue(f *Fence, v uint64) error {
	if f == nil {
		return fmt.Errorf("signal: %w: fence", ErrNilResource)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkLocked(); err != nil {
		return fmt.Errorf("signal %q: %w", f.Label(), err)
	}
	if err := f.reserveValue(v); err != nil {
		return fmt.Errorf("signal: %w", err)
	}
	q.enqueueLocked(queueItem{kind: itemSignal, fence: f, value: v})
	return nil
}

// WaitFence makes later work on the queue wait until f reaches the value
// scheduled by its most recent signal.
func (q *CommandQueue) WaitFence(f *Fence) error {
	if f == nil {
		return fmt.Errorf("wait fence: %w: fence", ErrNilResource)
	}
	return q.WaitFenceValue(f, f.Pending())
}

// WaitFenceValue makes later work on the queue wait until f reaches v.
// Waiting on a value already reached is a no-op.
func (q *CommandQueue) WaitFenceValue(f *Fence, v uint64) error {
	if f == nil {
		return fmt.Errorf("wait fence: %w: fence", ErrNilResource)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkLocked(); err != nil {
		return fmt.Errorf("wait fence %q: %w", f.Label(), err)
	}
	if f.Reached(v) {
		return nil
	}
	q.enqueueLocked(queueItem{kind: itemWaitFence, fence: f, value: v})
	return nil
}

// WaitForCUDA makes later work on the queue wait for all work submitted so
// far to a CUDA stream. A nil stream selects DefaultStream.
func (q *CommandQueue) WaitForCUDA(stream ExternalStream) error {
	return q.waitStream(stream)
}

// WaitForDevice makes later work on the queue wait for a stream of another
// runtime on the same device. A nil stream selects DefaultStream.
func (q *CommandQueue) WaitForDevice(stream ExternalStream) error {
	return q.waitStream(stream)
}

func (q *CommandQueue) waitStream(stream ExternalStream) error {
	if stream == nil {
		stream = DefaultStream
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkLocked(); err != nil {
		return fmt.Errorf("wait for stream %q: %w", stream.Name(), err)
	}
	q.enqueueLocked(queueItem{kind: itemWaitStream, stream: stream})
	return nil
}

func (q *CommandQueue) start() {
	go q.run()
}

// run is the queue timeline. It processes items in order until the queue
// is closed and drained.
func (q *CommandQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		it := q.items[0]
		q.items[0] = queueItem{}
		q.items = q.items[1:]
		q.mu.Unlock()

		q.process(it)
		q.timeline.advance(it.serial)
	}
}

func (q *CommandQueue) process(it queueItem) {
	switch it.kind {
	case itemBatch:
		q.execute(it.cb)
	case itemSignal:
		it.fence.advance(it.value)
		q.log.Debug("gpucmd: signal", "fence", it.fence.Label(), "value", it.value)
	case itemWaitFence:
		if err := it.fence.Wait(q.ctx, it.value); err != nil {
			q.fail(fmt.Errorf("queue %q: %w", q.desc.Label, err))
		}
	case itemWaitStream:
		if err := it.stream.Wait(q.ctx); err != nil {
			q.fail(fmt.Errorf("queue %q: %w", q.desc.Label, err))
		}
	}
}

// fail records the first execution error for the next Wait.
func (q *CommandQueue) fail(err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.mu.Unlock()
	q.log.Warn("gpucmd: queue error", "err", err)
}

func (q *CommandQueue) execute(cb *CommandBuffer) {
	q.mu.Lock()
	lost := q.lostLocked()
	q.mu.Unlock()

	if lost != nil {
		q.pool.put(cb.finish(lost, true))
		return
	}
	if q.ctx.Err() != nil {
		q.pool.put(cb.finish(fmt.Errorf("execute %q: %w", cb.label, ErrQueueClosed), true))
		return
	}

	b := cb.batch()
	tracker, err := trackBatch(b, q.desc.Type, q.device.opts.validate)
	if err != nil {
		err = fmt.Errorf("execute %q: %w", cb.label, err)
		q.fail(err)
		q.pool.put(cb.finish(err, false))
		return
	}

	err = q.device.backend.Execute(q.ctx, q, b)
	switch {
	case err == nil:
		tracker.commit()
		q.log.Debug("gpucmd: retired", "buffer", cb.label, "serial", b.Serial)
		q.pool.put(cb.finish(nil, false))
	case errors.Is(err, ErrDeviceLost):
		err = fmt.Errorf("execute %q: %w", cb.label, err)
		q.mu.Lock()
		q.lost = err
		q.mu.Unlock()
		q.device.markLost(err)
		q.fail(err)
		q.pool.put(cb.finish(err, true))
	default:
		err = fmt.Errorf("execute %q: %w", cb.label, err)
		q.fail(err)
		q.pool.put(cb.finish(err, false))
	}
}

// close stops accepting work, abandons items that have not started and
// waits for the timeline goroutine to exit.
func (q *CommandQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.mu.Unlock()

	q.cancel()
	<-q.done
	q.log.Info("gpucmd: queue closed", "completed", q.timeline.Value())
}

// PoolStats reports idle command storage and how often it was reused.
func (q *CommandQueue) PoolStats() (idle, reused int) {
	return q.pool.stats()
}
