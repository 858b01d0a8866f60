package slotsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

type PushOp string

const (
	PushCreate PushOp = "create"
	PushDelete PushOp = "delete"
)

// PushTask is a provider write that failed transiently in the request path
// and is retried in the background.
type PushTask struct {
	ID              string    `json:"id"`
	Op              PushOp    `json:"op"`
	SlotID          string    `json:"slotId"`
	ConnectionID    string    `json:"connectionId"`
	ExternalEventID string    `json:"externalEventId,omitempty"`
	Attempt         int       `json:"attempt"`
	CorrelationID   string    `json:"correlationId,omitempty"`
	EnqueuedAt      time.Time `json:"enqueuedAt"`
}

type PushDeadLetter struct {
	Task      PushTask  `json:"task"`
	FailedAt  time.Time `json:"failedAt"`
	LastError string    `json:"lastError"`
}

type pushQueue struct {
	ch          chan PushTask
	mu          sync.Mutex
	queued      map[string]struct{}
	deadLetters map[string]PushDeadLetter
}

func newPushQueue(capacity int) *pushQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &pushQueue{
		ch:          make(chan PushTask, capacity),
		queued:      map[string]struct{}{},
		deadLetters: map[string]PushDeadLetter{},
	}
}

func pushTaskKey(op PushOp, slotID string) string {
	return string(op) + ":" + slotID
}

func (q *pushQueue) tryEnqueue(task PushTask) bool {
	key := pushTaskKey(task.Op, task.SlotID)
	q.mu.Lock()
	if _, exists := q.queued[key]; exists {
		q.mu.Unlock()
		return true
	}
	q.queued[key] = struct{}{}
	q.mu.Unlock()
	select {
	case q.ch <- task:
		return true
	default:
		q.mu.Lock()
		delete(q.queued, key)
		q.mu.Unlock()
		return false
	}
}

func (q *pushQueue) done(task PushTask) {
	q.mu.Lock()
	delete(q.queued, pushTaskKey(task.Op, task.SlotID))
	q.mu.Unlock()
}

func (q *pushQueue) deadLetter(task PushTask, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deadLetters[task.ID] = PushDeadLetter{Task: task, FailedAt: time.Now().UTC(), LastError: err.Error()}
}

func (q *pushQueue) listDeadLetters() []PushDeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PushDeadLetter, 0, len(q.deadLetters))
	for _, dl := range q.deadLetters {
		out = append(out, dl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	return out
}

func (s *ReservationService) enqueuePush(task PushTask) {
	if task.ID == "" {
		task.ID = fmt.Sprintf("push_%d", time.Now().UnixNano())
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = s.now()
	}
	select {
	case <-s.closed:
		return
	default:
	}
	if !s.push.tryEnqueue(task) {
		s.logger.Error("push queue full", "slot", task.SlotID, "op", task.Op)
		s.push.deadLetter(task, ErrQueueFull)
	}
}

func (s *ReservationService) pushWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closed:
			return
		case task := <-s.push.ch:
			s.push.done(task)
			s.processPush(task)
		}
	}
}

func (s *ReservationService) processPush(task PushTask) {
	task.Attempt++
	ctx, cancel := context.WithTimeout(s.baseCtx, s.pushTimeout)
	defer cancel()
	var err error
	switch task.Op {
	case PushCreate:
		err = s.retryCreate(ctx, task)
	case PushDelete:
		err = s.retryDelete(ctx, task)
	default:
		err = fmt.Errorf("unknown push op %s", task.Op)
	}
	if err == nil {
		return
	}
	var perr *ProviderError
	retryable := errors.As(err, &perr) && perr.Retryable()
	if retryable && task.Attempt < s.pushMaxAttempts {
		s.logger.Warn("provider push retry scheduled", "slot", task.SlotID, "op", task.Op, "attempt", task.Attempt, "error", err)
		time.AfterFunc(s.pushRetryDelay, func() {
			select {
			case <-s.closed:
			default:
				s.enqueuePush(task)
			}
		})
		return
	}
	s.logger.Error("provider push dead-lettered", "slot", task.SlotID, "op", task.Op, "attempt", task.Attempt, "error", err)
	s.push.deadLetter(task, err)
}

func (s *ReservationService) retryCreate(ctx context.Context, task PushTask) error {
	slot, err := s.ledger.Get(ctx, task.SlotID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if slot.Status.Terminal() || slot.ExternalEventID != "" {
		return nil
	}
	conn, err := s.conns.Get(ctx, task.ConnectionID)
	if err != nil {
		return err
	}
	_, err = s.pushSlot(ctx, slot, conn)
	return err
}

func (s *ReservationService) retryDelete(ctx context.Context, task PushTask) error {
	conn, err := s.conns.Get(ctx, task.ConnectionID)
	if err != nil {
		return err
	}
	return s.caller.DeleteEvent(ctx, conn, task.ExternalEventID)
}

// DeadLetters lists provider writes that exhausted their retries.
func (s *ReservationService) DeadLetters() []PushDeadLetter {
	return s.push.listDeadLetters()
}
