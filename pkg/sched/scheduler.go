// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sched provides cooperative tasks for request handlers. A task is
// a goroutine parked on a resume/park handshake, so a handler can block on
// a remote call in straight-line code while the fabric's single update loop
// keeps running. At most one task runs at a time; Resume is only legal from
// the main flow and Yield only from inside a task.
package sched

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pingcap/log"
	"github.com/pingcap/fabricmesh/pkg/errs"
	"go.uber.org/zap"
)

// TaskID identifies one task within a Scheduler. NoTask is returned by
// CurrentTaskID outside of any task.
type TaskID = int64

// NoTask is the TaskID reported when no task is running.
const NoTask TaskID = -1

type taskStatus int32

const (
	statusReady taskStatus = iota
	statusRunning
	statusSuspended
	statusDead
)

type task struct {
	id TaskID
	fn func()

	status taskStatus

	// resume unparks the task goroutine; parked reports back to the
	// Resume caller that the task has yielded or finished.
	resume chan struct{}
	parked chan struct{}
	kill   chan struct{}

	started bool
	killed  int32 // atomic
}

// Scheduler owns a set of cooperative tasks. All methods except Yield must
// be called from the main flow (the goroutine driving the update loop);
// Yield must be called from inside a running task.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[TaskID]*task
	nextID int64
	closed bool

	// current is the id of the running task, or NoTask. It is atomic only
	// so that CurrentTaskID can be read from inside task goroutines.
	current atomic.Int64

	wg sync.WaitGroup
}

// Open creates a new Scheduler.
func Open() *Scheduler {
	s := &Scheduler{
		tasks: make(map[TaskID]*task),
	}
	s.current.Store(NoTask)
	return s
}

// NewTask creates a task in READY state. The task does not run until the
// first Resume.
func (s *Scheduler) NewTask(fn func()) TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || fn == nil {
		return NoTask
	}
	s.nextID++
	t := &task{
		id:     s.nextID,
		fn:     fn,
		status: statusReady,
		resume: make(chan struct{}),
		parked: make(chan struct{}),
		kill:   make(chan struct{}),
	}
	s.tasks[t.id] = t
	return t.id
}

// Resume transfers control to the task until it yields or finishes. It is
// illegal while another task is running on this scheduler.
func (s *Scheduler) Resume(id TaskID) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errs.ErrSchedulerClosed.GenWithStackByArgs()
	}
	if s.current.Load() != NoTask {
		s.mu.Unlock()
		return errs.ErrTaskAlreadyRunning.GenWithStackByArgs()
	}
	t, ok := s.tasks[id]
	if !ok || t.status == statusDead {
		s.mu.Unlock()
		return errs.ErrTaskNotFound.GenWithStackByArgs(id)
	}
	if !t.started {
		t.started = true
		s.wg.Add(1)
		go s.runTask(t)
	}
	t.status = statusRunning
	s.current.Store(id)
	s.mu.Unlock()

	t.resume <- struct{}{}
	<-t.parked

	s.mu.Lock()
	s.current.Store(NoTask)
	if t.status == statusDead {
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	return nil
}

// Yield suspends the running task and returns control to the Resume caller.
// Calling Yield outside a task is a no-op.
func (s *Scheduler) Yield() {
	id := s.current.Load()
	if id == NoTask {
		log.Warn("yield called outside of any task")
		return
	}
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	t.status = statusSuspended
	s.mu.Unlock()

	t.parked <- struct{}{}
	select {
	case <-t.resume:
	case <-t.kill:
		runtime.Goexit()
	}
}

// CurrentTaskID returns the id of the running task, or NoTask.
func (s *Scheduler) CurrentTaskID() TaskID {
	return s.current.Load()
}

// TaskCount returns the number of live tasks in any state.
func (s *Scheduler) TaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close destroys every task regardless of state and releases the
// scheduler. Suspended tasks are killed without running the rest of their
// function.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.tasks = make(map[TaskID]*task)
	s.mu.Unlock()

	for _, t := range tasks {
		if t.started && t.status == statusSuspended {
			atomic.StoreInt32(&t.killed, 1)
			close(t.kill)
		}
	}
	s.wg.Wait()
}

func (s *Scheduler) runTask(t *task) {
	defer s.wg.Done()
	<-t.resume
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked",
				zap.Int64("taskID", t.id),
				zap.Any("panic", r))
		}
		if atomic.LoadInt32(&t.killed) == 1 {
			return
		}
		s.mu.Lock()
		t.status = statusDead
		s.mu.Unlock()
		t.parked <- struct{}{}
	}()
	t.fn()
}
