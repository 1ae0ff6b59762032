/*
Copyright 2026 UDS Client Gateway Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cleanup implements the session's deferred-cleanup registers as an
// explicit, mutex-serialized Registry instance instead of process-global
// lists: unlink-on-exit files, awaitable background tasks, and
// before-exit callables. Each registration returns a fresh uuid handle; the
// Registry does not detect a duplicate registration.
package cleanup

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/udsclient/gateway/lib/uds/types"
)

var log = logrus.WithField("component", "uds:cleanup")

// Registry holds one session's deferred-cleanup work. The zero value is not
// usable; construct with New.
type Registry struct {
	mu sync.Mutex

	files      []registeredFile
	tasks      []registeredTask
	beforeExit []registeredCallback
}

type registeredFile struct {
	id   uuid.UUID
	file types.RemovableFile
}

type registeredTask struct {
	id   uuid.UUID
	task types.AwaitableTask
}

type registeredCallback struct {
	id uuid.UUID
	fn func()
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

// RegisterFile records path for deletion during cleanup. earlyStage selects
// the ~3s-grace unlink pass over the ~5s-grace late pass.
func (r *Registry) RegisterFile(path string, earlyStage bool) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.New()
	r.files = append(r.files, registeredFile{id: id, file: types.RemovableFile{Path: path, EarlyStage: earlyStage}})
	return id
}

// RegisterTask records a Waiter the cleanup sequence must join.
func (r *Registry) RegisterTask(task types.Waiter, waitSubprocesses bool) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.New()
	r.tasks = append(r.tasks, registeredTask{
		id:   id,
		task: types.AwaitableTask{Task: task, WaitSubprocesses: waitSubprocesses},
	})
	return id
}

// RegisterBeforeExit records fn to run synchronously, in registration
// order, during the final cleanup step.
func (r *Registry) RegisterBeforeExit(fn func()) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.New()
	r.beforeExit = append(r.beforeExit, registeredCallback{id: id, fn: fn})
	return id
}

// EarlyStageFiles returns a snapshot of files registered with earlyStage
// true, in registration order.
func (r *Registry) EarlyStageFiles() []types.RemovableFile {
	return r.filesWhere(true)
}

// LateStageFiles returns a snapshot of files registered with earlyStage
// false, in registration order.
func (r *Registry) LateStageFiles() []types.RemovableFile {
	return r.filesWhere(false)
}

func (r *Registry) filesWhere(early bool) []types.RemovableFile {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []types.RemovableFile
	for _, f := range r.files {
		if f.file.EarlyStage == early {
			out = append(out, f.file)
		}
	}
	return out
}

// Tasks returns a snapshot of registered awaitable tasks, in registration
// order.
func (r *Registry) Tasks() []types.AwaitableTask {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.AwaitableTask, len(r.tasks))
	for i, t := range r.tasks {
		out[i] = t.task
	}
	return out
}

// RunBeforeExit invokes every registered before-exit callback, in
// registration order. A callback that panics is recovered and logged so one
// bad script-registered callback can't abort the rest of cleanup.
func (r *Registry) RunBeforeExit() {
	r.mu.Lock()
	callbacks := make([]registeredCallback, len(r.beforeExit))
	copy(callbacks, r.beforeExit)
	r.mu.Unlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithField("recovered", rec).Error("before-exit callback panicked")
				}
			}()
			cb.fn()
		}()
	}
}
