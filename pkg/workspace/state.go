// Copyright (c) 2022 Devbench GmbH. All rights reserved.
// Licensed under the GNU Affero General Public License (AGPL).
// See License.AGPL.txt in the project root for license information.

package workspace

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// DesiredState is the set of workspaces a devbench installation is supposed
// to converge towards. It is the content of the state file `devbench run` watches.
type DesiredState struct {
	Workspaces []Identity `json:"workspaces"`
}

// Validate ensures all identities are usable and no two entries name the same workspace
func (s *DesiredState) Validate() error {
	seen := make(map[string]struct{}, len(s.Workspaces))
	for _, ws := range s.Workspaces {
		if err := ws.Validate(); err != nil {
			return xerrors.Errorf("workspace %s: %w", ws.String(), err)
		}
		if _, ok := seen[ws.String()]; ok {
			return xerrors.Errorf("workspace %s appears more than once", ws.String())
		}
		seen[ws.String()] = struct{}{}
	}
	return nil
}

// LoadState reads and validates a desired-state file
func LoadState(location string) (*DesiredState, error) {
	fc, err := os.ReadFile(location)
	if err != nil {
		return nil, xerrors.Errorf("cannot read state file: %w", err)
	}

	var state DesiredState
	if err := json.Unmarshal(fc, &state); err != nil {
		return nil, xerrors.Errorf("cannot unmarshal state file: %w", err)
	}
	if err := state.Validate(); err != nil {
		return nil, xerrors.Errorf("state file invalid: %w", err)
	}
	return &state, nil
}

// StateService watches the desired-state file and notifies observers whenever
// it changes. A missing file is not an error: the service polls until the file
// shows up and starts watching then.
type StateService struct {
	location string

	state     *DesiredState
	listeners map[stateListener]struct{}
	stop      context.CancelFunc
	mu        sync.Mutex
	pollTimer *time.Timer

	log *logrus.Entry
}

type stateListener struct {
	states chan *DesiredState
	errors chan error
	// done is closed when the observer departs, so a dispatch blocked on an
	// undrained channel unblocks instead of stalling the service forever
	done chan struct{}
}

// NewStateService creates a new instance of StateService
func NewStateService(location string, log *logrus.Entry) *StateService {
	return &StateService{
		location:  location,
		listeners: make(map[stateListener]struct{}),
		log:       log,
	}
}

// Observe provides channels triggered whenever the state is changed or errored.
// The current state is delivered first.
func (service *StateService) Observe(ctx context.Context) (<-chan *DesiredState, <-chan error) {
	listener := stateListener{
		states: make(chan *DesiredState),
		errors: make(chan error),
		done:   make(chan struct{}),
	}

	go func() {
		err := service.start()
		if err != nil {
			select {
			case listener.errors <- err:
			case <-ctx.Done():
			}
			// never registered, so no dispatch can hold a reference
			close(listener.states)
			close(listener.errors)
			return
		}

		service.mu.Lock()
		state := service.state
		service.listeners[listener] = struct{}{}
		service.mu.Unlock()

		if state != nil {
			select {
			case listener.states <- state:
			case <-ctx.Done():
			}
		}

		<-ctx.Done()

		// unblock in-flight dispatches before deregistering; the channels
		// stay open because a dispatch may still hold a snapshot of them
		close(listener.done)

		service.mu.Lock()
		delete(service.listeners, listener)
		if len(service.listeners) == 0 && service.stop != nil {
			service.stop()
			service.stop = nil
		}
		service.mu.Unlock()
	}()
	return listener.states, listener.errors
}

func (service *StateService) start() error {
	service.mu.Lock()
	if service.stop != nil {
		// already running
		service.mu.Unlock()
		return nil
	}

	service.log.WithField("location", service.location).Info("starting to watch desired state")
	watchCtx, stop := context.WithCancel(context.Background())
	service.stop = stop
	service.mu.Unlock()

	_, err := os.Stat(service.location)
	if os.IsNotExist(err) {
		go service.poll(watchCtx)
		return nil
	}
	if err := service.updateState(); err != nil {
		return err
	}
	return service.watch(watchCtx)
}

func (service *StateService) watch(ctx context.Context) (err error) {
	watcher, err := fsnotify.NewWatcher()
	defer func() {
		if err != nil {
			service.log.WithField("location", service.location).WithError(err).Error("cannot watch desired state")
			return
		}

		service.log.WithField("location", service.location).Info("watching desired state")
	}()
	if err != nil {
		return err
	}

	err = watcher.Add(service.location)
	if err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer service.log.WithField("location", service.location).Info("stopped watching desired state")
		defer watcher.Close()

		polling := make(chan struct{}, 1)
		for {
			select {
			case <-polling:
				return
			case <-ctx.Done():
				return
			case err := <-watcher.Errors:
				service.dispatchError(err)
			case <-watcher.Events:
				service.scheduleUpdateState(ctx, polling)
			}
		}
	}()

	return nil
}

// scheduleUpdateState debounces rapid state file rewrites into a single update
func (service *StateService) scheduleUpdateState(ctx context.Context, polling chan<- struct{}) {
	service.mu.Lock()
	defer service.mu.Unlock()
	if service.pollTimer != nil {
		service.pollTimer.Stop()
	}
	service.pollTimer = time.AfterFunc(100*time.Millisecond, func() {
		err := service.updateState()
		if xerrors.Is(err, os.ErrNotExist) {
			// editors replace files on save; fall back to polling until it reappears
			polling <- struct{}{}
			go service.poll(ctx)
		} else if err != nil {
			service.dispatchError(err)
		} else {
			service.dispatchState()
		}
	})
}

// snapshotListeners copies the listener set so dispatching can send without
// holding the lock; a send blocked on a slow listener must not stall
// registration and deregistration.
func (service *StateService) snapshotListeners() []stateListener {
	service.mu.Lock()
	defer service.mu.Unlock()

	listeners := make([]stateListener, 0, len(service.listeners))
	for listener := range service.listeners {
		listeners = append(listeners, listener)
	}
	return listeners
}

func (service *StateService) dispatchError(err error) {
	for _, listener := range service.snapshotListeners() {
		select {
		case listener.errors <- err:
		case <-listener.done:
		}
	}
}

func (service *StateService) dispatchState() {
	service.mu.Lock()
	state := service.state
	service.mu.Unlock()

	for _, listener := range service.snapshotListeners() {
		select {
		case listener.states <- state:
		case <-listener.done:
		}
	}
}

func (service *StateService) poll(ctx context.Context) {
	timer := time.NewTicker(2 * time.Second)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if _, err := os.Stat(service.location); !os.IsNotExist(err) {
			if err := service.updateState(); err == nil {
				service.dispatchState()
			}
			_ = service.watch(ctx)
			return
		}
	}
}

func (service *StateService) updateState() error {
	state, err := LoadState(service.location)
	if err != nil {
		return err
	}

	service.mu.Lock()
	service.state = state
	service.mu.Unlock()
	return nil
}
