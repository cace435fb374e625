// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package portmanager hands out capture sink ports from a fixed range, one per scenario
package portmanager

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

var (
	// ErrPortInUse is returned when a port belongs to another scenario
	ErrPortInUse = errors.New("port is already in use by another scenario")

	// ErrNoPorts is returned when every port in the range is taken or busy
	ErrNoPorts = errors.New("no available ports")
)

// PortManager is an interface that defines methods for managing sink ports
type PortManager interface {
	// AllocatePort allocates a port for a given scenario and returns it
	// Returns an error if no ports are available
	AllocatePort(name string) (int, error)

	// ReleasePort releases a port previously allocated to a scenario
	// Returns an error if the scenario doesn't have a port
	ReleasePort(name string) error

	// GetPort retrieves the port for a given scenario
	// Returns the port and true if found, 0 and false otherwise
	GetPort(name string) (int, bool)

	// ReservePort attempts to reserve a specific port for a scenario
	// Returns an error if the port is already in use
	ReservePort(name string, port int) error
}

// ProbeFunc reports whether a port can be bound right now.
type ProbeFunc func(port int) error

// ListenProbe returns a ProbeFunc that binds and immediately closes host:port.
func ListenProbe(host string) ProbeFunc {
	return func(port int) error {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return err
		}
		return ln.Close()
	}
}

// DefaultPortManager is a thread-safe implementation of PortManager
// that keeps track of ports in a simple in-memory store
type DefaultPortManager struct {
	// mutex to protect concurrent access to maps
	mutex sync.RWMutex

	// byName maps scenario names to their allocated ports
	byName map[string]int

	// byPort maps ports to scenario names
	byPort map[int]string

	// probe skips ports another process holds
	probe ProbeFunc

	// configuration
	minPort  int
	maxPort  int
	nextPort int
}

// NewDefaultPortManager creates a new DefaultPortManager with the given port
// range. A nil probe treats every untracked port as free.
func NewDefaultPortManager(minPort, maxPort int, probe ProbeFunc) (*DefaultPortManager, error) {
	if minPort <= 0 || maxPort <= 0 {
		return nil, fmt.Errorf("port range must be positive")
	}
	if minPort >= maxPort {
		return nil, fmt.Errorf("minPort must be less than maxPort")
	}
	if minPort < 1024 {
		return nil, fmt.Errorf("minPort must be at least 1024 (non-privileged)")
	}
	if maxPort > 65535 {
		return nil, fmt.Errorf("maxPort must be at most 65535")
	}
	if probe == nil {
		probe = func(int) error { return nil }
	}

	return &DefaultPortManager{
		byName:   make(map[string]int),
		byPort:   make(map[int]string),
		probe:    probe,
		minPort:  minPort,
		maxPort:  maxPort,
		nextPort: minPort,
	}, nil
}

// AllocatePort allocates the next free port for a scenario. A scenario
// that already holds a port gets it again.
func (pm *DefaultPortManager) AllocatePort(name string) (int, error) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	if port, exists := pm.byName[name]; exists {
		return port, nil
	}

	start := pm.nextPort
	port := start
	for {
		if _, taken := pm.byPort[port]; !taken && pm.probe(port) == nil {
			pm.byName[name] = port
			pm.byPort[port] = name

			pm.nextPort = port + 1
			if pm.nextPort > pm.maxPort {
				pm.nextPort = pm.minPort
			}
			return port, nil
		}

		port++
		if port > pm.maxPort {
			port = pm.minPort
		}
		if port == start {
			return 0, fmt.Errorf("%w in range %d-%d", ErrNoPorts, pm.minPort, pm.maxPort)
		}
	}
}

// ReleasePort releases a port previously allocated to a scenario
func (pm *DefaultPortManager) ReleasePort(name string) error {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	port, exists := pm.byName[name]
	if !exists {
		return fmt.Errorf("scenario %s has no allocated port", name)
	}
	delete(pm.byName, name)
	delete(pm.byPort, port)
	return nil
}

// GetPort retrieves the port for a given scenario
func (pm *DefaultPortManager) GetPort(name string) (int, bool) {
	pm.mutex.RLock()
	defer pm.mutex.RUnlock()

	port, exists := pm.byName[name]
	return port, exists
}

// ReservePort attempts to reserve a specific port for a scenario
func (pm *DefaultPortManager) ReservePort(name string, port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port: %d (must be positive)", port)
	}
	if port < pm.minPort || port > pm.maxPort {
		return fmt.Errorf("port %d is outside the allowed range (%d-%d)", port, pm.minPort, pm.maxPort)
	}

	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	if owner, exists := pm.byPort[port]; exists {
		if owner != name {
			return fmt.Errorf("%w: port %d belongs to %s", ErrPortInUse, port, owner)
		}
		return nil
	}
	if existing, exists := pm.byName[name]; exists {
		if existing != port {
			return fmt.Errorf("scenario %s already has port %d allocated", name, existing)
		}
		return nil
	}

	pm.byName[name] = port
	pm.byPort[port] = name
	return nil
}
