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

package portmanager

import (
	"sync"
)

// MockPortManager is a mock implementation of PortManager for testing
type MockPortManager struct {
	sync.Mutex
	Ports              map[string]int
	AllocatedPorts     map[int]string
	AllocatePortCalled bool
	ReleasePortCalled  bool
	AllocatePortResult int
	AllocatePortError  error
	ReleasePortError   error
}

// Ensure MockPortManager implements PortManager
var _ PortManager = (*MockPortManager)(nil)

// NewMockPortManager creates a new MockPortManager
func NewMockPortManager() *MockPortManager {
	return &MockPortManager{
		Ports:          make(map[string]int),
		AllocatedPorts: make(map[int]string),
	}
}

// AllocatePort returns AllocatePortResult or AllocatePortError
func (m *MockPortManager) AllocatePort(name string) (int, error) {
	m.Lock()
	defer m.Unlock()

	m.AllocatePortCalled = true
	if m.AllocatePortError != nil {
		return 0, m.AllocatePortError
	}
	if port, ok := m.Ports[name]; ok {
		return port, nil
	}
	m.Ports[name] = m.AllocatePortResult
	m.AllocatedPorts[m.AllocatePortResult] = name
	return m.AllocatePortResult, nil
}

// ReleasePort forgets the port of name
func (m *MockPortManager) ReleasePort(name string) error {
	m.Lock()
	defer m.Unlock()

	m.ReleasePortCalled = true
	if m.ReleasePortError != nil {
		return m.ReleasePortError
	}
	if port, ok := m.Ports[name]; ok {
		delete(m.Ports, name)
		delete(m.AllocatedPorts, port)
	}
	return nil
}

// GetPort returns the port for name
func (m *MockPortManager) GetPort(name string) (int, bool) {
	m.Lock()
	defer m.Unlock()
	port, ok := m.Ports[name]
	return port, ok
}

// ReservePort records port for name
func (m *MockPortManager) ReservePort(name string, port int) error {
	m.Lock()
	defer m.Unlock()
	if owner, ok := m.AllocatedPorts[port]; ok && owner != name {
		return ErrPortInUse
	}
	m.Ports[name] = port
	m.AllocatedPorts[port] = name
	return nil
}
