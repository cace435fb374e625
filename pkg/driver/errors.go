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

package driver

import (
	"fmt"

	"github.com/united-manufacturing-hub/streamcheck/pkg/admin"
)

// RPCError is an admin call that failed for a reason other than an expired session.
type RPCError struct {
	Op   string
	Kind admin.Kind
	Name string
	Err  error
}

func (e *RPCError) Error() string {
	switch {
	case e.Name != "":
		return fmt.Sprintf("driver: %s %s %q: %v", e.Op, e.Kind, e.Name, e.Err)
	case e.Kind != "":
		return fmt.Sprintf("driver: %s %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("driver: %s: %v", e.Op, e.Err)
}

func (e *RPCError) Unwrap() error {
	return e.Err
}

// DeltaMismatchError means the active count of a kind did not change by the
// number of artifacts deployed or removed.
type DeltaMismatchError struct {
	Kind   admin.Kind
	Before int
	Delta  int
	Got    int
}

func (e *DeltaMismatchError) Error() string {
	return fmt.Sprintf("driver: expected %d active %s (baseline %d %+d), got %d",
		e.Before+e.Delta, e.Kind.Plural(), e.Before, e.Delta, e.Got)
}
