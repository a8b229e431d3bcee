/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package ipcerr classifies the failures of shared regions, mutexes and
// condition variables.
//
// Every error keeps the raw OS error in its chain, so both of these hold for
// a lock call rejected because the mutex was destroyed:
//
//	errors.Is(err, ipcerr.ErrOperation)
//	errors.Is(err, unix.EINVAL)
package ipcerr

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/srediag/procsync/internal/logging"
)

// Kind is the stage at which an OS call was rejected.
type Kind uint8

const (
	// KindAllocation: reserving or mapping shared memory.
	KindAllocation Kind = iota + 1
	// KindAttributeConfig: marking a structure process-shareable.
	KindAttributeConfig
	// KindInitialization: initializing a lock or condition structure.
	KindInitialization
	// KindOperation: lock, unlock, wait or notify.
	KindOperation
	// KindDeallocation: unmapping memory or destroying a structure.
	KindDeallocation
)

func (k Kind) String() string {
	switch k {
	case KindAllocation:
		return "allocation failure"
	case KindAttributeConfig:
		return "attribute config failure"
	case KindInitialization:
		return "initialization failure"
	case KindOperation:
		return "operation failure"
	case KindDeallocation:
		return "deallocation failure"
	}
	return "unknown failure"
}

// Error is a classified OS failure.
type Error struct {
	Kind Kind
	// Op names the rejected call, e.g. "mutex lock" or "mmap".
	Op  string
	Err error
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrAllocation      = &Error{Kind: KindAllocation}
	ErrAttributeConfig = &Error{Kind: KindAttributeConfig}
	ErrInitialization  = &Error{Kind: KindInitialization}
	ErrOperation       = &Error{Kind: KindOperation}
	ErrDeallocation    = &Error{Kind: KindDeallocation}
)

func (e *Error) Error() string {
	if e.Err == nil {
		return "procsync: " + e.Kind.String()
	}
	if e.Op == "" {
		return "procsync: " + e.Kind.String() + ": " + e.Err.Error()
	}
	return "procsync: " + e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind only.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Err != nil || t.Op != "" {
		return false
	}
	return t.Kind == e.Kind
}

// Check translates the errno returned by op into an error of the given kind.
// A zero errno means success and yields nil.
func Check(kind Kind, op string, errno unix.Errno) error {
	if errno == 0 {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: errno}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

var (
	log  = logging.New("ipcerr", nil)
	exit = os.Exit
)

// Fatal terminates the process. It is reserved for failures of automatic
// resource release, which has no caller to report to.
func Fatal(err error) {
	log.Errorf("unrecoverable: %v", err)
	exit(2)
}
