// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package errclass implements error classification.

The general idea is to classify golang errors to an enum of strings
with names resembling standard Unix error names, so that structured
logs emitted while routing carry a stable `errClass` field.

# Design Principles

1. Preserve original error in `err` in the structured logs.

2. Add the classified error as the `errClass` field.

3. Harness errors carry their own class (see [New]).

4. Everything else is classified by [errclass.New] from
`github.com/rbmk-project/common/errclass`.

5. Map the nil error to an empty string.

# Harness Errors

- [EDECODE] for output that is not a valid message

- [ENOROUTE] for unicast messages to unknown nodes

- [EPROTO] for init messages emitted by nodes

- [ENODEDOWN] for deliveries to stopped nodes

- [ELAUNCH] for node launch failures

- [ESTOP] for node stop failures
*/
package errclass

import (
	"errors"

	"github.com/rbmk-project/common/errclass"
)

const (
	// EDECODE indicates node output that is not a valid message.
	EDECODE = "EDECODE"

	// ENOROUTE indicates a unicast to a node that does not exist.
	ENOROUTE = "ENOROUTE"

	// EPROTO indicates a protocol violation, e.g., a node emitting init.
	EPROTO = "EPROTO"

	// ENODEDOWN indicates a delivery to a node that has stopped.
	ENODEDOWN = "ENODEDOWN"

	// ELAUNCH indicates a node launch failure.
	ELAUNCH = "ELAUNCH"

	// ESTOP indicates a node stop failure.
	ESTOP = "ESTOP"

	// EGENERIC is the generic, unclassified error.
	EGENERIC = errclass.EGENERIC

	// ETIMEDOUT is the operation timed out error.
	ETIMEDOUT = errclass.ETIMEDOUT
)

// classifier is an error that knows its own class.
type classifier interface {
	ErrClass() string
}

// classifiedError is an error with a fixed class.
type classifiedError struct {
	class string
	msg   string
}

// Error implements error.
func (e *classifiedError) Error() string {
	return e.msg
}

// ErrClass implements classifier.
func (e *classifiedError) ErrClass() string {
	return e.class
}

// Sentinel returns a new sentinel error with the given message that
// [New] maps to the given class, even when wrapped.
func Sentinel(class, msg string) error {
	return &classifiedError{class: class, msg: msg}
}

// New returns the class of the given error.
func New(err error) string {
	if err == nil {
		return ""
	}
	var ce classifier
	if errors.As(err, &ce) {
		return ce.ErrClass()
	}
	return errclass.New(err)
}
