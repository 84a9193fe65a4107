// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package errors defines the error handling used throughout ijournal.io.
package errors

import (
	"bytes"
	"fmt"
	"runtime"
	"strings"

	"ijournal.io/ijournal"
	"ijournal.io/log"
)

// Error is the type that implements the error interface.
// It contains a number of fields, each of different type.
// An Error value may leave some values unset.
//
// This package imports ijournal.io/ijournal for the ImageID and Tag
// types; ijournal.io/ijournal must therefore never import this package,
// the same one-way layering upspin.io/errors keeps with upspin.io/upspin.
type Error struct {
	// Image identifies the journal this error concerns, if any.
	Image ijournal.ImageID
	// Tag identifies the append tag this error concerns, if any.
	Tag ijournal.Tag
	// Op is the operation being performed, usually the name of the
	// method being invoked (Append, Committed, etc). It should not
	// contain an at sign @.
	Op string
	// Kind is the class of error, such as a stale commit position,
	// or Other if its class is unknown or irrelevant.
	Kind Kind
	// The underlying error that triggered this one, if any.
	Err error
}

var (
	_       error = (*Error)(nil)
	zeroErr Error
)

// Separator is the string used to separate nested errors. By
// default, to make errors easier on the eye, nested errors are
// indented on a new line. A caller may instead choose to keep each
// error on a single line by modifying the separator string, perhaps
// to ":: ".
var Separator = ":\n\t"

// Kind defines the kind of error this is, for callers that must act
// differently depending on the failure mode (spec.md §7).
type Kind uint8

// Kinds of errors, matching spec.md §7's error kinds.
const (
	Other      Kind = iota // Unclassified error.
	BadMessage             // Decode failure inside a compound store op.
	NotExist               // Header or data object has been deleted.
	Exist                  // Client id already registered.
	Stale                  // Commit position superseded by a newer one.
	Shutdown               // I/O attempted after close.
	Domain                 // Invalid immutable configuration (e.g. order).
	Invalid                // Invalid argument (e.g. splay_width == 0).
	IO                     // Generic store I/O error.
	NoSpace                // Store reports no space left.
)

func (k Kind) String() string {
	switch k {
	case Other:
		return "other error"
	case BadMessage:
		return "malformed compound message"
	case NotExist:
		return "does not exist"
	case Exist:
		return "already exists"
	case Stale:
		return "stale commit position"
	case Shutdown:
		return "shutting down"
	case Domain:
		return "invalid immutable configuration"
	case Invalid:
		return "invalid argument"
	case IO:
		return "I/O error"
	case NoSpace:
		return "no space left"
	}
	return "unknown error kind"
}

// E builds an error value from its arguments.
// The type of each argument determines its meaning.
// If more than one argument of a given type is presented,
// only the last one is recorded.
//
// The types are:
//
//	ijournal.ImageID
//		The image the journal being accessed belongs to.
//	ijournal.Tag
//		The append tag being accessed.
//	string
//		The operation being performed, usually the method
//		being invoked (Append, Committed, etc).
//	errors.Kind
//		The class of error, such as a stale commit position.
//	error
//		The underlying error that triggered this one.
//
// If the error is printed, only those items that have been
// set to non-zero values will appear in the result.
//
// If Kind is not specified or Other, we set it to the Kind of
// the underlying error.
func E(args ...interface{}) error {
	if len(args) == 0 {
		return nil
	}
	e := &Error{}
	for _, arg := range args {
		switch arg := arg.(type) {
		case ijournal.ImageID:
			e.Image = arg
		case ijournal.Tag:
			e.Tag = arg
		case string:
			e.Op = arg
		case Kind:
			e.Kind = arg
		case *Error:
			// Make a copy.
			e.Err = &Error{
				Image: arg.Image,
				Tag:   arg.Tag,
				Op:    arg.Op,
				Kind:  arg.Kind,
				Err:   arg.Err,
			}
		case error:
			e.Err = arg
		default:
			_, file, line, _ := runtime.Caller(1)
			log.Error.Printf("errors.E: bad call from %s:%d: %v", file, line, args)
			return Errorf("unknown type %T, value %v in error call", arg, arg)
		}
	}
	prev, ok := e.Err.(*Error)
	if !ok {
		return e
	}

	// The previous error was also one of ours. Suppress duplication so
	// the message won't contain the same kind, image or tag twice.
	if prev.Image == e.Image {
		prev.Image = ""
	}
	if prev.Tag == e.Tag {
		prev.Tag = ""
	}
	if prev.Kind == e.Kind {
		prev.Kind = Other
	}
	// If this error has Kind unset or Other, pull up the inner one.
	if e.Kind == Other {
		e.Kind = prev.Kind
		prev.Kind = Other
	}
	return e
}

// pad appends str to the buffer if the buffer already has some data.
func pad(b *bytes.Buffer, str string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(str)
}

func (e *Error) Error() string {
	b := new(bytes.Buffer)
	if e.Image != "" {
		b.WriteString("image ")
		b.WriteString(string(e.Image))
	}
	if e.Tag != "" {
		pad(b, ", ")
		b.WriteString("tag ")
		b.WriteString(string(e.Tag))
	}
	if e.Op != "" {
		pad(b, ": ")
		b.WriteString(e.Op)
	}
	if e.Kind != 0 {
		pad(b, ": ")
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		if prevErr, ok := e.Err.(*Error); ok {
			if *prevErr != zeroErr {
				pad(b, Separator)
				b.WriteString(e.Err.Error())
			}
		} else {
			pad(b, ": ")
			b.WriteString(e.Err.Error())
		}
	}
	if b.Len() == 0 {
		return "no error"
	}
	return b.String()
}

// Unwrap allows errors.Is and errors.As from the standard library to see
// through an *Error to its cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether err is, or wraps, an *Error of the given Kind.
func Is(kind Kind, err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	if e.Kind != Other {
		return e.Kind == kind
	}
	if e.Err != nil {
		return Is(kind, e.Err)
	}
	return false
}

// Str returns an error that formats as the given text. It is intended to
// be used as the error-typed argument to the E function.
func Str(text string) error {
	return &errorString{text}
}

// errorString is a trivial implementation of error.
type errorString struct {
	s string
}

func (e *errorString) Error() string {
	return e.s
}

// Errorf is equivalent to fmt.Errorf, but allows callers to import only
// this package for all error handling.
func Errorf(format string, args ...interface{}) error {
	return &errorString{fmt.Sprintf(format, args...)}
}

// Match reports whether err2 matches err1 for the fields that are non-zero
// in err1. It is intended primarily for use in tests, to check whether the
// error produced matches the shape expected.
func Match(err1, err2 error) bool {
	e1, ok := err1.(*Error)
	if !ok {
		return err1 == err2
	}
	e2, ok := err2.(*Error)
	if !ok {
		return false
	}
	if e1.Image != "" && e2.Image != e1.Image {
		return false
	}
	if e1.Tag != "" && e2.Tag != e1.Tag {
		return false
	}
	if e1.Op != "" && e2.Op != e1.Op {
		return false
	}
	if e1.Kind != Other && e2.Kind != e1.Kind {
		return false
	}
	if e1.Err != nil {
		if _, ok := e1.Err.(*Error); ok {
			return Match(e1.Err, e2.Err)
		}
		if e2.Err == nil || !strings.Contains(e2.Err.Error(), e1.Err.Error()) {
			return false
		}
	}
	return true
}
