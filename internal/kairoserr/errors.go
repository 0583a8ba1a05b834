// Package kairoserr provides error handling for SyncKairos.
//
// DomainError (domain.go) is the typed error every component raises
// across a boundary: a stable Code, a client-safe Message, and an
// optional wrapped cause. This file re-exports the
// github.com/cockroachdb/errors helpers that don't collide with
// DomainError's own New/Newf/Wrap/Wrapf constructors, for stack-trace
// capture, annotation, and inspection on the underlying cause.
//
// Usage:
//
//	if err := doSomething(); err != nil {
//	    return kairoserr.Wrap(kairoserr.CodeValidationError, err, "failed to do something")
//	}
package kairoserr

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	WithStack   = crdb.WithStack
	WithMessage = crdb.WithMessage
)

var (
	WithHint        = crdb.WithHint
	WithDetail      = crdb.WithDetail
	WithDetailf     = crdb.WithDetailf
	WithSafeDetails = crdb.WithSafeDetails
)

var (
	Is     = crdb.Is
	As     = crdb.As
	Unwrap = crdb.Unwrap
)

// GetStack is an alias for GetReportableStackTrace for convenience.
var GetStack = crdb.GetReportableStackTrace
