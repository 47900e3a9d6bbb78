// Package errors re-exports github.com/cockroachdb/errors and adds the
// broker's error-kind taxonomy (section 7 of the design: Protocol, Auth,
// Quota, NotFound, Storage, Schema, Metadata, Transient, Fatal).
//
// Usage:
//
//	if err := svc.Publish(ctx, pkt); err != nil {
//	    return errors.WithKind(err, errors.KindAuth)
//	}
//
//	if errors.KindOf(err) == errors.KindAuth {
//	    // deny with NotAuthorized
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping.
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing context.
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithSecondaryError = crdb.WithSecondaryError
)

// Inspection.
var (
	Is     = crdb.Is
	As     = crdb.As
	Unwrap = crdb.Unwrap
)

// Kind classifies an error the way the broker's propagation policy
// (spec section 7) needs to: by what the caller should do about it, not
// by where it came from.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindProtocol
	KindAuth
	KindQuota
	KindNotFound
	KindStorage
	KindSchema
	KindMetadata
	KindTransient
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindQuota:
		return "quota"
	case KindNotFound:
		return "not_found"
	case KindStorage:
		return "storage"
	case KindSchema:
		return "schema"
	case KindMetadata:
		return "metadata"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type kindError struct {
	error
	kind Kind
}

func (e *kindError) Unwrap() error { return e.error }

// WithKind tags err with a Kind. Tagging is additive: wrapping an
// already-kinded error replaces the kind reported by KindOf but keeps
// the original error in the chain for Is/As.
func WithKind(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return &kindError{error: err, kind: kind}
}

// KindOf walks the error chain from the outside in and returns the
// first Kind tag it meets (the most recently applied one), returning
// KindUnknown if none was attached.
func KindOf(err error) Kind {
	for err != nil {
		if ke, ok := err.(*kindError); ok {
			return ke.kind
		}
		err = crdb.UnwrapOnce(err)
	}
	return KindUnknown
}
