package model

import (
	"context"
	"errors"
	"strings"
)

// maxSubjectLen bounds the subject id accepted from the upstream gateway.
const maxSubjectLen = 256

// Caller identifies who is invoking an API operation. Authentication happens
// upstream, so the subject is trusted as given. Requester, comment author and
// deciding approver are always taken from the Caller, never from a body.
type Caller struct {
	SubjectID     string
	CorrelationID string
	TraceID       string
}

// Validate rejects a missing, blank, oversized or padded subject.
func (c *Caller) Validate() error {
	switch {
	case c.SubjectID == "":
		return errors.New("subject id is required")
	case strings.TrimSpace(c.SubjectID) != c.SubjectID:
		return errors.New("subject id must not carry surrounding whitespace")
	case len(c.SubjectID) > maxSubjectLen:
		return errors.New("subject id is too long")
	}
	return nil
}

type callerKey struct{}

// WithCaller attaches c to ctx.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the Caller of ctx, or nil outside an API call.
func CallerFrom(ctx context.Context) *Caller {
	c, _ := ctx.Value(callerKey{}).(*Caller)
	return c
}

// MustCaller returns the Caller of ctx and panics when there is none. Only
// handlers mounted behind the subject middleware may call it.
func MustCaller(ctx context.Context) *Caller {
	c := CallerFrom(ctx)
	if c == nil {
		panic("model: no Caller in context")
	}
	return c
}
