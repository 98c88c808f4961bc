// Package reporting forwards unexpected dispatch failures to an error
// tracker.
package reporting

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/angeloszaimis/taskdispatch/internal/apperr"
)

type Reporter interface {
	Capture(ctx context.Context, err error, tags map[string]string)
}

type Nop struct{}

func (Nop) Capture(context.Context, error, map[string]string) {}

// Sentry reports through its own hub so it never touches the global one.
type Sentry struct {
	hub *sentry.Hub
}

var _ Reporter = (*Sentry)(nil)

func NewSentry(dsn, release, module string) (*Sentry, error) {
	return NewSentryWithOptions(sentry.ClientOptions{
		Dsn:              dsn,
		Release:          release,
		AttachStacktrace: true,
	}, module)
}

func NewSentryWithOptions(opts sentry.ClientOptions, module string) (*Sentry, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, "reporting.sentry", err)
	}

	hub := sentry.NewHub(client, sentry.NewScope())
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("module", module)
	})

	return &Sentry{hub: hub}, nil
}

func (s *Sentry) Capture(ctx context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}

	hub := s.hub.Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("kind", string(apperr.KindOf(err)))
		if e, ok := apperr.As(err); ok && e.Op != "" {
			scope.SetTag("op", e.Op)
		}
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		scope.SetContext("dispatch", sentry.Context{"cancelled": ctx.Err() != nil})
		hub.CaptureException(err)
	})
}

func (s *Sentry) Flush(timeout time.Duration) bool {
	return s.hub.Flush(timeout)
}
