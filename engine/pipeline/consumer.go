package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/wessley-collision/engine/domain"
	"github.com/WessleyAI/wessley-collision/engine/ingest"
	"github.com/WessleyAI/wessley-collision/pkg/natsutil"
)

// ConsumerOpts configures the NATS consumers.
type ConsumerOpts struct {
	Queue      string
	MaxRetries int
	Logger     *slog.Logger
}

// Permanent reports whether err comes from the submission itself rather
// than from infrastructure, so redelivering it cannot help.
func Permanent(err error) bool {
	var (
		ve *domain.ValidationError
		re *ingest.RejectedError
		de *domain.DataIntegrityError
		pe *PersistError
	)
	return errors.As(err, &ve) || errors.As(err, &re) || errors.As(err, &de) || errors.As(err, &pe)
}

// StartConsumers subscribes the service to TelemetrySubject and to
// PersistSubject. Telemetry that fails permanently goes straight to
// DLQSubject; deferred estimate writes are retried and end up in
// PersistDLQSubject when the store stays down.
func StartConsumers(nc *nats.Conn, svc *Service, opts ConsumerOpts) ([]*nats.Subscription, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	telemetry, err := natsutil.Consume(nc, natsutil.ConsumerOpts{
		Subject:    TelemetrySubject,
		Queue:      opts.Queue,
		DLQSubject: DLQSubject,
		MaxRetries: opts.MaxRetries,
		Logger:     log,
	}, func(ctx context.Context, sub domain.Submission) error {
		out, err := svc.Submit(ctx, sub)
		if err != nil {
			if Permanent(err) {
				return errors.Join(natsutil.ErrPermanent, err)
			}
			return err
		}
		log.Debug("consumer: telemetry processed", "session", sub.SessionID, "status", out.Status, "reason", out.Reason)
		return nil
	})
	if err != nil {
		return nil, err
	}

	persist, err := natsutil.Consume(nc, natsutil.ConsumerOpts{
		Subject:    PersistSubject,
		Queue:      opts.Queue,
		DLQSubject: PersistDLQSubject,
		MaxRetries: opts.MaxRetries,
		Logger:     log,
	}, svc.Save)
	if err != nil {
		_ = telemetry.Unsubscribe()
		return nil, err
	}
	return []*nats.Subscription{telemetry, persist}, nil
}
