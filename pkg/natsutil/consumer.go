package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"

	"github.com/nats-io/nats.go"
)

// RetryHeader carries the number of failed deliveries so far.
const RetryHeader = "X-Retry-Count"

// DefaultMaxRetries is used when ConsumerOpts.MaxRetries is zero.
const DefaultMaxRetries = 3

// ErrPermanent marks a handler error that must not be retried.
var ErrPermanent = errors.New("permanent failure")

// ConsumerOpts configures Consume.
type ConsumerOpts struct {
	Subject    string
	Queue      string
	DLQSubject string
	MaxRetries int
	Logger     *slog.Logger
}

// DeadLetter is published to the DLQ subject once retries are exhausted.
type DeadLetter struct {
	Subject string          `json:"subject"`
	Payload json.RawMessage `json:"payload"`
	Error   string          `json:"error"`
	Retries int             `json:"retries"`
}

// Retries reads the retry counter from a message header.
func Retries(msg *nats.Msg) int {
	if msg.Header == nil {
		return 0
	}
	n, err := strconv.Atoi(msg.Header.Get(RetryHeader))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Consume subscribes handler to opts.Subject. Failed messages are
// republished with an incremented RetryHeader; after MaxRetries, or on an
// error wrapping ErrPermanent, they go to DLQSubject. Undecodable payloads
// go straight to the DLQ.
func Consume[T any](nc *nats.Conn, opts ConsumerOpts, handler func(context.Context, T) error) (*nats.Subscription, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}

	cb := func(msg *nats.Msg) {
		retries := Retries(msg)
		var v T
		err := json.Unmarshal(msg.Data, &v)
		if err != nil {
			err = errors.Join(ErrPermanent, err)
		} else {
			err = handler(extract(msg), v)
		}
		if err == nil {
			ack(msg)
			return
		}

		retries++
		log.Error("consumer: handler failed", "subject", opts.Subject, "error", err, "retry", retries)
		if errors.Is(err, ErrPermanent) || retries >= opts.MaxRetries {
			deadLetter(nc, opts, msg, err, retries, log)
		} else {
			retry := nats.NewMsg(opts.Subject)
			retry.Data = msg.Data
			retry.Header = nats.Header{}
			for k, vs := range msg.Header {
				retry.Header[k] = vs
			}
			retry.Header.Set(RetryHeader, strconv.Itoa(retries))
			if perr := nc.PublishMsg(retry); perr != nil {
				log.Error("consumer: retry publish failed", "error", perr)
			}
		}
		ack(msg)
	}

	if opts.Queue != "" {
		return nc.QueueSubscribe(opts.Subject, opts.Queue, cb)
	}
	return nc.Subscribe(opts.Subject, cb)
}

func deadLetter(nc *nats.Conn, opts ConsumerOpts, msg *nats.Msg, cause error, retries int, log *slog.Logger) {
	if opts.DLQSubject == "" {
		log.Warn("consumer: dropping message, no DLQ configured", "subject", opts.Subject)
		return
	}
	payload := json.RawMessage(msg.Data)
	if !json.Valid(msg.Data) {
		payload, _ = json.Marshal(string(msg.Data))
	}
	dl := DeadLetter{Subject: opts.Subject, Payload: payload, Error: cause.Error(), Retries: retries}
	data, err := json.Marshal(dl)
	if err == nil {
		err = nc.Publish(opts.DLQSubject, data)
	}
	if err != nil {
		log.Error("consumer: DLQ publish failed", "error", err)
	}
}

// ack acknowledges JetStream deliveries; core NATS messages have no reply.
func ack(msg *nats.Msg) {
	if msg.Reply != "" {
		_ = msg.Ack()
	}
}
