// Package notify hands user notifications to the worker through a
// queue, and delivers them from the worker to the outbound messaging
// service.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"volunteer/internal/metrics"
	"volunteer/internal/opportunity"
	"volunteer/internal/queue"
)

// Job is one notification request.
type Job struct {
	UserID     string    `json:"user_id"`
	Kind       string    `json:"kind"`
	RefID      string    `json:"ref_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// QueueNotifier implements opportunity.Notifier by enqueueing a job.
// Notify never fails the caller: enqueue errors are logged and counted.
type QueueNotifier struct {
	q       queue.Queue
	metrics *metrics.Metrics
	timeout time.Duration
}

// NewQueueNotifier creates a notifier publishing to q.
func NewQueueNotifier(q queue.Queue, m *metrics.Metrics) *QueueNotifier {
	return &QueueNotifier{q: q, metrics: m, timeout: time.Second}
}

var _ opportunity.Notifier = (*QueueNotifier)(nil)

func (n *QueueNotifier) Notify(ctx context.Context, userID, eventKind, refID string) {
	body, err := json.Marshal(Job{UserID: userID, Kind: eventKind, RefID: refID, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		log.Error().Err(err).Msg("encode notification")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()
	if err := n.q.Publish(ctx, queue.Message{Type: queue.TypeNotify, Body: body}); err != nil {
		n.metrics.Notification("enqueue", "failed")
		log.Warn().Err(err).Str("user_id", userID).Str("kind", eventKind).Msg("notification dropped")
		return
	}
	n.metrics.Notification("enqueue", "ok")
}

// Sender posts jobs to the messaging service at URL. An empty URL only
// logs the job.
type Sender struct {
	URL     string
	HTTP    *http.Client
	metrics *metrics.Metrics
}

// NewSender creates a sender.
func NewSender(url string, m *metrics.Metrics) *Sender {
	return &Sender{URL: url, HTTP: &http.Client{Timeout: 10 * time.Second}, metrics: m}
}

// Send delivers one job.
func (s *Sender) Send(ctx context.Context, job Job) error {
	if s.URL == "" {
		log.Info().Str("user_id", job.UserID).Str("kind", job.Kind).Str("ref_id", job.RefID).Msg("notification")
		s.metrics.Notification("send", "logged")
		return nil
	}
	body, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "encode notification")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build notification request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.HTTP.Do(req)
	if err != nil {
		s.metrics.Notification("send", "failed")
		return errors.Wrap(err, "notification request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		s.metrics.Notification("send", "failed")
		return errors.Errorf("notification service error %s: %s", resp.Status, string(bodyBytes))
	}
	s.metrics.Notification("send", "ok")
	return nil
}

// Run consumes notification jobs from q until ctx is done. Messages of
// other types and undecodable bodies are skipped.
func (s *Sender) Run(ctx context.Context, q queue.Queue) error {
	msgs, err := q.Consume(ctx)
	if err != nil {
		return errors.Wrap(err, "consume notifications")
	}
	for msg := range msgs {
		if msg.Type != queue.TypeNotify {
			log.Warn().Str("type", msg.Type).Msg("skipping unexpected message")
			continue
		}
		var job Job
		if err := json.Unmarshal(msg.Body, &job); err != nil {
			log.Warn().Err(err).Msg("skipping undecodable notification")
			continue
		}
		if err := s.Send(ctx, job); err != nil {
			log.Error().Err(err).Str("user_id", job.UserID).Str("kind", job.Kind).Msg("notification not sent")
		}
	}
	return nil
}
