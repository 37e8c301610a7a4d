// Package notify broadcasts schedule reminders over WhatsApp, at most once per
// event, reminder kind and day.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelurahan-dev/jadwal/internal/whatsapp"
	"github.com/kelurahan-dev/jadwal/pkg/metrics"
	"github.com/montanaflynn/stats"
	"go.uber.org/zap"
)

var (
	ErrAlreadySent    = errors.New("notify: already sent")
	ErrNotReady       = errors.New("notify: whatsapp not connected after waiting")
	ErrInvalidRequest = errors.New("notify: invalid request")
)

const (
	MetricSent   = "whatsapp_notify_sent"
	MetricFailed = "whatsapp_notify_failed"
)

type Recipient struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type Request struct {
	EventID    string      `json:"event_id"`
	Kind       string      `json:"kind"`
	Date       string      `json:"date"` // YYYY-MM-DD, today when empty
	Recipients []Recipient `json:"recipients"`
	Body       string      `json:"body"`
	// SkipDedupe sends without a reservation, used for broadcasts to everyone
	SkipDedupe bool `json:"skip_dedupe"`
}

type Failure struct {
	Recipient string `json:"recipient"`
	Error     string `json:"error"`
}

type Result struct {
	Recipients  int       `json:"recipients"`
	Sent        int       `json:"sent"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	Failures    []Failure `json:"failures,omitempty"`
	LatencyMean float64   `json:"latency_mean_ms"`
	LatencyP95  float64   `json:"latency_p95_ms"`
}

type Options struct {
	SendInterval        time.Duration
	ConnectWaitRetries  int
	ConnectWaitInterval time.Duration
	MaxFailuresReported int
}

type Broadcaster struct {
	sender whatsapp.Sender
	repo   LogRepository
	opts   Options
}

func NewBroadcaster(sender whatsapp.Sender, repo LogRepository, opts Options) *Broadcaster {
	if opts.MaxFailuresReported <= 0 {
		opts.MaxFailuresReported = 20
	}
	return &Broadcaster{sender: sender, repo: repo, opts: opts}
}

// Broadcast sends req.Body to every recipient with a phone number, one at a
// time. When every send fails the reservation is released so a later run can
// try again.
func (b *Broadcaster) Broadcast(ctx context.Context, req Request) (*Result, error) {
	if req.EventID == "" || req.Kind == "" || strings.TrimSpace(req.Body) == "" {
		return nil, fmt.Errorf("%w: event_id, kind and body are required", ErrInvalidRequest)
	}
	if req.Date == "" {
		req.Date = time.Now().Format("2006-01-02")
	}

	recipients := make([]Recipient, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		if strings.TrimSpace(r.Phone) != "" {
			recipients = append(recipients, r)
		}
	}
	result := &Result{Recipients: len(recipients), Skipped: len(req.Recipients) - len(recipients)}
	if len(recipients) == 0 {
		zap.L().Info("notify: no recipients with a phone number", zap.String("event", req.EventID), zap.String("kind", req.Kind))
		return result, nil
	}

	if err := b.waitReady(ctx); err != nil {
		return nil, err
	}

	if !req.SkipDedupe {
		reserved, err := b.repo.Reserve(ctx, req.EventID, req.Kind, req.Date)
		if err != nil {
			return nil, err
		}
		if !reserved {
			zap.L().Info("notify: broadcast already sent",
				zap.String("event", req.EventID), zap.String("kind", req.Kind), zap.String("date", req.Date))
			return nil, ErrAlreadySent
		}
	}

	latencies := make([]float64, 0, len(recipients))
	var sendErr error
	for i, r := range recipients {
		if i > 0 {
			if sendErr = sleep(ctx, b.opts.SendInterval); sendErr != nil {
				break
			}
		}
		start := time.Now()
		_, err := b.sender.SendText(ctx, r.Phone, req.Body)
		latencies = append(latencies, float64(time.Since(start).Microseconds())/1000)
		if err != nil {
			result.Failed++
			if len(result.Failures) < b.opts.MaxFailuresReported {
				result.Failures = append(result.Failures, Failure{Recipient: r.Phone, Error: err.Error()})
			}
			zap.L().Warn("notify: send failed", zap.String("event", req.EventID), zap.String("to", r.Phone), zap.Error(err))
			continue
		}
		result.Sent++
	}
	if mean, err := stats.Mean(latencies); err == nil {
		result.LatencyMean = mean
	}
	if p95, err := stats.PercentileNearestRank(latencies, 95); err == nil {
		result.LatencyP95 = p95
	}

	metrics.Incr(MetricSent, int64(result.Sent))
	metrics.Incr(MetricFailed, int64(result.Failed))

	if !req.SkipDedupe {
		b.finish(req, result)
	}

	zap.L().Info("notify: broadcast finished",
		zap.String("event", req.EventID),
		zap.String("kind", req.Kind),
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed),
		zap.Float64("latency_p95_ms", result.LatencyP95))
	return result, sendErr
}

func (b *Broadcaster) finish(req Request, result *Result) {
	// the request context may be gone after a cancelled run
	ctx := context.Background()
	var err error
	if result.Sent == 0 {
		err = b.repo.Release(ctx, req.EventID, req.Kind, req.Date)
	} else {
		err = b.repo.Complete(ctx, req.EventID, req.Kind, req.Date, result.Sent, result.Failed)
	}
	if err != nil {
		zap.L().Error("notify: update reservation failed", zap.String("event", req.EventID), zap.Error(err))
	}
}

func (b *Broadcaster) waitReady(ctx context.Context) error {
	for i := 0; !b.sender.IsConnected(); i++ {
		if i >= b.opts.ConnectWaitRetries {
			return ErrNotReady
		}
		zap.L().Info("notify: waiting for whatsapp connection",
			zap.Int("attempt", i+1), zap.Int("max", b.opts.ConnectWaitRetries))
		if err := sleep(ctx, b.opts.ConnectWaitInterval); err != nil {
			return err
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
