package outbox

import (
	"context"
	"errors"
	"log"
	"net/http"

	"fleet-triptracker/internal/shared/httpx"
	"fleet-triptracker/internal/shared/retry"
)

// Sender posts updates while the backend is online and queues them when it
// is not. A network failure never reaches the caller as an error.
type Sender struct {
	monitor  *Monitor
	uploader Uploader
	policy   retry.Policy
}

func NewSender(monitor *Monitor, uploader Uploader, policy retry.Policy) *Sender {
	return &Sender{monitor: monitor, uploader: uploader, policy: policy}
}

// Send reports whether u was delivered. The error is non-nil only when u
// could neither be delivered nor queued.
func (s *Sender) Send(ctx context.Context, u Update) (bool, error) {
	if !s.monitor.IsOnline() {
		return false, s.monitor.QueueOfflineUpdate(ctx, u)
	}

	err := retry.Do(ctx, s.policy, func(ctx context.Context, attempt int) error {
		err := s.uploader.UpdateLocation(ctx, u)
		if err != nil && permanent(err) {
			return retry.Stop(err)
		}
		if err != nil {
			log.Printf("outbox: send %s attempt %d: %v", u.ID, attempt, err)
		}
		return err
	})
	if err == nil {
		return true, nil
	}
	if permanent(err) {
		log.Printf("outbox: update %s rejected: %v", u.ID, err)
		return false, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	s.monitor.MarkOffline()
	return false, s.monitor.QueueOfflineUpdate(ctx, u)
}

// permanent is true for client errors the backend will keep rejecting.
func permanent(err error) bool {
	var se *httpx.StatusError
	if !errors.As(err, &se) {
		return false
	}
	if se.Code == http.StatusRequestTimeout || se.Code == http.StatusTooManyRequests {
		return false
	}
	return se.Code >= 400 && se.Code < 500
}
