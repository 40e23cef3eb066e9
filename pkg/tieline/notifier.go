package tieline

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/tielinehq/tieline/pkg/errorsx"
	"github.com/tielinehq/tieline/pkg/resilience"
)

// smsBodyLimit keeps bodies under the carrier concatenation ceiling.
const smsBodyLimit = 1500

// Notification is one post-call message to deliver.
type Notification struct {
	CallSID string
	Body    string
}

type messageCreator interface {
	CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error)
}

// Notifier delivers post-call SMS notifications. Sends happen on a
// small worker pool with retry, so a slow carrier API never blocks
// call teardown.
type Notifier struct {
	cfg   NotifyConfig
	retry resilience.RetryPolicy
	log   *slog.Logger

	clientOnce sync.Once
	client     messageCreator
	clientErr  error

	tasks     chan Notification
	quit      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewNotifier(cfg NotifyConfig) *Notifier {
	n := &Notifier{
		cfg:   cfg,
		retry: resilience.NewRetryPolicy(cfg.Retries, time.Duration(cfg.RetryBackoffMS)*time.Millisecond),
		log:   slog.Default().With(slog.String("component", "notifier")),
		tasks: make(chan Notification, 16),
		quit:  make(chan struct{}),
	}
	for i := 0; i < 2; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	return n
}

// Notify enqueues a notification. It never blocks; when the queue is
// full or the notifier is closed the notification is dropped, with a
// warning in the queue-full case.
func (n *Notifier) Notify(note Notification) {
	select {
	case <-n.quit:
		return
	default:
	}
	select {
	case n.tasks <- note:
	default:
		n.log.Warn("notify_queue_full", slog.String("call_sid", note.CallSID))
	}
}

// Close stops the workers and waits for in-flight sends to finish.
// Queued notifications that have not started are dropped.
func (n *Notifier) Close() {
	n.closeOnce.Do(func() {
		close(n.quit)
	})
	n.wg.Wait()
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for {
		select {
		case <-n.quit:
			return
		case note := <-n.tasks:
			if err := n.send(note); err != nil {
				n.log.Error("notify_failed",
					slog.String("call_sid", note.CallSID),
					slog.String("reason_code", string(errorsx.Reason(err))),
					slog.String("error", err.Error()))
				continue
			}
			n.log.Info("notify_sent", slog.String("call_sid", note.CallSID))
		}
	}
}

func (n *Notifier) send(note Notification) error {
	if n.cfg.From == "" || n.cfg.To == "" {
		return errorsx.Wrap(errors.New("missing from/to"), errorsx.ReasonNotifySend)
	}
	body := note.Body
	if len(body) > smsBodyLimit {
		body = body[:smsBodyLimit]
	}
	params := &api.CreateMessageParams{}
	params.SetTo(n.cfg.To)
	params.SetFrom(n.cfg.From)
	params.SetBody(body)

	client, err := n.messageClient()
	if err != nil {
		return err
	}
	err = n.retry.Do(func() error {
		_, err := client.CreateMessage(params)
		return err
	})
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonNotifyRetry)
	}
	return nil
}

func (n *Notifier) messageClient() (messageCreator, error) {
	n.clientOnce.Do(func() {
		if n.client != nil {
			return
		}
		if n.cfg.AccountSID == "" || n.cfg.AuthToken == "" {
			n.clientErr = errorsx.Wrap(errors.New("missing twilio credentials"), errorsx.ReasonNotifySend)
			return
		}
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: n.cfg.AccountSID,
			Password: n.cfg.AuthToken,
		})
		n.client = rest.Api
	})
	return n.client, n.clientErr
}
