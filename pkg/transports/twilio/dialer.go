package twilio

import (
	"context"
	"errors"
	"strings"

	"github.com/tielinehq/tieline/pkg/errorsx"
	"github.com/tielinehq/tieline/pkg/transports"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// Dialer places outbound calls through the Twilio REST API.
type Dialer struct {
	cfg    Config
	client callCreator
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

// Dial places an outbound call pointing at the configured voice
// webhook.
func (d *Dialer) Dial(ctx context.Context, to, from, url string) (string, error) {
	return d.DialWithOptions(ctx, to, from, url, transports.DialOptions{})
}

// DialWithOptions places an outbound call. The status callback is
// registered so call end is observed even when the media stream never
// starts (busy, no answer). The twilio-go call API carries no context,
// so ctx only gates entry.
func (d *Dialer) DialWithOptions(ctx context.Context, to, from, url string, opts transports.DialOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonTransportDial)
	}
	if to == "" || from == "" {
		return "", errorsx.Wrap(errors.New("to and from numbers are required"), errorsx.ReasonTransportDial)
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errorsx.Wrap(errors.New("missing twilio credentials"), errorsx.ReasonTransportDial)
	}
	if url == "" {
		url = d.cfg.webhookURL(d.cfg.VoicePath)
	}
	resp, err := d.creator().CreateCall(d.buildParams(to, from, url, opts))
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonTransportDial)
	}
	if resp == nil || resp.Sid == nil {
		return "", errorsx.Wrap(errors.New("twilio returned no call sid"), errorsx.ReasonTransportDial)
	}
	return *resp.Sid, nil
}

func (d *Dialer) creator() callCreator {
	if d.client != nil {
		return d.client
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: d.cfg.AccountSID,
		Password: d.cfg.AuthToken,
	})
	return rest.Api
}

func (d *Dialer) buildParams(to, from, url string, opts transports.DialOptions) *api.CreateCallParams {
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(url)
	if cb := d.statusCallbackURL(); cb != "" {
		params.SetStatusCallback(cb)
		params.SetStatusCallbackEvent([]string{"completed", "busy", "no-answer", "failed"})
	}
	if strings.TrimSpace(opts.SendDigits) != "" {
		params.SetSendDigits(opts.SendDigits)
	}
	return params
}

// statusCallbackURL is empty without a public URL; Twilio cannot
// deliver status events to a local listener, so none is registered.
func (d *Dialer) statusCallbackURL() string {
	if d.cfg.PublicURL == "" {
		return ""
	}
	return "https://" + normalizePublicURL(d.cfg.PublicURL) + d.cfg.StatusCallbackPath
}

var (
	_ transports.OutboundDialer            = (*Dialer)(nil)
	_ transports.OutboundDialerWithOptions = (*Dialer)(nil)
)
