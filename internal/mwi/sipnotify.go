package mwi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/flowpbx/vmstore/internal/voicemail"
)

// SIPConfig addresses the proxy that relays message-waiting NOTIFYs to
// phones.
type SIPConfig struct {
	// Proxy is "host:port" of the SIP proxy or registrar.
	Proxy     string
	Transport string
	// Domain is used in the Request-URI and Message-Account; defaults to
	// the proxy host.
	Domain   string
	From     string
	Username string
	Password string
}

// SIPNotifier sends unsolicited NOTIFY requests carrying an
// application/simple-message-summary body (RFC 3842) to the extension of
// every changed mailbox.
type SIPNotifier struct {
	cfg    SIPConfig
	client *sipgo.Client
	logger *slog.Logger

	// send performs one request and returns the final response.
	send func(ctx context.Context, req *sip.Request, opts ...sipgo.ClientRequestOption) (*sip.Response, error)
}

// NewSIPNotifier creates a SIPNotifier sending through ua.
func NewSIPNotifier(ua *sipgo.UserAgent, cfg SIPConfig, logger *slog.Logger) (*SIPNotifier, error) {
	if cfg.Proxy == "" {
		return nil, fmt.Errorf("sip mwi: proxy not configured")
	}
	logger = logger.With("subsystem", "sip-mwi")
	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("creating sip client: %w", err)
	}
	n := newSIPNotifier(cfg, logger)
	n.client = client
	n.send = n.transact
	return n, nil
}

func newSIPNotifier(cfg SIPConfig, logger *slog.Logger) *SIPNotifier {
	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}
	if cfg.Domain == "" {
		cfg.Domain = cfg.Proxy
		if host, _, err := net.SplitHostPort(cfg.Proxy); err == nil {
			cfg.Domain = host
		}
	}
	if cfg.From == "" {
		cfg.From = "voicemail"
	}
	return &SIPNotifier{cfg: cfg, logger: logger}
}

func (n *SIPNotifier) transact(ctx context.Context, req *sip.Request, opts ...sipgo.ClientRequestOption) (*sip.Response, error) {
	tx, err := n.client.TransactionRequest(ctx, req, opts...)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
		case res := <-tx.Responses():
			if res.IsProvisional() {
				continue
			}
			return res, nil
		}
	}
}

// MessageSummary renders the simple-message-summary body for ev.
func MessageSummary(ev voicemail.Event, account string) string {
	waiting := "no"
	if ev.New > 0 {
		waiting = "yes"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Messages-Waiting: %s\r\n", waiting)
	fmt.Fprintf(&b, "Message-Account: %s\r\n", account)
	fmt.Fprintf(&b, "Voice-Message: %d/%d (0/0)\r\n", ev.New, ev.Old)
	return b.String()
}

// MailboxChanged sends the NOTIFY for ev. It implements
// voicemail.Subscriber.
func (n *SIPNotifier) MailboxChanged(ctx context.Context, ev voicemail.Event) error {
	if ev.Extension == "" {
		return nil
	}

	uriStr := fmt.Sprintf("sip:%s@%s", ev.Extension, n.cfg.Proxy)
	var recipient sip.Uri
	if err := sip.ParseUri(uriStr, &recipient); err != nil {
		return fmt.Errorf("parsing recipient uri: %w", err)
	}

	account := fmt.Sprintf("sip:%s@%s", ev.Mailbox, n.cfg.Domain)
	req := sip.NewRequest(sip.NOTIFY, recipient)
	req.SetTransport(strings.ToUpper(n.cfg.Transport))
	req.AppendHeader(sip.NewHeader("From", fmt.Sprintf("<sip:%s@%s>", n.cfg.From, n.cfg.Domain)))
	req.AppendHeader(sip.NewHeader("To", fmt.Sprintf("<sip:%s@%s>", ev.Extension, n.cfg.Domain)))
	req.AppendHeader(sip.NewHeader("Event", "message-summary"))
	req.AppendHeader(sip.NewHeader("Subscription-State", "active"))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/simple-message-summary"))
	req.SetBody([]byte(MessageSummary(ev, account)))

	res, err := n.send(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending notify to %s: %w", ev.Extension, err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		res, err = n.authenticate(ctx, req, res, uriStr)
		if err != nil {
			return err
		}
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("notify to %s failed with status %d %s", ev.Extension, res.StatusCode, res.Reason)
	}

	n.logger.Debug("message waiting indication sent",
		"mailbox", ev.Key(),
		"extension", ev.Extension,
		"new", ev.New,
		"old", ev.Old,
	)
	return nil
}

// authenticate answers a digest challenge and resends req.
func (n *SIPNotifier) authenticate(ctx context.Context, req *sip.Request, res *sip.Response, uri string) (*sip.Response, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if res.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}
	if n.cfg.Username == "" {
		return nil, fmt.Errorf("notify challenged with %d but no credentials configured", res.StatusCode)
	}

	h := res.GetHeader(authHeader)
	if h == nil {
		return nil, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      uri,
		Username: n.cfg.Username,
		Password: n.cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	res, err = n.send(ctx, authReq, sipgo.ClientRequestIncreaseCSEQ, sipgo.ClientRequestAddVia)
	if err != nil {
		return nil, fmt.Errorf("sending authenticated notify: %w", err)
	}
	return res, nil
}

// Close releases the SIP client.
func (n *SIPNotifier) Close() error {
	if n.client == nil {
		return nil
	}
	return n.client.Close()
}
