package imapstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"slices"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"golang.org/x/time/rate"
)

// conn is the subset of an IMAP connection the store needs. Every method
// selects the named folder first.
type conn interface {
	// Search returns the UIDs of the folder's undeleted messages in
	// ascending order.
	Search(ctx context.Context, folder string) ([]imap.UID, error)
	// Fetch returns the full raw message.
	Fetch(ctx context.Context, folder string, uid imap.UID) ([]byte, error)
	// Append stores a message and returns its UID, or 0 when the server
	// does not report it.
	Append(ctx context.Context, folder string, data []byte) (imap.UID, error)
	// Copy copies a message to dest and returns the new UID, or 0 when the
	// server does not report it.
	Copy(ctx context.Context, folder string, uid imap.UID, dest string) (imap.UID, error)
	// Delete flags messages \Deleted.
	Delete(ctx context.Context, folder string, uids []imap.UID) error
	// Expunge removes flagged messages.
	Expunge(ctx context.Context, folder string, uids []imap.UID) error
	Close() error
}

// dialer opens an authenticated connection for a mailbox user.
type dialer func(ctx context.Context, user string) (conn, error)

// TLS modes.
const (
	TLSImplicit = "implicit"
	TLSStartTLS = "starttls"
	TLSNone     = "none"
)

// Auth methods.
const (
	AuthPlain = "plain"
	AuthLogin = "login"
)

// ServerConfig describes the IMAP server and the credentials used to open
// mailboxes. With AuthUser set, PLAIN logs in as AuthUser and asks for the
// mailbox user as authorization identity.
type ServerConfig struct {
	Addr         string
	TLS          string
	SkipVerify   bool
	Auth         string
	AuthUser     string
	AuthPassword string
	// Rate limits commands per second per connection; 0 disables it.
	Rate  float64
	Burst int
}

func (cfg ServerConfig) dial(ctx context.Context, user string) (conn, error) {
	host := cfg.Addr
	if h, _, err := net.SplitHostPort(cfg.Addr); err == nil {
		host = h
	}
	opts := &imapclient.Options{
		TLSConfig: &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: cfg.SkipVerify,
			MinVersion:         tls.VersionTLS12,
		},
	}

	var limiter *rate.Limiter
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var (
		c   *imapclient.Client
		err error
	)
	switch cfg.TLS {
	case TLSStartTLS:
		c, err = imapclient.DialStartTLS(cfg.Addr, opts)
	case TLSNone:
		c, err = imapclient.DialInsecure(cfg.Addr, opts)
	default:
		c, err = imapclient.DialTLS(cfg.Addr, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Addr, err)
	}

	if err := cfg.authenticate(c, user); err != nil {
		c.Close()
		return nil, err
	}
	return &clientConn{c: c, limiter: limiter}, nil
}

func (cfg ServerConfig) authenticate(c *imapclient.Client, user string) error {
	switch cfg.Auth {
	case AuthLogin:
		if err := c.Login(user, cfg.AuthPassword).Wait(); err != nil {
			return fmt.Errorf("LOGIN as %s failed: %w", user, err)
		}
		return nil
	default:
		var client sasl.Client
		if cfg.AuthUser != "" {
			client = sasl.NewPlainClient(user, cfg.AuthUser, cfg.AuthPassword)
		} else {
			client = sasl.NewPlainClient("", user, cfg.AuthPassword)
		}
		if err := c.Authenticate(client); err != nil {
			return fmt.Errorf("PLAIN authentication as %s failed: %w", user, err)
		}
		return nil
	}
}

// clientConn implements conn on an imapclient.Client.
type clientConn struct {
	c        *imapclient.Client
	limiter  *rate.Limiter
	selected string
}

func (cc *clientConn) wait(ctx context.Context) error {
	if cc.limiter == nil {
		return nil
	}
	if err := cc.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// selectFolder selects folder, creating it when the server reports that it
// does not exist.
func (cc *clientConn) selectFolder(ctx context.Context, folder string) error {
	if cc.selected == folder {
		return nil
	}
	if err := cc.wait(ctx); err != nil {
		return err
	}
	_, err := cc.c.Select(folder, nil).Wait()
	var imapErr *imap.Error
	if errors.As(err, &imapErr) && imapErr.Code == imap.ResponseCodeNonExistent {
		if err := cc.c.Create(folder, nil).Wait(); err != nil {
			return fmt.Errorf("CREATE %s failed: %w", folder, err)
		}
		_, err = cc.c.Select(folder, nil).Wait()
	}
	if err != nil {
		cc.selected = ""
		return fmt.Errorf("SELECT %s failed: %w", folder, err)
	}
	cc.selected = folder
	return nil
}

func (cc *clientConn) Search(ctx context.Context, folder string) ([]imap.UID, error) {
	if err := cc.selectFolder(ctx, folder); err != nil {
		return nil, err
	}
	if err := cc.wait(ctx); err != nil {
		return nil, err
	}
	data, err := cc.c.UIDSearch(&imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagDeleted}}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("UID SEARCH in %s failed: %w", folder, err)
	}
	uids := data.AllUIDs()
	slices.Sort(uids)
	return uids, nil
}

func (cc *clientConn) Fetch(ctx context.Context, folder string, uid imap.UID) ([]byte, error) {
	if err := cc.selectFolder(ctx, folder); err != nil {
		return nil, err
	}
	if err := cc.wait(ctx); err != nil {
		return nil, err
	}
	section := &imap.FetchItemBodySection{Peek: true}
	msgs, err := cc.c.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("UID FETCH %d in %s failed: %w", uid, folder, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("UID FETCH %d in %s: no such message", uid, folder)
	}
	return msgs[0].FindBodySection(section), nil
}

func (cc *clientConn) Append(ctx context.Context, folder string, data []byte) (imap.UID, error) {
	if err := cc.wait(ctx); err != nil {
		return 0, err
	}
	cmd := cc.c.Append(folder, int64(len(data)), nil)
	if _, err := cmd.Write(data); err != nil {
		cmd.Close()
		return 0, fmt.Errorf("APPEND to %s failed: %w", folder, err)
	}
	if err := cmd.Close(); err != nil {
		return 0, fmt.Errorf("APPEND to %s failed: %w", folder, err)
	}
	res, err := cmd.Wait()
	if err != nil {
		return 0, fmt.Errorf("APPEND to %s failed: %w", folder, err)
	}
	return res.UID, nil
}

func (cc *clientConn) Copy(ctx context.Context, folder string, uid imap.UID, dest string) (imap.UID, error) {
	if err := cc.selectFolder(ctx, folder); err != nil {
		return 0, err
	}
	if err := cc.wait(ctx); err != nil {
		return 0, err
	}
	res, err := cc.c.Copy(imap.UIDSetNum(uid), dest).Wait()
	if err != nil {
		return 0, fmt.Errorf("UID COPY %d from %s to %s failed: %w", uid, folder, dest, err)
	}
	if uids, ok := res.DestUIDs.Nums(); ok && len(uids) == 1 {
		return uids[0], nil
	}
	return 0, nil
}

func (cc *clientConn) Delete(ctx context.Context, folder string, uids []imap.UID) error {
	if err := cc.selectFolder(ctx, folder); err != nil {
		return err
	}
	if err := cc.wait(ctx); err != nil {
		return err
	}
	err := cc.c.Store(imap.UIDSetNum(uids...), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("UID STORE in %s failed: %w", folder, err)
	}
	return nil
}

func (cc *clientConn) Expunge(ctx context.Context, folder string, uids []imap.UID) error {
	if err := cc.selectFolder(ctx, folder); err != nil {
		return err
	}
	if err := cc.wait(ctx); err != nil {
		return err
	}
	var err error
	if cc.c.Caps().Has(imap.CapUIDPlus) {
		err = cc.c.UIDExpunge(imap.UIDSetNum(uids...)).Close()
	} else {
		err = cc.c.Expunge().Close()
	}
	if err != nil {
		return fmt.Errorf("EXPUNGE in %s failed: %w", folder, err)
	}
	return nil
}

func (cc *clientConn) Close() error {
	if err := cc.c.Logout().Wait(); err != nil {
		cc.c.Close()
		return err
	}
	return cc.c.Close()
}
