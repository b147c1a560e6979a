package imapstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/emersion/go-imap/v2"
)

type fakeMessage struct {
	uid     imap.UID
	data    []byte
	deleted bool
}

type fakeFolder struct {
	next imap.UID
	msgs []*fakeMessage
}

// fakeServer is an in-memory IMAP server shared by every fake connection.
type fakeServer struct {
	mu        sync.Mutex
	users     map[string]map[string]*fakeFolder
	dials     int
	noUIDPlus bool
	// fail is returned by the next command when set.
	fail error
}

func newFakeServer() *fakeServer {
	return &fakeServer{users: make(map[string]map[string]*fakeFolder)}
}

func (s *fakeServer) dial(_ context.Context, user string) (conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if _, ok := s.users[user]; !ok {
		s.users[user] = make(map[string]*fakeFolder)
	}
	return &fakeConn{srv: s, user: user}, nil
}

func (s *fakeServer) folder(user, name string) *fakeFolder {
	f, ok := s.users[user][name]
	if !ok {
		f = &fakeFolder{next: 1}
		if s.users[user] == nil {
			s.users[user] = make(map[string]*fakeFolder)
		}
		s.users[user][name] = f
	}
	return f
}

// add places a message with a chosen UID, as another client would.
func (s *fakeServer) add(user, folder string, uid imap.UID, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.folder(user, folder)
	f.msgs = append(f.msgs, &fakeMessage{uid: uid, data: data})
	if uid >= f.next {
		f.next = uid + 1
	}
}

// messages returns the UIDs present in folder, flagged ones included.
func (s *fakeServer) messages(user, folder string) (present, flagged []imap.UID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.folder(user, folder).msgs {
		present = append(present, m.uid)
		if m.deleted {
			flagged = append(flagged, m.uid)
		}
	}
	return present, flagged
}

func (s *fakeServer) takeFail() error {
	err := s.fail
	s.fail = nil
	return err
}

type fakeConn struct {
	srv    *fakeServer
	user   string
	closed bool
}

func (c *fakeConn) begin() error {
	if c.closed {
		return errors.New("connection closed")
	}
	return c.srv.takeFail()
}

func (c *fakeConn) Search(_ context.Context, folder string) ([]imap.UID, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.begin(); err != nil {
		return nil, err
	}
	var uids []imap.UID
	for _, m := range c.srv.folder(c.user, folder).msgs {
		if !m.deleted {
			uids = append(uids, m.uid)
		}
	}
	return uids, nil
}

func (c *fakeConn) find(folder string, uid imap.UID) *fakeMessage {
	for _, m := range c.srv.folder(c.user, folder).msgs {
		if m.uid == uid {
			return m
		}
	}
	return nil
}

func (c *fakeConn) Fetch(_ context.Context, folder string, uid imap.UID) ([]byte, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.begin(); err != nil {
		return nil, err
	}
	m := c.find(folder, uid)
	if m == nil {
		return nil, fmt.Errorf("no message %d in %s", uid, folder)
	}
	return append([]byte(nil), m.data...), nil
}

func (c *fakeConn) put(folder string, data []byte) imap.UID {
	f := c.srv.folder(c.user, folder)
	uid := f.next
	f.next++
	f.msgs = append(f.msgs, &fakeMessage{uid: uid, data: append([]byte(nil), data...)})
	if c.srv.noUIDPlus {
		return 0
	}
	return uid
}

func (c *fakeConn) Append(_ context.Context, folder string, data []byte) (imap.UID, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.begin(); err != nil {
		return 0, err
	}
	return c.put(folder, data), nil
}

func (c *fakeConn) Copy(_ context.Context, folder string, uid imap.UID, dest string) (imap.UID, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.begin(); err != nil {
		return 0, err
	}
	m := c.find(folder, uid)
	if m == nil {
		return 0, fmt.Errorf("no message %d in %s", uid, folder)
	}
	return c.put(dest, m.data), nil
}

func (c *fakeConn) Delete(_ context.Context, folder string, uids []imap.UID) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.begin(); err != nil {
		return err
	}
	for _, uid := range uids {
		if m := c.find(folder, uid); m != nil {
			m.deleted = true
		}
	}
	return nil
}

func (c *fakeConn) Expunge(_ context.Context, folder string, uids []imap.UID) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.begin(); err != nil {
		return err
	}
	f := c.srv.folder(c.user, folder)
	kept := f.msgs[:0]
	for _, m := range f.msgs {
		if !m.deleted {
			kept = append(kept, m)
		}
	}
	f.msgs = kept
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}
