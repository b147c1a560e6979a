package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/vmstore/internal/api/middleware"
	"github.com/flowpbx/vmstore/internal/recording"
	"github.com/flowpbx/vmstore/internal/vmmime"
	"github.com/flowpbx/vmstore/internal/voicemail"
)

type ctxKey int

const (
	mailboxKey ctxKey = iota
	folderKey
)

// defaultWait and maxWait bound the long-poll route.
const (
	defaultWait = 30 * time.Second
	maxWait     = 2 * time.Minute
)

// mailboxCtx resolves the mailbox of the route and checks the caller's
// token scope.
func (s *Server) mailboxCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		box, err := s.svc.Registry().Lookup(r.Context(), chi.URLParam(r, "mailbox"), chi.URLParam(r, "context"))
		if err != nil {
			s.fail(w, r, "mailbox lookup", err)
			return
		}
		if s.opts.JWTSecret != nil {
			if c := middleware.ClaimsFromContext(r.Context()); c == nil || !c.Allows(box.Key()) {
				writeError(w, http.StatusForbidden, "token does not grant this mailbox")
				return
			}
		}
		ctx := context.WithValue(voicemail.WithInteractive(r.Context()), mailboxKey, box)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// folderCtx resolves the folder of the route. Unknown names are 404
// rather than falling back to the Inbox.
func (s *Server) folderCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := parseFolder(chi.URLParam(r, "folder"))
		if !ok {
			writeError(w, http.StatusNotFound, "unknown folder")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), folderKey, f)))
	})
}

func parseFolder(name string) (voicemail.Folder, bool) {
	f := voicemail.ResolveFolder(name)
	return f, strings.EqualFold(f.Name(), name)
}

func mailboxFrom(r *http.Request) *voicemail.Mailbox {
	return r.Context().Value(mailboxKey).(*voicemail.Mailbox)
}

func folderFrom(r *http.Request) voicemail.Folder {
	return r.Context().Value(folderKey).(voicemail.Folder)
}

func messageIndex(r *http.Request) (int, error) {
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || n < 0 {
		return 0, errors.New("invalid message index")
	}
	return n, nil
}

type tokenRequest struct {
	Mailbox  string `json:"mailbox"`
	Context  string `json:"context"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	Mailbox   string    `json:"mailbox"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleToken exchanges a mailbox password for a bearer token scoped to
// that mailbox.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	box, err := s.svc.Registry().Authenticate(r.Context(), req.Mailbox, req.Context, req.Password)
	if err != nil {
		s.fail(w, r, "token", err)
		return
	}
	token, exp, err := middleware.GenerateToken(s.opts.JWTSecret, box.Key(), s.opts.TokenTTL)
	if err != nil {
		s.fail(w, r, "token", err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, Mailbox: box.Key(), ExpiresAt: exp})
}

type countsResponse struct {
	Mailbox string         `json:"mailbox"`
	Context string         `json:"context"`
	New     int            `json:"new"`
	Old     int            `json:"old"`
	Folders map[string]int `json:"folders"`
}

func (s *Server) counts(ctx context.Context, box *voicemail.Mailbox) (countsResponse, error) {
	resp := countsResponse{Mailbox: box.ID, Context: box.Context, Folders: make(map[string]int)}
	for _, f := range voicemail.Folders() {
		n, err := s.svc.Backend().Count(ctx, voicemail.LocationOf(box, f))
		if err != nil {
			return resp, fmt.Errorf("counting %s: %w", f.Name(), err)
		}
		resp.Folders[f.Name()] = n
	}
	resp.New = resp.Folders[voicemail.FolderInbox.Name()]
	resp.Old = resp.Folders[voicemail.FolderOld.Name()]
	return resp, nil
}

// handleCounts returns the message count of every folder.
func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	resp, err := s.counts(r.Context(), mailboxFrom(r))
	if err != nil {
		s.fail(w, r, "counts", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type eventResponse struct {
	Mailbox string    `json:"mailbox"`
	Context string    `json:"context"`
	New     int       `json:"new"`
	Old     int       `json:"old"`
	Time    time.Time `json:"time"`
}

// handleWait blocks until the mailbox counts change or the timeout
// passes, which yields 204.
func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	if s.opts.Changes == nil {
		writeError(w, http.StatusNotImplemented, "change notifications not enabled")
		return
	}
	wait := defaultWait
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		wait = min(d, maxWait)
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	ev, ok := s.opts.Changes.WaitForChange(ctx, mailboxFrom(r).Key())
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, eventResponse{Mailbox: ev.Mailbox, Context: ev.Context, New: ev.New, Old: ev.Old, Time: ev.Time})
}

type messageResponse struct {
	Index        int       `json:"index"`
	CallerID     string    `json:"callerid"`
	CallerChan   string    `json:"callerchan,omitempty"`
	OrigMailbox  string    `json:"origmailbox"`
	Exten        string    `json:"exten,omitempty"`
	MacroContext string    `json:"macrocontext,omitempty"`
	Priority     int       `json:"priority,omitempty"`
	Category     string    `json:"category,omitempty"`
	OrigTime     time.Time `json:"origtime"`
	Duration     int       `json:"duration"`
	Formats      []string  `json:"formats"`
}

func toMessageResponse(n int, m *voicemail.Message) messageResponse {
	return messageResponse{
		Index:        n,
		CallerID:     m.Meta.CallerID,
		CallerChan:   m.Meta.CallerChan,
		OrigMailbox:  m.Meta.OrigMailbox,
		Exten:        m.Meta.Exten,
		MacroContext: m.Meta.MacroContext,
		Priority:     m.Meta.Priority,
		Category:     m.Meta.Category,
		OrigTime:     m.Meta.OrigTime,
		Duration:     m.Meta.Duration,
		Formats:      m.Formats(),
	}
}

// handleListFolder returns the metadata of every message in a folder.
// Opening the folder compacts index gaps first.
func (s *Server) handleListFolder(w http.ResponseWriter, r *http.Request) {
	sess := s.svc.NewSession(mailboxFrom(r))
	if err := sess.Open(r.Context(), folderFrom(r)); err != nil {
		s.fail(w, r, "list folder", err)
		return
	}
	defer sess.Close(r.Context()) //nolint:errcheck

	items := make([]messageResponse, 0, sess.Count())
	for n := 0; n < sess.Count(); n++ {
		msg, err := sess.Retrieve(r.Context(), n)
		if err != nil {
			s.fail(w, r, "list folder", err)
			return
		}
		items = append(items, toMessageResponse(n, msg))
		sess.Dispose(r.Context(), n) //nolint:errcheck
	}
	writeJSON(w, http.StatusOK, items)
}

// handleAudio streams one audio format of a message. The format defaults
// to the first one stored.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	n, err := messageIndex(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	box, loc := mailboxFrom(r), voicemail.LocationOf(mailboxFrom(r), folderFrom(r))
	backend := s.svc.Backend()
	msg, err := backend.Retrieve(r.Context(), loc, n)
	if err != nil {
		s.fail(w, r, "audio", err)
		return
	}
	defer backend.Dispose(r.Context(), loc, n) //nolint:errcheck

	format := r.URL.Query().Get("format")
	if format == "" {
		if fs := msg.Formats(); len(fs) > 0 {
			format = fs[0]
		}
	}
	path := msg.AudioPath(format)
	if path == "" {
		writeError(w, http.StatusNotFound, "format not stored")
		return
	}
	f, err := os.Open(path)
	if err != nil {
		s.fail(w, r, "audio", err)
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		s.fail(w, r, "audio", err)
		return
	}

	name := voicemail.MessageBase(n) + "." + format
	w.Header().Set("Content-Type", vmmime.ContentType(format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	s.logger.Debug("serving message audio", "mailbox", box.Key(), "folder", loc.Folder.Name(), "index", n, "format", format)
	http.ServeContent(w, r, name, st.ModTime(), f)
}

type depositResponse struct {
	Mailbox  string `json:"mailbox"`
	Index    int    `json:"index"`
	Duration int    `json:"duration"`
	Copies   int    `json:"copies"`
}

// handleDeposit stores the WAV request body as a new Inbox message through
// the regular leave flow. Query parameters: callerid, exten, category,
// options (record option letters) and copy (repeatable extra recipients).
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	box := mailboxFrom(r)
	if box.PrimaryFormat() != voicemail.DefaultFormat {
		writeError(w, http.StatusUnsupportedMediaType, "mailbox records "+box.PrimaryFormat()+", only wav uploads are accepted")
		return
	}

	q := r.URL.Query()
	opts, err := voicemail.ParseRecordOptions(q.Get("options"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for field, max := range map[string]int{"callerid": maxCallerIDLen, "exten": maxShortStringLen, "category": maxShortStringLen} {
		if msg := validateText(field, q.Get(field), max); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
	}
	mailboxes := []string{box.Key()}
	for _, c := range q["copy"] {
		if msg := validateMailboxKey("copy", c); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
		mailboxes = append(mailboxes, c)
	}

	upload, info, err := s.receiveWAV(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer os.Remove(upload)
	if box.MaxSecs > 0 && info.DurationSecs() > box.MaxSecs {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("recording exceeds %d seconds", box.MaxSecs))
		return
	}

	res, err := s.svc.Leave(r.Context(), voicemail.LeaveRequest{
		Mailboxes: mailboxes,
		Options:   opts | voicemail.OptQuiet,
		Escape:    voicemail.DefaultEscapeDigits(),
		CallerID:  q.Get("callerid"),
		Exten:     q.Get("exten"),
		Category:  q.Get("category"),
	}, &uploadCaller{path: upload, info: info})
	if err != nil {
		s.fail(w, r, "deposit", err)
		return
	}
	if res.Status != voicemail.LeaveCommitted {
		writeError(w, http.StatusUnprocessableEntity, "recording "+res.Status.String())
		return
	}
	writeJSON(w, http.StatusCreated, depositResponse{Mailbox: res.Mailbox, Index: res.Index, Duration: res.DurationSecs, Copies: res.Copies})
}

// receiveWAV spools the request body to a temporary file and checks it is
// a WAV file.
func (s *Server) receiveWAV(w http.ResponseWriter, r *http.Request) (string, voicemail.WAVInfo, error) {
	f, err := os.CreateTemp(s.opts.UploadDir, recording.UploadPattern)
	if err != nil {
		return "", voicemail.WAVInfo{}, err
	}
	path := f.Name()
	_, err = io.Copy(f, http.MaxBytesReader(w, r.Body, s.opts.MaxUpload))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", voicemail.WAVInfo{}, fmt.Errorf("reading upload: %w", err)
	}
	info, err := voicemail.WAVFileInfo(path)
	if err != nil {
		os.Remove(path)
		return "", voicemail.WAVInfo{}, err
	}
	return path, info, nil
}

// uploadCaller plays the channel side of a deposit whose audio was
// uploaded: it is always answered, never presses digits and its recording
// is the uploaded file.
type uploadCaller struct {
	path string
	info voicemail.WAVInfo
}

func (c *uploadCaller) Answered() bool                 { return true }
func (c *uploadCaller) Answer(context.Context) error   { return nil }
func (c *uploadCaller) PlayBeep(context.Context) error { return nil }

func (c *uploadCaller) PlayGreeting(context.Context, *voicemail.Mailbox, string, []rune) (rune, error) {
	return 0, nil
}

func (c *uploadCaller) Record(ctx context.Context, req voicemail.RecordRequest) (*voicemail.RecordResult, error) {
	if err := os.MkdirAll(filepath.Dir(req.FilePath), 0o750); err != nil {
		return nil, err
	}
	src, err := os.Open(c.path)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	dst, err := os.Create(req.FilePath)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return nil, fmt.Errorf("staging upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		return nil, err
	}
	return &voicemail.RecordResult{FilePath: req.FilePath, DurationSecs: c.info.DurationSecs()}, nil
}

type closeRequest struct {
	Deleted []int `json:"deleted"`
	Heard   []int `json:"heard"`
}

// handleClose applies heard and deleted marks to a folder the way a
// retrieval session ending would, and returns the new counts.
func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	box := mailboxFrom(r)
	sess := s.svc.NewSession(box)
	if err := sess.Open(r.Context(), folderFrom(r)); err != nil {
		s.fail(w, r, "close", err)
		return
	}
	// Reject the whole request before marking anything. An open session
	// holds no lock, so it is abandoned without Close.
	for _, n := range append(append([]int(nil), req.Heard...), req.Deleted...) {
		if n < 0 || n > sess.LastMsg() {
			s.fail(w, r, "close", fmt.Errorf("message %d: %w", n, voicemail.ErrMessageNotFound))
			return
		}
	}
	for _, n := range req.Heard {
		if err := sess.MarkHeard(n); err != nil {
			s.fail(w, r, "close", err)
			return
		}
	}
	for _, n := range req.Deleted {
		if err := sess.MarkDeleted(n, true); err != nil {
			s.fail(w, r, "close", err)
			return
		}
	}
	if err := sess.Close(r.Context()); err != nil {
		s.fail(w, r, "close", err)
		return
	}
	s.respondCounts(w, r, box)
}

type saveRequest struct {
	Folder string `json:"folder"`
}

// handleSave moves a message into another folder.
func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	n, err := messageIndex(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req saveRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dest, ok := parseFolder(req.Folder)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown destination folder")
		return
	}

	box := mailboxFrom(r)
	sess := s.svc.NewSession(box)
	if err := sess.Open(r.Context(), folderFrom(r)); err != nil {
		s.fail(w, r, "save", err)
		return
	}
	if err := sess.SaveToFolder(r.Context(), n, dest); err != nil {
		sess.Close(r.Context()) //nolint:errcheck
		s.fail(w, r, "save", err)
		return
	}
	if err := sess.Close(r.Context()); err != nil {
		s.fail(w, r, "save", err)
		return
	}
	s.respondCounts(w, r, box)
}

func (s *Server) respondCounts(w http.ResponseWriter, r *http.Request, box *voicemail.Mailbox) {
	resp, err := s.counts(r.Context(), box)
	if err != nil {
		s.fail(w, r, "counts", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type forwardRequest struct {
	Recipients []string `json:"recipients"`
}

type forwardResponse struct {
	Delivered int      `json:"delivered"`
	Errors    []string `json:"errors,omitempty"`
}

// handleForward copies a message into the Inbox of other mailboxes. A
// partial failure still answers 200 and lists the failures.
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	n, err := messageIndex(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req forwardRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Recipients) == 0 || len(req.Recipients) > maxRecipients {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("recipients must list 1 to %d mailboxes", maxRecipients))
		return
	}
	for _, rcpt := range req.Recipients {
		if msg := validateMailboxKey("recipient", rcpt); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
	}

	delivered, err := s.svc.Forward(r.Context(), mailboxFrom(r), folderFrom(r), n, req.Recipients)
	if err != nil && delivered == 0 {
		s.fail(w, r, "forward", err)
		return
	}
	resp := forwardResponse{Delivered: delivered}
	if err != nil {
		resp.Errors = strings.Split(err.Error(), "\n")
	}
	writeJSON(w, http.StatusOK, resp)
}

type passwordRequest struct {
	Password string `json:"password"`
}

// handlePassword changes the mailbox password.
func (s *Server) handlePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg := validatePIN("password", req.Password); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	box := mailboxFrom(r)
	if err := s.svc.ChangePassword(r.Context(), box.ID, box.Context, req.Password); err != nil {
		s.fail(w, r, "change password", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
