package api

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/vmstore/internal/api/middleware"
	"github.com/flowpbx/vmstore/internal/mwi"
	"github.com/flowpbx/vmstore/internal/voicemail"
	"github.com/flowpbx/vmstore/internal/voicemail/filestore"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

type testAPI struct {
	srv *Server
	svc *voicemail.Service
	bus *mwi.Bus
}

func newTestAPI(t *testing.T, opts Options) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	spool := t.TempDir()
	store := filestore.New(spool, logger)
	reg := voicemail.NewRegistry(logger)
	var boxes []*voicemail.Mailbox
	for _, id := range []string{"100", "101"} {
		boxes = append(boxes, &voicemail.Mailbox{
			ID:       id,
			Context:  voicemail.DefaultContext,
			Password: "1234",
			Formats:  []string{"wav"},
			MaxMsg:   voicemail.DefaultMaxMsg,
		})
	}
	reg.Load(boxes)
	notifier := voicemail.NewNotifier(store, logger)
	bus := mwi.NewBus()
	notifier.Subscribe("bus", bus)
	svc := voicemail.NewService(store, reg, notifier, voicemail.ServiceOptions{
		SpoolDir:    spool,
		LockTimeout: time.Second,
	}, logger)
	if opts.Changes == nil {
		opts.Changes = bus
	}
	srv := NewServer(svc, opts, logger)
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, svc: svc, bus: bus}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	a.srv.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var env struct {
		Data  T      `json:"data"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding %q: %v", rr.Body.String(), err)
	}
	return env.Data
}

// wavBytes returns a mu-law WAV file holding secs seconds of silence.
func wavBytes(secs int) []byte {
	data := bytes.Repeat([]byte{0xff}, 8000*secs)
	var b bytes.Buffer
	b.WriteString("RIFF")
	binary.Write(&b, binary.LittleEndian, uint32(36+len(data)))
	b.WriteString("WAVEfmt ")
	binary.Write(&b, binary.LittleEndian, uint32(16))
	binary.Write(&b, binary.LittleEndian, uint16(7))
	binary.Write(&b, binary.LittleEndian, uint16(1))
	binary.Write(&b, binary.LittleEndian, uint32(8000))
	binary.Write(&b, binary.LittleEndian, uint32(8000))
	binary.Write(&b, binary.LittleEndian, uint16(1))
	binary.Write(&b, binary.LittleEndian, uint16(8))
	b.WriteString("data")
	binary.Write(&b, binary.LittleEndian, uint32(len(data)))
	b.Write(data)
	return b.Bytes()
}

const box100 = "/api/v1/mailboxes/default/100"

func (a *testAPI) deposit(t *testing.T, query string) depositResponse {
	t.Helper()
	rr := a.do(t, http.MethodPost, box100+"/messages?"+query, "", bytes.NewReader(wavBytes(2)))
	if rr.Code != http.StatusCreated {
		t.Fatalf("deposit status = %d: %s", rr.Code, rr.Body.String())
	}
	return decode[depositResponse](t, rr)
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t, Options{})
	rr := a.do(t, http.MethodGet, "/api/v1/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := decode[map[string]string](t, rr); got["backend"] != filestore.Name {
		t.Errorf("health = %v", got)
	}
}

func TestDepositListAndDownload(t *testing.T) {
	a := newTestAPI(t, Options{})

	res := a.deposit(t, "callerid=%22Bob%22+%3C2001%3E&copy=101")
	if res.Index != 0 || res.Duration != 2 || res.Copies != 1 {
		t.Errorf("deposit = %+v", res)
	}

	rr := a.do(t, http.MethodGet, box100+"/folders/INBOX", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d: %s", rr.Code, rr.Body.String())
	}
	items := decode[[]messageResponse](t, rr)
	if len(items) != 1 || items[0].CallerID != `"Bob" <2001>` || items[0].Duration != 2 {
		t.Fatalf("listing = %+v", items)
	}

	rr = a.do(t, http.MethodGet, box100+"/folders/inbox/messages/0/audio", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("audio status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "audio/x-wav" {
		t.Errorf("content type = %q", ct)
	}
	if !bytes.Equal(rr.Body.Bytes(), wavBytes(2)) {
		t.Error("downloaded audio differs from the upload")
	}

	rr = a.do(t, http.MethodGet, "/api/v1/mailboxes/default/101", "", nil)
	if got := decode[countsResponse](t, rr); got.New != 1 {
		t.Errorf("copy recipient counts = %+v", got)
	}
}

func TestDepositRejectsNonWAV(t *testing.T) {
	a := newTestAPI(t, Options{})
	rr := a.do(t, http.MethodPost, box100+"/messages", "", strings.NewReader("not audio"))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
	rr = a.do(t, http.MethodPost, box100+"/messages?options=z", "", bytes.NewReader(wavBytes(1)))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("unknown option status = %d, want 400", rr.Code)
	}
}

func TestNotFound(t *testing.T) {
	a := newTestAPI(t, Options{})
	for _, path := range []string{
		"/api/v1/mailboxes/default/999",
		box100 + "/folders/Spam",
		box100 + "/folders/INBOX/messages/3/audio",
		"/nope",
	} {
		if rr := a.do(t, http.MethodGet, path, "", nil); rr.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, rr.Code)
		}
	}
}

func TestSaveAndClose(t *testing.T) {
	a := newTestAPI(t, Options{})
	a.deposit(t, "")
	a.deposit(t, "")

	rr := a.do(t, http.MethodPost, box100+"/folders/INBOX/messages/0/save", "", strings.NewReader(`{"folder":"Work"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("save status = %d: %s", rr.Code, rr.Body.String())
	}
	counts := decode[countsResponse](t, rr)
	if counts.New != 1 || counts.Folders["Work"] != 1 {
		t.Errorf("after save = %+v", counts)
	}

	rr = a.do(t, http.MethodPost, box100+"/folders/INBOX/close", "", strings.NewReader(`{"deleted":[0]}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("close status = %d: %s", rr.Code, rr.Body.String())
	}
	if counts := decode[countsResponse](t, rr); counts.New != 0 {
		t.Errorf("after close = %+v", counts)
	}

	rr = a.do(t, http.MethodPost, box100+"/folders/Work/close", "", strings.NewReader(`{"heard":[5]}`))
	if rr.Code != http.StatusNotFound {
		t.Errorf("marking a missing message = %d, want 404", rr.Code)
	}
}

func TestCloseRejectsOutOfRangeWithoutMutating(t *testing.T) {
	a := newTestAPI(t, Options{})
	a.deposit(t, "")
	a.deposit(t, "")

	rr := a.do(t, http.MethodPost, box100+"/folders/INBOX/close", "", strings.NewReader(`{"deleted":[0,9]}`))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("close status = %d, want 404", rr.Code)
	}

	rr = a.do(t, http.MethodGet, box100, "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("counts status = %d: %s", rr.Code, rr.Body.String())
	}
	if counts := decode[countsResponse](t, rr); counts.New != 2 {
		t.Errorf("inbox after rejected close = %d, want 2", counts.New)
	}

	rr = a.do(t, http.MethodPost, box100+"/folders/INBOX/close", "", strings.NewReader(`{"heard":[1],"deleted":[-1]}`))
	if rr.Code != http.StatusNotFound {
		t.Errorf("negative index status = %d, want 404", rr.Code)
	}
}

func TestForward(t *testing.T) {
	a := newTestAPI(t, Options{})
	a.deposit(t, "")

	rr := a.do(t, http.MethodPost, box100+"/folders/INBOX/messages/0/forward", "",
		strings.NewReader(`{"recipients":["101","404@default"]}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("forward status = %d: %s", rr.Code, rr.Body.String())
	}
	res := decode[forwardResponse](t, rr)
	if res.Delivered != 1 || len(res.Errors) != 1 {
		t.Errorf("forward = %+v", res)
	}

	rr = a.do(t, http.MethodPost, box100+"/folders/INBOX/messages/0/forward", "", strings.NewReader(`{"recipients":[]}`))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("empty recipients = %d, want 400", rr.Code)
	}
}

func TestChangePassword(t *testing.T) {
	a := newTestAPI(t, Options{})
	rr := a.do(t, http.MethodPut, box100+"/password", "", strings.NewReader(`{"password":"98765"}`))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if _, err := a.svc.Registry().Authenticate(context.Background(), "100", "default", "98765"); err != nil {
		t.Errorf("new password rejected: %v", err)
	}

	rr = a.do(t, http.MethodPut, box100+"/password", "", strings.NewReader(`{"password":"12"}`))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("short password = %d, want 400", rr.Code)
	}
}

func TestTokenAuth(t *testing.T) {
	a := newTestAPI(t, Options{JWTSecret: secret})

	if rr := a.do(t, http.MethodGet, box100, "", nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", rr.Code)
	}

	rr := a.do(t, http.MethodPost, "/api/v1/token", "", strings.NewReader(`{"mailbox":"100","context":"default","password":"0000"}`))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong password = %d, want 401", rr.Code)
	}

	rr = a.do(t, http.MethodPost, "/api/v1/token", "", strings.NewReader(`{"mailbox":"100","context":"default","password":"1234"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("token status = %d: %s", rr.Code, rr.Body.String())
	}
	tok := decode[tokenResponse](t, rr)
	if tok.Mailbox != "100@default" {
		t.Errorf("token mailbox = %q", tok.Mailbox)
	}

	if rr := a.do(t, http.MethodGet, box100, tok.Token, nil); rr.Code != http.StatusOK {
		t.Errorf("own mailbox = %d, want 200", rr.Code)
	}
	if rr := a.do(t, http.MethodGet, "/api/v1/mailboxes/default/101", tok.Token, nil); rr.Code != http.StatusForbidden {
		t.Errorf("other mailbox = %d, want 403", rr.Code)
	}

	admin, _, err := middleware.GenerateToken(secret, "", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if rr := a.do(t, http.MethodGet, "/api/v1/mailboxes/default/101", admin, nil); rr.Code != http.StatusOK {
		t.Errorf("admin token = %d, want 200", rr.Code)
	}
}

func TestWait(t *testing.T) {
	a := newTestAPI(t, Options{})

	rr := a.do(t, http.MethodGet, box100+"/wait?timeout=20ms", "", nil)
	if rr.Code != http.StatusNoContent {
		t.Errorf("idle wait = %d, want 204", rr.Code)
	}

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- a.do(t, http.MethodGet, box100+"/wait?timeout=5s", "", nil)
	}()
	deadline := time.After(5 * time.Second)
	for {
		a.bus.Publish(voicemail.Event{Mailbox: "100", Context: "default", New: 4})
		select {
		case rr := <-done:
			if rr.Code != http.StatusOK {
				t.Fatalf("wait = %d", rr.Code)
			}
			if ev := decode[eventResponse](t, rr); ev.New != 4 {
				t.Errorf("event = %+v", ev)
			}
			return
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("wait never returned")
		}
	}
}

func TestMetricsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "vmstore_test_total", Help: "test"}))
	a := newTestAPI(t, Options{Gatherer: reg})

	rr := a.do(t, http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "vmstore_test_total") {
		t.Errorf("metrics = %d %q", rr.Code, rr.Body.String())
	}
}
