package voicemail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
)

// RecordRequest describes one recording take.
type RecordRequest struct {
	// FilePath is where the audio is written.
	FilePath string
	// Format is the audio format expected at FilePath.
	Format string
	// MaxSecs caps the take length; 0 is unlimited.
	MaxSecs int
	// SilenceSecs ends the take after this much silence; 0 uses the
	// recorder default.
	SilenceSecs int
	// Terminator is the digit that ends the take, or 0 for none.
	Terminator rune
	// Append continues an existing file instead of replacing it.
	Append bool
	// Gain is a volume adjustment in dB.
	Gain float64
}

// RecordResult holds the outcome of a recording operation.
type RecordResult struct {
	// FilePath is the path to the recorded file.
	FilePath string

	// DurationSecs is the duration of the recording in seconds.
	DurationSecs int

	// PacketsReceived is the number of media packets captured, when the
	// recorder counts them.
	PacketsReceived int

	// Digit is the terminator that ended the take, or 0.
	Digit rune
}

// Recorder captures one take of caller audio.
type Recorder interface {
	Record(ctx context.Context, req RecordRequest) (*RecordResult, error)
}

// Caller is the channel side of a deposit. Playback and recording happen in
// the host that owns the call; greeting playback returns the escape digit
// the caller pressed, or 0.
type Caller interface {
	Recorder
	Answered() bool
	Answer(ctx context.Context) error
	// PlayGreeting plays the greeting at path, or the generic greeting for
	// box when path is empty, stopping on any digit in escape.
	PlayGreeting(ctx context.Context, box *Mailbox, path string, escape []rune) (rune, error)
	PlayBeep(ctx context.Context) error
}

// ReviewChoice is the caller's verdict on a recorded take.
type ReviewChoice int

const (
	ReviewAccept ReviewChoice = iota
	ReviewRerecord
	ReviewDiscard
)

// Reviewer is implemented by callers that can review a take before it is
// committed. It is consulted for mailboxes with FlagReview.
type Reviewer interface {
	Review(ctx context.Context, take *RecordResult) (ReviewChoice, error)
}

// GreetingKind selects the situational greeting.
type GreetingKind int

const (
	GreetingUnavailable GreetingKind = iota
	GreetingBusy
)

func (g GreetingKind) stem() string {
	if g == GreetingBusy {
		return "busy"
	}
	return "unavail"
}

// EscapeDigits are the digits honored during greeting playback.
type EscapeDigits struct {
	// Skip ends the greeting and proceeds to recording.
	Skip rune
	// Operator leaves the flow towards the operator. It is only honored
	// for mailboxes with FlagOperator.
	Operator rune
	// Self leaves the flow towards the mailbox owner's own login.
	Self rune
}

// DefaultEscapeDigits returns '#' to skip, '0' for the operator and '*' for
// self-escape.
func DefaultEscapeDigits() EscapeDigits {
	return EscapeDigits{Skip: '#', Operator: '0', Self: '*'}
}

// LeaveRequest is a request to deposit a message.
type LeaveRequest struct {
	// Mailboxes lists "mailbox@context" recipients; the first one is the
	// primary and receives the recording, the rest get copies.
	Mailboxes []string
	Options   RecordOptions
	// Gain is added to the mailbox volume gain (dB).
	Gain     float64
	Greeting GreetingKind
	Escape   EscapeDigits

	CallerID     string
	CallerChan   string
	Exten        string
	MacroContext string
	Priority     int
	Category     string
}

// LeaveStatus is the outcome of a deposit attempt.
type LeaveStatus int

const (
	// LeaveCommitted means a message was stored.
	LeaveCommitted LeaveStatus = iota
	// LeaveSkipped means the channel was not answered and OptSkipUnanswered
	// was set.
	LeaveSkipped
	// LeaveDiscarded means the take was below the minimum duration or the
	// caller discarded it on review.
	LeaveDiscarded
	// LeaveOperator means the caller escaped to the operator.
	LeaveOperator
	// LeaveSelf means the caller escaped to their own mailbox.
	LeaveSelf
)

var leaveStatusNames = [...]string{"committed", "skipped", "discarded", "operator", "self"}

func (s LeaveStatus) String() string {
	if s < 0 || int(s) >= len(leaveStatusNames) {
		return "unknown"
	}
	return leaveStatusNames[s]
}

// LeaveResult reports a deposit.
type LeaveResult struct {
	Status       LeaveStatus
	Mailbox      string
	Index        int
	DurationSecs int
	// Copies counts the extra recipients that received the message.
	Copies int
}

// Leave runs the deposit flow: greeting, recording, commit, notification
// and delivery to extra recipients. A hangup at any point before the commit
// discards the recording.
func (s *Service) Leave(ctx context.Context, req LeaveRequest, caller Caller) (*LeaveResult, error) {
	if len(req.Mailboxes) == 0 {
		return nil, fmt.Errorf("leaving message: no mailbox given")
	}
	box, err := s.registry.LookupKey(ctx, req.Mailboxes[0])
	if err != nil {
		return nil, err
	}
	logger := s.logger.With("mailbox", box.Key())

	if !caller.Answered() {
		if req.Options.Has(OptSkipUnanswered) {
			logger.Debug("channel not answered, skipping deposit")
			return &LeaveResult{Status: LeaveSkipped, Mailbox: box.Key(), Index: -1}, nil
		}
		if !req.Options.Has(OptNoAnswer) {
			if err := caller.Answer(ctx); err != nil {
				return nil, fmt.Errorf("answering channel: %w", err)
			}
		}
	}

	status, err := s.playGreeting(ctx, box, req, caller, logger)
	if err != nil {
		return nil, err
	}
	if status != LeaveCommitted {
		return &LeaveResult{Status: status, Mailbox: box.Key(), Index: -1}, nil
	}

	if err := s.precheckCapacity(ctx, box); err != nil {
		return nil, err
	}

	if !req.Options.Has(OptQuiet) {
		if err := caller.PlayBeep(ctx); err != nil {
			return nil, s.hangupOr(ctx, fmt.Errorf("playing beep: %w", err))
		}
	}

	take, err := s.recordTake(ctx, box, req, caller)
	if err != nil {
		return nil, err
	}
	if take == nil {
		logger.Info("recording discarded on review")
		return &LeaveResult{Status: LeaveDiscarded, Mailbox: box.Key(), Index: -1}, nil
	}
	defer removeStaging(take.FilePath, logger)

	if take.DurationSecs < box.MinSecs {
		logger.Info("recording shorter than minimum, discarded",
			"duration_secs", take.DurationSecs,
			"min_secs", box.MinSecs,
		)
		return &LeaveResult{Status: LeaveDiscarded, Mailbox: box.Key(), Index: -1, DurationSecs: take.DurationSecs}, nil
	}

	meta := Metadata{
		OrigMailbox:  box.ID,
		Context:      box.Context,
		MacroContext: req.MacroContext,
		Exten:        req.Exten,
		Priority:     req.Priority,
		CallerChan:   req.CallerChan,
		CallerID:     req.CallerID,
		OrigTime:     s.nowFunc(),
		Category:     req.Category,
		Duration:     take.DurationSecs,
	}
	n, err := s.commit(ctx, box, meta, box.PrimaryFormat(), take.FilePath)
	if err != nil {
		return nil, err
	}
	s.stats.MessageDeposited(box)
	logger.Info("message left",
		"index", n,
		"duration_secs", take.DurationSecs,
		"caller_id", req.CallerID,
	)

	if _, err := s.notifier.NotifyChange(ctx, box); err != nil {
		logger.Warn("notification after deposit failed", "error", err)
	}

	res := &LeaveResult{Status: LeaveCommitted, Mailbox: box.Key(), Index: n, DurationSecs: take.DurationSecs}
	src := LocationOf(box, FolderInbox)
	for _, spec := range req.Mailboxes[1:] {
		rbox, err := s.registry.LookupKey(ctx, spec)
		if err != nil {
			logger.Warn("skipping unknown recipient", "recipient", spec, "error", err)
			continue
		}
		idx, err := s.copyToInbox(ctx, src, n, rbox)
		if err != nil {
			logger.Warn("copy to recipient failed", "recipient", rbox.Key(), "error", err)
			continue
		}
		s.deliver(ctx, rbox, idx, true)
		res.Copies++
	}

	s.deliver(ctx, box, n, false)
	return res, nil
}

// playGreeting plays the temporary greeting when present, else the busy or
// unavailable greeting, else the generic one.
func (s *Service) playGreeting(ctx context.Context, box *Mailbox, req LeaveRequest, caller Caller, logger *slog.Logger) (LeaveStatus, error) {
	path := s.greetingPath(box, "temp")
	if path == "" {
		path = s.greetingPath(box, req.Greeting.stem())
	}

	escape := make([]rune, 0, 3)
	for _, d := range []rune{req.Escape.Skip, req.Escape.Self} {
		if d != 0 {
			escape = append(escape, d)
		}
	}
	operator := box.Flags.Has(FlagOperator) && req.Escape.Operator != 0
	if operator {
		escape = append(escape, req.Escape.Operator)
	}

	digit, err := caller.PlayGreeting(ctx, box, path, escape)
	if err != nil {
		return 0, s.hangupOr(ctx, fmt.Errorf("playing greeting: %w", err))
	}

	switch {
	case digit == 0, digit == req.Escape.Skip:
		return LeaveCommitted, nil
	case operator && digit == req.Escape.Operator:
		logger.Info("caller escaped to operator")
		return LeaveOperator, nil
	case digit == req.Escape.Self:
		logger.Info("caller escaped to own mailbox")
		return LeaveSelf, nil
	default:
		return LeaveCommitted, nil
	}
}

// precheckCapacity rejects the deposit before recording when the backend
// can count without scanning storage.
func (s *Service) precheckCapacity(ctx context.Context, box *Mailbox) error {
	cc, ok := s.backend.(CheapCounter)
	if !ok || !cc.CheapCount() {
		return nil
	}
	count, err := s.backend.Count(ctx, LocationOf(box, FolderInbox))
	if err != nil {
		return fmt.Errorf("counting messages of %s: %w", box.Key(), err)
	}
	if count >= box.MaxMsg {
		s.stats.CapacityRejected(box)
		s.logger.Info("mailbox full before recording", "mailbox", box.Key(), "count", count, "max_msg", box.MaxMsg)
		return fmt.Errorf("mailbox %s: %w", box.Key(), ErrCapacityExceeded)
	}
	return nil
}

// recordTake records into a staging file, offering review when the
// mailbox asks for it. A nil result means the caller discarded the take.
func (s *Service) recordTake(ctx context.Context, box *Mailbox, req LeaveRequest, caller Caller) (*RecordResult, error) {
	path, err := s.stagingPath(uuid.NewString(), box.PrimaryFormat())
	if err != nil {
		return nil, err
	}
	rr := RecordRequest{
		FilePath:    path,
		Format:      box.PrimaryFormat(),
		MaxSecs:     box.MaxSecs,
		SilenceSecs: s.silenceSecs,
		Terminator:  req.Options.Terminator(),
		Gain:        box.VolGain + req.Gain,
	}
	reviewer, canReview := caller.(Reviewer)

	for {
		take, err := caller.Record(ctx, rr)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if err != nil {
			removeStaging(path, s.logger)
			return nil, s.hangupOr(ctx, fmt.Errorf("recording: %w", err))
		}
		if take.FilePath == "" {
			take.FilePath = path
		}

		if !canReview || !box.Flags.Has(FlagReview) {
			return take, nil
		}
		choice, err := reviewer.Review(ctx, take)
		if err != nil {
			removeStaging(path, s.logger)
			return nil, s.hangupOr(ctx, fmt.Errorf("reviewing recording: %w", err))
		}
		switch choice {
		case ReviewAccept:
			return take, nil
		case ReviewDiscard:
			removeStaging(path, s.logger)
			return nil, nil
		default:
			rr.Append = req.Options.Has(OptAppend)
		}
	}
}

// hangupOr maps a cancelled context or a hangup onto ErrHangup.
func (s *Service) hangupOr(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, ErrHangup) {
		return fmt.Errorf("%w: %v", ErrHangup, err)
	}
	return err
}

// commit stores the staged recording as the next Inbox message. The count
// is taken again under the lock because other callers may have deposited
// since the recording started.
func (s *Service) commit(ctx context.Context, box *Mailbox, meta Metadata, format, path string) (int, error) {
	inbox := LocationOf(box, FolderInbox)
	unlock, err := s.lock(ctx, inbox)
	if err != nil {
		return -1, s.hangupOr(ctx, err)
	}
	defer unlock()

	n, err := s.nextSlot(ctx, box, inbox)
	if err != nil {
		return -1, err
	}
	msg := &Message{Index: n, Meta: meta, Files: map[string]string{format: path}}
	if err := s.backend.Store(ctx, inbox, n, msg); err != nil {
		return -1, fmt.Errorf("storing message %d of %s: %w", n, inbox, err)
	}
	return n, nil
}

// nextSlot returns the index the next message of loc gets, or
// ErrCapacityExceeded. The caller holds the folder lock.
func (s *Service) nextSlot(ctx context.Context, box *Mailbox, loc Location) (int, error) {
	count, err := s.backend.Count(ctx, loc)
	if err != nil {
		return -1, fmt.Errorf("counting %s: %w", loc, err)
	}
	if count >= box.MaxMsg {
		s.stats.CapacityRejected(box)
		s.logger.Info("mailbox full", "location", loc.String(), "count", count, "max_msg", box.MaxMsg)
		return -1, fmt.Errorf("mailbox %s: %w", box.Key(), ErrCapacityExceeded)
	}
	last, err := s.backend.LastIndex(ctx, loc)
	if err != nil {
		return -1, fmt.Errorf("finding last message of %s: %w", loc, err)
	}
	return last + 1, nil
}

// copyToInbox copies message sn of src into the Inbox of box.
func (s *Service) copyToInbox(ctx context.Context, src Location, sn int, box *Mailbox) (int, error) {
	inbox := LocationOf(box, FolderInbox)
	unlock, err := s.lock(ctx, inbox)
	if err != nil {
		return -1, err
	}
	defer unlock()

	n, err := s.nextSlot(ctx, box, inbox)
	if err != nil {
		return -1, err
	}
	if err := s.backend.Copy(ctx, src, sn, inbox, n); err != nil {
		return -1, fmt.Errorf("copying message %d of %s to %s: %w", sn, src, inbox, err)
	}
	return n, nil
}

// deliver notifies subscribers and deposit listeners about Inbox message n
// of box, then removes it when the mailbox deletes after notification.
func (s *Service) deliver(ctx context.Context, box *Mailbox, n int, notify bool) {
	logger := s.logger.With("mailbox", box.Key(), "index", n)

	var ev Event
	if notify {
		var err error
		ev, err = s.notifier.NotifyChange(ctx, box)
		if err != nil {
			logger.Warn("notification after deposit failed", "error", err)
		}
	} else {
		newCount, oldCount, err := s.notifier.Counts(ctx, box)
		if err == nil {
			ev = Event{New: newCount, Old: oldCount}
		}
	}

	inbox := LocationOf(box, FolderInbox)
	msg, err := s.backend.Retrieve(ctx, inbox, n)
	if err != nil {
		logger.Warn("retrieving message for delivery failed", "error", err)
		return
	}
	derr := s.notifier.NotifyDeposit(ctx, Deposit{
		Mailbox: box,
		Folder:  FolderInbox,
		Index:   n,
		Message: msg,
		New:     ev.New,
		Old:     ev.Old,
	})
	if err := s.backend.Dispose(ctx, inbox, n); err != nil {
		logger.Debug("disposing delivered message failed", "error", err)
	}

	if derr != nil || !box.Flags.Has(FlagDelete) || box.Email == "" {
		return
	}
	if err := s.deleteAfterNotify(ctx, box, n); err != nil {
		logger.Warn("delete after notification failed", "error", err)
		return
	}
	logger.Info("message deleted after notification")
}

func (s *Service) deleteAfterNotify(ctx context.Context, box *Mailbox, n int) error {
	inbox := LocationOf(box, FolderInbox)
	unlock, err := s.lock(ctx, inbox)
	if err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, inbox, n); err != nil {
		unlock()
		return fmt.Errorf("deleting message %d of %s: %w", n, inbox, err)
	}
	_, err = s.checkSequence(ctx, inbox)
	unlock()
	if err != nil {
		return err
	}
	_, err = s.notifier.NotifyChange(ctx, box)
	return err
}

func removeStaging(path string, logger *slog.Logger) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Debug("removing staged recording failed", "path", path, "error", err)
	}
}
