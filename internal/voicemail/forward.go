package voicemail

import (
	"context"
	"errors"
	"fmt"
)

// Forward copies message n of folder in mailbox from into the Inbox of every
// recipient, each with its own notification. A failing recipient does not
// stop the others; the number of successful copies is returned together
// with the joined errors.
func (s *Service) Forward(ctx context.Context, from *Mailbox, folder Folder, n int, recipients []string) (int, error) {
	src := LocationOf(from, folder)
	ok, err := s.backend.Exists(ctx, src, n)
	if err != nil {
		return 0, fmt.Errorf("checking message %d of %s: %w", n, src, err)
	}
	if !ok {
		return 0, fmt.Errorf("message %d of %s: %w", n, src, ErrMessageNotFound)
	}

	var errs []error
	delivered := 0
	for _, spec := range recipients {
		box, err := s.registry.LookupKey(ctx, spec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		idx, err := s.copyToInbox(ctx, src, n, box)
		if err != nil {
			s.logger.Warn("forward to recipient failed",
				"mailbox", from.Key(),
				"recipient", box.Key(),
				"error", err,
			)
			errs = append(errs, fmt.Errorf("forwarding to %s: %w", box.Key(), err))
			continue
		}
		s.deliver(ctx, box, idx, true)
		delivered++
	}

	s.logger.Info("message forwarded",
		"mailbox", from.Key(),
		"folder", folder.Name(),
		"index", n,
		"delivered", delivered,
		"failed", len(errs),
	)
	return delivered, errors.Join(errs...)
}
