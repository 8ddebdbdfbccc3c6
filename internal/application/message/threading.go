package message

import (
	"context"
	"strings"

	"github.com/google/uuid"

	domainMessage "github.com/outbound-hub/outbound-hub/internal/domain/message"
)

// resolveReplyThread derives the thread headers for a reply. A nil target means
// the new message is not a reply and carries no thread linkage at all.
func resolveReplyThread(ctx context.Context, repo domainMessage.Repository, replyTo *uuid.UUID) (*domainMessage.ReplyThread, error) {
	if replyTo == nil {
		return nil, nil
	}
	target, err := repo.GetByID(ctx, *replyTo)
	if err != nil {
		return nil, err
	}
	if target == nil || !target.IsValidReplyTarget() {
		return nil, domainMessage.NewValidationError(
			domainMessage.CodeInvalidReplyTarget,
			"replyToMessageId",
			"reply target "+replyTo.String()+" must exist, be SENT and carry an SMTP message id",
		)
	}

	smtpID := *target.SMTPMessageID()
	refs := smtpID
	if prev := target.ReferencesHeader(); prev != nil && strings.TrimSpace(*prev) != "" {
		refs = strings.TrimSpace(*prev) + " " + smtpID
	}
	return &domainMessage.ReplyThread{
		ReplyToMessageID: target.ID(),
		InReplyTo:        smtpID,
		ReferencesHeader: refs,
	}, nil
}
