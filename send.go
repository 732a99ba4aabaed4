package partnermsg

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReferenceResolver maps a case reference to a canonical application id.
// *CasesClient implements it.
type ReferenceResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

var _ ReferenceResolver = (*CasesClient)(nil)

// SendRequest is a message composed by the user.
type SendRequest struct {
	Content     string
	Attachments []FileUpload
	ReplyToID   string

	// ApplicationRef is a canonical application id or a case reference.
	// When empty, the application of ThreadID (or the selected thread) is
	// used.
	ApplicationRef string
	// ThreadID defaults to the selected thread.
	ThreadID string
}

// SenderOptions configures a Sender.
type SenderOptions struct {
	Uploader Uploader
	Resolver ReferenceResolver
	Identity IdentityProvider
	Logger   *zap.Logger

	// OnThreadAdopted is called when a send without a selected thread
	// selects the thread the backend created or returned.
	OnThreadAdopted func(threadID string)

	// UploadConcurrency bounds parallel uploads. Default 4.
	UploadConcurrency int
}

// Sender runs the optimistic send pipeline on top of a Synchronizer.
type Sender struct {
	sync   *Synchronizer
	opts   SenderOptions
	logger *zap.Logger
}

// NewSender creates a Sender that stages messages in sync.
func NewSender(sync *Synchronizer, opts SenderOptions) *Sender {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.UploadConcurrency <= 0 {
		opts.UploadConcurrency = 4
	}
	return &Sender{
		sync:   sync,
		opts:   opts,
		logger: opts.Logger.With(zap.String("component", "sender")),
	}
}

// Send stages req locally, submits it and reconciles the result.
//
// It returns ErrEmptyMessage without any network call when there is nothing
// to send. When the messaging service is unavailable it returns (nil, nil)
// after rolling back the local entry. Other submission failures roll back
// and return an error wrapping ErrSendFailed.
func (s *Sender) Send(ctx context.Context, req SendRequest) (*Message, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" && len(req.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = s.sync.Selected()
	}
	applicationID, err := s.resolveApplication(ctx, req.ApplicationRef, threadID)
	if err != nil {
		return nil, err
	}
	if threadID == "" && applicationID == "" {
		return nil, fmt.Errorf("%w: no thread or application to send to", ErrNoThreadSelected)
	}

	attachments := s.upload(ctx, applicationID, req.Attachments)

	identity := Identity{}
	if s.opts.Identity != nil {
		if id, err := s.opts.Identity.Identity(ctx); err == nil {
			identity = id
		}
	}
	local := s.sync.InsertLocal(Message{
		ThreadID:    threadID,
		SenderID:    identity.CanonicalUserID(),
		SenderName:  identity.DisplayName,
		SenderClass: SenderPartner,
		Content:     content,
		Attachments: attachments,
		ReplyToID:   req.ReplyToID,
	})
	log := s.logger.With(zap.String("message_id", local.ID), zap.String("thread_id", threadID))

	res, err := s.sync.messages.Send(ctx, OutgoingMessage{
		ApplicationID: applicationID,
		ThreadID:      threadID,
		Content:       content,
		ReplyToID:     req.ReplyToID,
		Attachments:   attachments,
	})
	if err != nil {
		if failed, ok := s.sync.Fail(local.ID); ok {
			log = log.With(zap.String("status", string(failed.Status)))
		}
		log.Warn("send failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	if res == nil {
		s.sync.Fail(local.ID)
		log.Info("messaging service unavailable, send dropped")
		return nil, nil
	}

	if threadID == "" {
		threadID = s.adopt(ctx, res.ThreadID, applicationID)
	}

	confirmed := res.Message
	if confirmed != nil && confirmed.ThreadID == "" {
		confirmed.ThreadID = threadID
	}
	s.sync.Confirm(local.ID, confirmed)
	if confirmed == nil {
		ack := local
		ack.ThreadID = threadID
		ack.Status = StatusConfirmed
		confirmed = &ack
	}
	log.Debug("send confirmed", zap.String("server_id", confirmed.ID))

	// Reconcile against the authoritative window before returning.
	if err := s.sync.RefreshMessages(ctx); err != nil {
		log.Warn("reconcile refresh failed", zap.Error(err))
	}
	s.refreshAggregates(ctx)
	return confirmed, nil
}

func (s *Sender) resolveApplication(ctx context.Context, ref, threadID string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		if threadID == "" {
			return "", nil
		}
		conv, _ := s.sync.Conversation(threadID)
		return conv.ApplicationID, nil
	}
	if IsCanonicalID(ref) {
		return ref, nil
	}
	if s.opts.Resolver == nil {
		return "", fmt.Errorf("%w %q", ErrUnresolvedReference, ref)
	}
	return s.opts.Resolver.Resolve(ctx, ref)
}

// upload stores every file concurrently. A failed upload becomes a
// placeholder so the result always has one entry per file, in order.
func (s *Sender) upload(ctx context.Context, applicationID string, files []FileUpload) []Attachment {
	if len(files) == 0 {
		return nil
	}
	out := make([]Attachment, len(files))
	var g errgroup.Group
	g.SetLimit(s.opts.UploadConcurrency)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			if s.opts.Uploader == nil {
				out[i] = placeholderAttachment(applicationID, i, f)
				return nil
			}
			att, err := s.opts.Uploader.Upload(ctx, applicationID, f)
			if err != nil {
				s.logger.Warn("attachment upload failed, using placeholder",
					zap.String("file", f.FileName), zap.Error(err))
				out[i] = placeholderAttachment(applicationID, i, f)
				return nil
			}
			out[i] = att
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// adopt selects the thread the backend used for a send that had none.
func (s *Sender) adopt(ctx context.Context, threadID, applicationID string) string {
	if threadID == "" && applicationID != "" {
		conv, err := s.sync.threads.ByApplication(ctx, applicationID)
		if err != nil {
			s.logger.Warn("thread lookup after send failed", zap.Error(err))
		} else if conv != nil {
			threadID = conv.ID
		}
	}
	if threadID == "" {
		return ""
	}
	s.sync.adoptThread(threadID)
	if s.opts.OnThreadAdopted != nil {
		s.opts.OnThreadAdopted(threadID)
	}
	return threadID
}

func (s *Sender) refreshAggregates(ctx context.Context) {
	var g errgroup.Group
	g.Go(func() error { return s.sync.RefreshUnread(ctx) })
	g.Go(func() error { return s.sync.RefreshConversations(ctx) })
	if err := g.Wait(); err != nil {
		s.logger.Warn("post-send refresh failed", zap.Error(err))
	}
}
