package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"docchat/internal/config"
	"docchat/internal/logger"
	"docchat/internal/models"
	"docchat/internal/service/ai"
)

type FragmentKind string

const (
	FragmentText  FragmentKind = "text-context"
	FragmentImage FragmentKind = "image-context"
)

// Fragment is the per-request context attached to one model call. It is
// never persisted.
type Fragment struct {
	Kind      FragmentKind
	Text      string // excerpt, for FragmentText
	MediaType string // for FragmentImage
	Data      string // base64 payload, for FragmentImage
}

// DataURL renders an image fragment as a data URL.
func (f *Fragment) DataURL() string {
	return fmt.Sprintf("data:%s;base64,%s", f.MediaType, f.Data)
}

// AttachmentSource yields the newest attachment of a chat, or nil.
type AttachmentSource interface {
	MostRecentAttachment(ctx context.Context, chatID int64) (*models.Attachment, error)
}

type ResolverConfig struct {
	Policy        string
	ExcerptBudget int
	ReadTimeout   time.Duration
}

// Resolver decides which attachment context, if any, goes with a question.
type Resolver struct {
	attachments AttachmentSource
	extractor   ai.Extractor
	cfg         ResolverConfig
	log         *zap.Logger
}

func NewResolver(attachments AttachmentSource, extractor ai.Extractor, cfg ResolverConfig, log *zap.Logger) *Resolver {
	if cfg.Policy == "" {
		cfg.Policy = config.PolicyKeyword
	}
	if cfg.ExcerptBudget <= 0 {
		cfg.ExcerptBudget = 4000
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	return &Resolver{attachments: attachments, extractor: extractor, cfg: cfg, log: logger.OrNop(log)}
}

// Resolve returns the context fragment for question in chatID, or nil. It
// never fails: lookup, read and extraction errors mean "no context".
func (r *Resolver) Resolve(ctx context.Context, chatID int64, question string) *Fragment {
	if chatID <= 0 {
		return nil
	}
	if r.cfg.Policy == config.PolicyKeyword && !IsDocumentQuestion(question) {
		return nil
	}
	att, err := r.attachments.MostRecentAttachment(ctx, chatID)
	if err != nil {
		r.log.Warn("attachment lookup failed", zap.Int64("chat_id", chatID), zap.Error(err))
		return nil
	}
	if att == nil {
		return nil
	}
	if _, err := os.Stat(att.Path); err != nil {
		r.log.Warn("attachment file unavailable", zap.Int64("chat_id", chatID), zap.Int64("attachment_id", att.ID), zap.Error(err))
		return nil
	}

	var frag *Fragment
	switch {
	case att.IsPDF():
		frag, err = r.documentFragment(ctx, att)
	case att.IsImage():
		frag, err = r.imageFragment(ctx, att)
	default:
		return nil
	}
	if err != nil {
		r.log.Warn("resolve attachment context failed",
			zap.Int64("chat_id", chatID), zap.Int64("attachment_id", att.ID), zap.Error(err))
		return nil
	}
	return frag
}

func (r *Resolver) documentFragment(ctx context.Context, att *models.Attachment) (*Fragment, error) {
	text, err := withTimeout(ctx, r.cfg.ReadTimeout, func(ctx context.Context) (string, error) {
		return r.extractor.ExtractText(ctx, att.Path, att.MediaType)
	})
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, errors.New("document has no extractable text")
	}
	return &Fragment{Kind: FragmentText, Text: truncateRunes(text, r.cfg.ExcerptBudget)}, nil
}

func (r *Resolver) imageFragment(ctx context.Context, att *models.Attachment) (*Fragment, error) {
	data, err := withTimeout(ctx, r.cfg.ReadTimeout, func(context.Context) (string, error) {
		raw, err := os.ReadFile(att.Path)
		if err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString(raw), nil
	})
	if err != nil {
		return nil, err
	}
	return &Fragment{Kind: FragmentImage, MediaType: att.MediaType, Data: data}, nil
}

// withTimeout bounds fn by d. fn keeps running in the background if it
// ignores its context; its result is then discarded. A panic in fn is
// reported as an error.
func withTimeout(ctx context.Context, d time.Duration, fn func(context.Context) (string, error)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		val string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("read attachment: panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		ch <- result{v, err}
	}()
	select {
	case res := <-ch:
		return res.val, res.err
	case <-ctx.Done():
		return "", fmt.Errorf("read attachment: %w", ctx.Err())
	}
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
