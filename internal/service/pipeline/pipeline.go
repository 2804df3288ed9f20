package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"docchat/internal/logger"
	"docchat/internal/metrics"
	"docchat/internal/models"
	"docchat/internal/service/ai"
)

const documentPromptPrefix = "Based on the following document content, please answer the user's question. Document content: \"\"\""

// ChatStore is the part of the conversation store the pipeline needs.
// LoadChat must read committed state, not a cached snapshot: its result is
// the base of a full-log overwrite.
type ChatStore interface {
	CreateChat(ctx context.Context, title string, folderID *int64) (*models.Chat, error)
	LoadChat(ctx context.Context, id int64) (*models.Chat, error)
	ReplaceMessages(ctx context.Context, id int64, msgs []models.Message) error
	DeleteChat(ctx context.Context, id int64) error
}

// GatewaySource returns a gateway bound to the current credential, or a
// ConfigurationError.
type GatewaySource interface {
	Gateway() (ai.Gateway, error)
}

// Serializer runs fn exclusively for key.
type Serializer interface {
	Run(ctx context.Context, key int64, fn func(context.Context) error) error
}

type Options struct {
	MaxTokens         int
	FollowupMaxTokens int
	HistoryLimit      int
	ModelTimeout      time.Duration
}

func (o *Options) withDefaults() {
	if o.MaxTokens <= 0 {
		o.MaxTokens = 512
	}
	if o.FollowupMaxTokens <= 0 {
		o.FollowupMaxTokens = 100
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 20
	}
	if o.ModelTimeout <= 0 {
		o.ModelTimeout = 60 * time.Second
	}
}

// Result is what a user sees for one answered question.
type Result struct {
	Answer    string   `json:"answer"`
	Followups []string `json:"followups"`
	ChatID    int64    `json:"chatId"`
}

// Pipeline answers questions against a chat's history and attachments.
type Pipeline struct {
	store    ChatStore
	gateways GatewaySource
	resolver *Resolver
	lanes    Serializer
	opts     Options
	log      *zap.Logger
	metrics  *metrics.Metrics
}

type Option func(*Pipeline)

func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithSerializer makes load, model call and write-back for one chat run
// one at a time.
func WithSerializer(s Serializer) Option {
	return func(p *Pipeline) { p.lanes = s }
}

func New(store ChatStore, gateways GatewaySource, resolver *Resolver, opts Options, options ...Option) *Pipeline {
	opts.withDefaults()
	p := &Pipeline{
		store:    store,
		gateways: gateways,
		resolver: resolver,
		opts:     opts,
	}
	for _, o := range options {
		o(p)
	}
	if p.lanes == nil {
		p.lanes = inline{}
	}
	p.log = logger.OrNop(p.log)
	return p
}

type inline struct{}

func (inline) Run(ctx context.Context, _ int64, fn func(context.Context) error) error {
	return fn(context.WithoutCancel(ctx))
}

// Ask answers question in chat chatID. A nil chatID creates a new chat
// first, which is removed again if no answer comes back. Only the model call
// can fail the request once the chat is loaded; write-back and follow-up
// failures are logged.
func (p *Pipeline) Ask(ctx context.Context, chatID *int64, question string) (*Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		p.metrics.Ask(metrics.OutcomeRejected)
		return nil, models.Invalid("question is required")
	}
	gw, err := p.gateways.Gateway()
	if err != nil {
		p.metrics.Ask(metrics.OutcomeRejected)
		return nil, err
	}

	var (
		id      int64
		created bool
	)
	if chatID != nil {
		id = *chatID
	} else {
		chat, err := p.store.CreateChat(ctx, "", nil)
		if err != nil {
			return nil, err
		}
		id, created = chat.ID, true
	}

	var (
		reply      string
		transcript []models.Message
	)
	err = p.lanes.Run(ctx, id, func(ctx context.Context) error {
		chat, err := p.store.LoadChat(ctx, id)
		if err != nil {
			return err
		}
		reply, err = p.answer(ctx, gw, id, chat.Messages, question)
		if err != nil {
			return err
		}
		transcript = append(cloneMessages(chat.Messages),
			models.NewTextMessage(models.RoleUser, question),
			models.NewTextMessage(models.RoleAssistant, reply),
		)
		p.persist(ctx, id, transcript)
		return nil
	})
	if err != nil {
		// a cancelled caller leaves the queued lane task running
		if created && ctx.Err() == nil {
			p.discard(ctx, id)
		}
		return nil, err
	}

	p.metrics.Ask(metrics.OutcomeAnswered)
	return &Result{
		Answer:    reply,
		Followups: p.followups(ctx, gw, id, transcript),
		ChatID:    id,
	}, nil
}

// EditMessage replaces the user message at index with text and regenerates
// the assistant reply that follows it. The log keeps its length unless the
// edited message was the last one, in which case the reply is appended.
func (p *Pipeline) EditMessage(ctx context.Context, chatID int64, index int, text string) (*Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		p.metrics.Ask(metrics.OutcomeRejected)
		return nil, models.Invalid("text is required")
	}
	if index < 0 {
		p.metrics.Ask(metrics.OutcomeRejected)
		return nil, models.Invalid("message index must not be negative")
	}
	gw, err := p.gateways.Gateway()
	if err != nil {
		p.metrics.Ask(metrics.OutcomeRejected)
		return nil, err
	}

	var (
		reply      string
		transcript []models.Message
	)
	err = p.lanes.Run(ctx, chatID, func(ctx context.Context) error {
		chat, err := p.store.LoadChat(ctx, chatID)
		if err != nil {
			return err
		}
		msgs := chat.Messages
		if index >= len(msgs) {
			return models.Invalid("message index %d out of range", index)
		}
		if msgs[index].Role != models.RoleUser {
			return models.Invalid("message %d is not a user message", index)
		}
		if index+1 < len(msgs) && msgs[index+1].Role != models.RoleAssistant {
			return models.Invalid("message %d is not followed by an assistant reply", index)
		}

		reply, err = p.answer(ctx, gw, chatID, msgs[:index], text)
		if err != nil {
			return err
		}
		transcript = cloneMessages(msgs)
		transcript[index] = models.NewTextMessage(models.RoleUser, text)
		answer := models.NewTextMessage(models.RoleAssistant, reply)
		if index+1 < len(transcript) {
			transcript[index+1] = answer
		} else {
			transcript = append(transcript, answer)
		}
		p.persist(ctx, chatID, transcript)
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.metrics.Ask(metrics.OutcomeAnswered)
	return &Result{
		Answer:    reply,
		Followups: p.followups(ctx, gw, chatID, transcript[:index+2]),
		ChatID:    chatID,
	}, nil
}

// discard removes a chat Ask created for a question that got no answer.
func (p *Pipeline) discard(ctx context.Context, chatID int64) {
	if err := p.store.DeleteChat(context.WithoutCancel(ctx), chatID); err != nil {
		p.log.Warn("remove unanswered chat failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

// answer resolves context, builds the outgoing request and calls the model.
func (p *Pipeline) answer(ctx context.Context, gw ai.Gateway, chatID int64, history []models.Message, question string) (string, error) {
	var frag *Fragment
	if p.resolver != nil {
		frag = p.resolver.Resolve(ctx, chatID, question)
	}
	if frag != nil {
		p.metrics.Fragment(string(frag.Kind))
	}
	outgoing, variant := buildRequest(history, question, frag, p.opts.HistoryLimit)

	ctx, cancel := context.WithTimeout(ctx, p.opts.ModelTimeout)
	defer cancel()
	reply, err := gw.Complete(ctx, outgoing, variant, p.opts.MaxTokens)
	if err != nil {
		p.metrics.Ask(metrics.OutcomeUpstreamFail)
		var up *models.UpstreamError
		if !errors.As(err, &up) {
			err = &models.UpstreamError{Message: "model request failed", Err: err}
		}
		return "", err
	}
	return reply, nil
}

// persist writes the log back. Failure is logged; the answer stands.
func (p *Pipeline) persist(ctx context.Context, chatID int64, transcript []models.Message) {
	if err := p.store.ReplaceMessages(ctx, chatID, transcript); err != nil {
		p.log.Warn("persist chat transcript failed", zap.Int64("chat_id", chatID), zap.Error(err))
		p.metrics.Ask(metrics.OutcomePersistFail)
	}
}

// buildRequest assembles the model input. An image fragment selects the
// vision variant and travels inside the user message; a document fragment
// becomes a leading system message.
func buildRequest(history []models.Message, question string, frag *Fragment, limit int) ([]models.Message, ai.Variant) {
	prior := lastN(sanitize(history), limit)
	out := make([]models.Message, 0, len(prior)+2)

	if frag != nil && frag.Kind == FragmentImage {
		out = append(out, prior...)
		out = append(out, models.Message{Role: models.RoleUser, Content: models.ImageContent(question, frag.DataURL())})
		return sanitize(out), ai.VariantVision
	}
	if frag != nil && frag.Kind == FragmentText {
		out = append(out, models.NewTextMessage(models.RoleSystem, documentPromptPrefix+frag.Text+`"""`))
	}
	out = append(out, prior...)
	out = append(out, models.NewTextMessage(models.RoleUser, question))
	return sanitize(out), ai.VariantText
}

// sanitize keeps only messages a model can take.
func sanitize(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.IsConversational() {
			out = append(out, m)
		}
	}
	return out
}

func lastN(msgs []models.Message, n int) []models.Message {
	if n > 0 && len(msgs) > n {
		return msgs[len(msgs)-n:]
	}
	return msgs
}

func cloneMessages(msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs), len(msgs)+2)
	copy(out, msgs)
	return out
}
