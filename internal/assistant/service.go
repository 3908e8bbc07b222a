package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/wafleet/internal/observability"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultRatePerMinute = 20

	historyLimit = 10
	limiterIdle  = 10 * time.Minute
	maxLimiters  = 4096
)

var (
	ErrRateLimited = errors.New("assistant rate limit exceeded")
	ErrEmptyReply  = errors.New("assistant returned an empty reply")
)

// Options configures a Service.
type Options struct {
	Provider      Provider
	Model         string
	Timeout       time.Duration
	RatePerMinute int
	// SystemPrompt is a format string receiving the bot name.
	SystemPrompt string
	MaxTokens    int
	Now          func() time.Time
}

// Request is one incoming chat text to answer.
type Request struct {
	SessionKey string
	Sender     string
	BotName    string
	Text       string
	// Memory keeps the last exchanges with this sender as context.
	Memory bool
}

type senderLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Service answers chats through a Provider with a per-sender rate limit.
type Service struct {
	provider     Provider
	model        string
	timeout      time.Duration
	perMinute    int
	systemPrompt string
	maxTokens    int
	now          func() time.Time

	mu       sync.Mutex
	limiters map[string]*senderLimiter
	history  map[string][]Message
}

// NewService creates a Service.
func NewService(opts Options) (*Service, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("assistant provider is required")
	}
	s := &Service{
		provider:     opts.Provider,
		model:        opts.Model,
		timeout:      opts.Timeout,
		perMinute:    opts.RatePerMinute,
		systemPrompt: opts.SystemPrompt,
		maxTokens:    opts.MaxTokens,
		now:          opts.Now,
		limiters:     make(map[string]*senderLimiter),
		history:      make(map[string][]Message),
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.perMinute <= 0 {
		s.perMinute = DefaultRatePerMinute
	}
	if s.systemPrompt == "" {
		s.systemPrompt = "You are %s, a WhatsApp assistant answering on behalf of your owner. Keep replies short and friendly."
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Reply answers req.Text. It returns ErrRateLimited when the sender exceeded the rate.
func (s *Service) Reply(ctx context.Context, req Request) (string, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return "", ErrEmptyReply
	}
	convo := req.SessionKey + "|" + req.Sender
	if !s.allow(convo) {
		return "", ErrRateLimited
	}

	messages := []Message{}
	if req.Memory {
		messages = append(messages, s.recall(convo)...)
	}
	messages = append(messages, Message{Role: "user", Content: text})

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	reply, err := s.provider.Complete(ctx, CompletionRequest{
		Model:        s.model,
		SystemPrompt: fmt.Sprintf(s.systemPrompt, req.BotName),
		Messages:     messages,
		MaxTokens:    s.maxTokens,
	})
	observability.RecordAssistantReply(s.provider.Name(), time.Since(start), err == nil)
	if err != nil {
		return "", fmt.Errorf("%s completion failed: %w", s.provider.Name(), err)
	}

	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", ErrEmptyReply
	}
	if req.Memory {
		s.remember(convo, Message{Role: "user", Content: text}, Message{Role: "assistant", Content: reply})
	}

	log.Debug().Str("session_key", req.SessionKey).Str("provider", s.provider.Name()).Msg("Assistant replied")
	return reply, nil
}

// Forget drops the stored conversations of a session.
func (s *Service) Forget(sessionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := sessionKey + "|"
	for convo := range s.history {
		if strings.HasPrefix(convo, prefix) {
			delete(s.history, convo)
		}
	}
}

func (s *Service) allow(convo string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if len(s.limiters) >= maxLimiters {
		s.pruneLocked(now)
	}

	l, ok := s.limiters[convo]
	if !ok {
		every := time.Minute / time.Duration(s.perMinute)
		l = &senderLimiter{limiter: rate.NewLimiter(rate.Every(every), s.perMinute)}
		s.limiters[convo] = l
	}
	l.lastSeen = now
	return l.limiter.AllowN(now, 1)
}

func (s *Service) pruneLocked(now time.Time) {
	for convo, l := range s.limiters {
		if now.Sub(l.lastSeen) > limiterIdle {
			delete(s.limiters, convo)
		}
	}
}

func (s *Service) recall(convo string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.history[convo]...)
}

func (s *Service) remember(convo string, turns ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := append(s.history[convo], turns...)
	if len(h) > historyLimit {
		h = h[len(h)-historyLimit:]
	}
	s.history[convo] = h
}
