package moderation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
)

// Violation names the rule a group message broke.
type Violation string

const (
	ViolationNone        Violation = ""
	ViolationFakeNumber  Violation = "fake_number"
	ViolationLink        Violation = "link"
	ViolationMentionSpam Violation = "mention_spam"
	ViolationBadWord     Violation = "bad_word"
)

const inviteHost = "chat.whatsapp.com"

var linkPattern = regexp.MustCompile(`https?://[^\s]+`)

// FilterConfig configures a ContentFilter.
type FilterConfig struct {
	BlockedKeywords  []string
	BlockedPatterns  []string
	AllowedLinkHosts []string
	FakePrefixes     []string
	MaxMentions      int
}

// Message is the part of a group message the filter looks at.
type Message struct {
	Text         string
	SenderNumber string
	Mentions     int
}

// ContentFilter checks group messages against the rules a group has switched on.
type ContentFilter struct {
	mu       sync.RWMutex
	keywords []string
	patterns []*regexp.Regexp

	allowedHosts []string
	fakePrefixes []string
	maxMentions  int
}

// New creates a new content filter.
func New(cfg FilterConfig) (*ContentFilter, error) {
	patterns := make([]*regexp.Regexp, 0, len(cfg.BlockedPatterns))
	for _, p := range cfg.BlockedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	f := &ContentFilter{
		patterns:     patterns,
		allowedHosts: lowerAll(cfg.AllowedLinkHosts),
		fakePrefixes: cfg.FakePrefixes,
		maxMentions:  cfg.MaxMentions,
	}
	f.SetKeywords(cfg.BlockedKeywords)
	return f, nil
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SetKeywords replaces the blocked keyword list.
func (f *ContentFilter) SetKeywords(words []string) {
	words = lowerAll(words)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keywords = words
}

// AddKeyword blocks word. It reports false when the word was already blocked.
func (f *ContentFilter) AddKeyword(word string) bool {
	word = strings.ToLower(strings.TrimSpace(word))
	if word == "" {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, kw := range f.keywords {
		if kw == word {
			return false
		}
	}
	f.keywords = append(f.keywords, word)
	return true
}

// Keywords returns a copy of the blocked keywords.
func (f *ContentFilter) Keywords() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, len(f.keywords))
	copy(out, f.keywords)
	return out
}

// Check returns the first rule msg breaks, in the order fake number, link, mention spam,
// bad word. Only rules switched on in rules are checked.
func (f *ContentFilter) Check(rules Settings, msg Message) Violation {
	if rules.AntiFake && f.isFake(msg.SenderNumber) {
		return ViolationFakeNumber
	}
	if rules.AntiLink && f.hasBlockedLink(msg.Text) {
		return ViolationLink
	}
	if rules.AntiSpam && f.maxMentions > 0 && msg.Mentions > f.maxMentions {
		return ViolationMentionSpam
	}
	if rules.AntiBadWord && f.hasBlockedContent(msg.Text) {
		return ViolationBadWord
	}
	return ViolationNone
}

func (f *ContentFilter) isFake(number string) bool {
	for _, prefix := range f.fakePrefixes {
		if prefix != "" && strings.HasPrefix(number, prefix) {
			return true
		}
	}
	return false
}

// hasBlockedLink reports links outside the allowed hosts. Group invites are always blocked.
func (f *ContentFilter) hasBlockedLink(text string) bool {
	for _, link := range linkPattern.FindAllString(text, -1) {
		host := linkHost(link)
		if host == inviteHost {
			return true
		}
		if !f.allowedHost(host) {
			return true
		}
	}
	return false
}

func linkHost(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func (f *ContentFilter) allowedHost(host string) bool {
	if host == "" {
		return false
	}
	for _, allowed := range f.allowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func (f *ContentFilter) hasBlockedContent(text string) bool {
	normalized := strings.ToLower(text)
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, kw := range f.keywords {
		if strings.Contains(normalized, kw) {
			return true
		}
	}
	for _, re := range f.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
