package events

import (
	"strings"
	"time"
)

// Provider event suffixes. The full type is "<provider>.<suffix>", for
// example "github.pr.opened".
const (
	SuffixPROpened        = "pr.opened"
	SuffixPRMerged        = "pr.merged"
	SuffixPRComment       = "pr.comment"
	SuffixMessageReceived = "message.received"
)

// Subscription patterns matching any provider.
const (
	PatternPROpened        = "*." + SuffixPROpened
	PatternPRMerged        = "*." + SuffixPRMerged
	PatternPRComment       = "*." + SuffixPRComment
	PatternMessageReceived = "*." + SuffixMessageReceived
)

// ProviderType builds the event type for a provider.
func ProviderType(provider, suffix string) string {
	return strings.ToLower(provider) + "." + suffix
}

// PullRequestEvent reports a change request opened or merged on a
// source-control provider.
type PullRequestEvent struct {
	BaseEvent
	Provider     string `json:"provider"`
	Number       int    `json:"number"`
	Title        string `json:"title,omitempty"`
	URL          string `json:"url,omitempty"`
	SourceBranch string `json:"source_branch,omitempty"`
	TargetBranch string `json:"target_branch,omitempty"`
	Author       string `json:"author,omitempty"`
}

// NewPROpenedEvent creates a <provider>.pr.opened event.
func NewPROpenedEvent(projectID, provider string, pr PullRequestEvent) PullRequestEvent {
	pr.BaseEvent = NewBaseEvent(ProviderType(provider, SuffixPROpened), projectID)
	pr.Provider = provider
	return pr
}

// NewPRMergedEvent creates a <provider>.pr.merged event.
func NewPRMergedEvent(projectID, provider string, pr PullRequestEvent) PullRequestEvent {
	pr.BaseEvent = NewBaseEvent(ProviderType(provider, SuffixPRMerged), projectID)
	pr.Provider = provider
	return pr
}

// PRCommentEvent reports a review comment on a change request.
type PRCommentEvent struct {
	BaseEvent
	Provider string `json:"provider"`
	Number   int    `json:"number"`
	URL      string `json:"url,omitempty"`
	Branch   string `json:"branch,omitempty"`
	Author   string `json:"author,omitempty"`
	Body     string `json:"body"`
}

// NewPRCommentEvent creates a <provider>.pr.comment event.
func NewPRCommentEvent(projectID, provider string, c PRCommentEvent) PRCommentEvent {
	c.BaseEvent = NewBaseEvent(ProviderType(provider, SuffixPRComment), projectID)
	c.Provider = provider
	return c
}

// ThreadMessage is one prior message of a chat thread.
type ThreadMessage struct {
	Author string    `json:"author"`
	Text   string    `json:"text"`
	Time   time.Time `json:"time,omitempty"`
}

// MessageReceivedEvent reports an inbound chat message. TargetWorkerID and
// TicketID narrow who should receive it.
type MessageReceivedEvent struct {
	BaseEvent
	Provider       string          `json:"provider"`
	Channel        string          `json:"channel,omitempty"`
	ThreadID       string          `json:"thread_id,omitempty"`
	Author         string          `json:"author,omitempty"`
	Text           string          `json:"text"`
	TargetWorkerID string          `json:"target_worker_id,omitempty"`
	TicketID       string          `json:"ticket_id,omitempty"`
	Thread         []ThreadMessage `json:"thread,omitempty"`
}

// NewMessageReceivedEvent creates a <provider>.message.received event.
func NewMessageReceivedEvent(projectID, provider string, m MessageReceivedEvent) MessageReceivedEvent {
	m.BaseEvent = NewBaseEvent(ProviderType(provider, SuffixMessageReceived), projectID)
	m.Provider = provider
	return m
}
