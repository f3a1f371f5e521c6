package web

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-github/v57/github"
	"github.com/xanzy/go-gitlab"

	"github.com/hugo-lorenzo-mato/squads/internal/core"
	"github.com/hugo-lorenzo-mato/squads/internal/events"
)

const (
	providerGitHub = "github"
	providerGitLab = "gitlab"
	providerChat   = "chat"
)

type webhookResult struct {
	Status string   `json:"status"`
	Events []string `json:"events,omitempty"`
}

// dispatchWebhook publishes the translated events, or reports the delivery
// as ignored when nothing applies.
func (s *Server) dispatchWebhook(w http.ResponseWriter, r *http.Request, evts []events.Event) {
	if len(evts) == 0 {
		respondJSON(w, http.StatusOK, webhookResult{Status: "ignored"})
		return
	}
	if s.svc.Bus == nil {
		respondError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	res := webhookResult{Status: "accepted"}
	for _, e := range evts {
		s.svc.Bus.Publish(r.Context(), e)
		res.Events = append(res.Events, e.EventType())
	}
	respondJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	payload, err := github.ValidatePayload(r, []byte(s.config.Webhooks.GitHubSecret))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		s.logger.Warn("rejected github webhook", "error", err)
		respondError(w, http.StatusUnauthorized, "invalid webhook signature")
		return
	}
	hook, err := github.ParseWebHook(github.WebHookType(r), payload)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unsupported github event: %v", err))
		return
	}
	s.dispatchWebhook(w, r, fromGitHub(chi.URLParam(r, "project"), hook))
}

func fromGitHub(projectID string, hook interface{}) []events.Event {
	switch e := hook.(type) {
	case *github.PullRequestEvent:
		pr := e.GetPullRequest()
		ev := events.PullRequestEvent{
			Number:       pr.GetNumber(),
			Title:        pr.GetTitle(),
			URL:          pr.GetHTMLURL(),
			SourceBranch: pr.GetHead().GetRef(),
			TargetBranch: pr.GetBase().GetRef(),
			Author:       pr.GetUser().GetLogin(),
		}
		switch {
		case e.GetAction() == "opened" || e.GetAction() == "reopened":
			return []events.Event{events.NewPROpenedEvent(projectID, providerGitHub, ev)}
		case e.GetAction() == "closed" && pr.GetMerged():
			return []events.Event{events.NewPRMergedEvent(projectID, providerGitHub, ev)}
		}
	case *github.IssueCommentEvent:
		if e.GetAction() != "created" || !e.GetIssue().IsPullRequest() {
			return nil
		}
		return []events.Event{events.NewPRCommentEvent(projectID, providerGitHub, events.PRCommentEvent{
			Number: e.GetIssue().GetNumber(),
			URL:    e.GetIssue().GetHTMLURL(),
			Author: e.GetComment().GetUser().GetLogin(),
			Body:   e.GetComment().GetBody(),
		})}
	case *github.PullRequestReviewCommentEvent:
		if e.GetAction() != "created" {
			return nil
		}
		pr := e.GetPullRequest()
		return []events.Event{events.NewPRCommentEvent(projectID, providerGitHub, events.PRCommentEvent{
			Number: pr.GetNumber(),
			URL:    pr.GetHTMLURL(),
			Branch: pr.GetHead().GetRef(),
			Author: e.GetComment().GetUser().GetLogin(),
			Body:   e.GetComment().GetBody(),
		})}
	}
	return nil
}

func (s *Server) handleGitLabWebhook(w http.ResponseWriter, r *http.Request) {
	if want := s.config.Webhooks.GitLabToken; want != "" {
		got := r.Header.Get("X-Gitlab-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			s.logger.Warn("rejected gitlab webhook", "reason", "token mismatch")
			respondError(w, http.StatusUnauthorized, "invalid webhook token")
			return
		}
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, statusFor(err), "reading payload")
		return
	}
	hook, err := gitlab.ParseWebhook(gitlab.HookEventType(r), payload)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unsupported gitlab event: %v", err))
		return
	}
	s.dispatchWebhook(w, r, fromGitLab(chi.URLParam(r, "project"), hook))
}

func fromGitLab(projectID string, hook interface{}) []events.Event {
	switch e := hook.(type) {
	case *gitlab.MergeEvent:
		attrs := e.ObjectAttributes
		ev := events.PullRequestEvent{
			Number:       attrs.IID,
			Title:        attrs.Title,
			URL:          attrs.URL,
			SourceBranch: attrs.SourceBranch,
			TargetBranch: attrs.TargetBranch,
		}
		if e.User != nil {
			ev.Author = e.User.Username
		}
		switch attrs.Action {
		case "open", "reopen":
			return []events.Event{events.NewPROpenedEvent(projectID, providerGitLab, ev)}
		case "merge":
			return []events.Event{events.NewPRMergedEvent(projectID, providerGitLab, ev)}
		}
	case *gitlab.MergeCommentEvent:
		c := events.PRCommentEvent{
			Number: e.MergeRequest.IID,
			URL:    e.ObjectAttributes.URL,
			Branch: e.MergeRequest.SourceBranch,
			Body:   e.ObjectAttributes.Note,
		}
		if e.User != nil {
			c.Author = e.User.Username
		}
		return []events.Event{events.NewPRCommentEvent(projectID, providerGitLab, c)}
	}
	return nil
}

type chatMessage struct {
	Provider       string                 `json:"provider,omitempty"`
	Channel        string                 `json:"channel,omitempty"`
	ThreadID       string                 `json:"thread_id,omitempty"`
	Author         string                 `json:"author,omitempty"`
	Text           string                 `json:"text"`
	TargetWorkerID string                 `json:"target_worker_id,omitempty"`
	TicketID       string                 `json:"ticket_id,omitempty"`
	Thread         []events.ThreadMessage `json:"thread,omitempty"`
}

func (s *Server) handleChatWebhook(w http.ResponseWriter, r *http.Request) {
	var msg chatMessage
	if err := decodeJSON(w, r, &msg); err != nil {
		respondDomainError(w, err)
		return
	}
	if msg.Text == "" {
		respondDomainError(w, core.ErrValidation(core.CodeMissingField, "text is required"))
		return
	}
	provider := msg.Provider
	if provider == "" {
		provider = providerChat
	}
	ev := events.NewMessageReceivedEvent(chi.URLParam(r, "project"), provider, events.MessageReceivedEvent{
		Channel:        msg.Channel,
		ThreadID:       msg.ThreadID,
		Author:         msg.Author,
		Text:           msg.Text,
		TargetWorkerID: msg.TargetWorkerID,
		TicketID:       msg.TicketID,
		Thread:         msg.Thread,
	})
	s.dispatchWebhook(w, r, []events.Event{ev})
}
