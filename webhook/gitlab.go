package webhook

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"npmmirror/internal"

	"github.com/charmbracelet/log"
	"github.com/go-playground/webhooks/v6/gitlab"
)

// GitLabHandler triggers syncs from GitLab push hooks.
type GitLabHandler struct {
	hook *gitlab.Webhook
	dispatcher
}

var gitlabEvents = []gitlab.Event{
	gitlab.PushEvents,
}

func NewGitLabHandler(secret string, rules *internal.RuleEngine, trigger Trigger, logger *log.Logger) (*GitLabHandler, error) {
	options := make([]gitlab.Option, 0, 1)
	if secret != "" {
		options = append(options, gitlab.Options.Secret(secret))
	}
	hook, err := gitlab.New(options...)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = internal.NewLogger("webhook/gitlab")
	}
	return &GitLabHandler{
		hook:       hook,
		dispatcher: dispatcher{provider: "gitlab", rules: rules, trigger: trigger, logger: logger},
	}, nil
}

func (h *GitLabHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	internal.IncRequest("gitlab")
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(rawBody))

	payload, err := h.hook.Parse(r, gitlabEvents...)
	if err != nil {
		switch {
		case errors.Is(err, gitlab.ErrEventNotFound):
			w.WriteHeader(http.StatusOK)
		case errors.Is(err, gitlab.ErrGitLabTokenVerificationFailed):
			h.logger.Warn("gitlab token rejected")
			w.WriteHeader(http.StatusUnauthorized)
		default:
			internal.IncParseError("gitlab")
			h.logger.Warn("gitlab parse failed", "err", err)
			w.WriteHeader(http.StatusBadRequest)
		}
		return
	}

	if _, ok := payload.(gitlab.PushEventPayload); !ok {
		w.WriteHeader(http.StatusOK)
		return
	}
	h.dispatch(w, r, r.Header.Get("X-Gitlab-Event"), rawBody)
}
