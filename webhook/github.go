package webhook

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"npmmirror/internal"

	"github.com/charmbracelet/log"
	"github.com/go-playground/webhooks/v6/github"
)

type GitHubHandler struct {
	hook *github.Webhook
	dispatcher
}

var githubEvents = []github.Event{
	github.PingEvent,
	github.PushEvent,
}

func NewGitHubHandler(secret string, rules *internal.RuleEngine, trigger Trigger, logger *log.Logger) (*GitHubHandler, error) {
	options := make([]github.Option, 0, 1)
	if secret != "" {
		options = append(options, github.Options.Secret(secret))
	}
	hook, err := github.New(options...)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = internal.NewLogger("webhook/github")
	}
	return &GitHubHandler{
		hook:       hook,
		dispatcher: dispatcher{provider: "github", rules: rules, trigger: trigger, logger: logger},
	}, nil
}

func (h *GitHubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	internal.IncRequest("github")
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(rawBody))

	payload, err := h.hook.Parse(r, githubEvents...)
	if err != nil {
		switch {
		case errors.Is(err, github.ErrEventNotFound):
			w.WriteHeader(http.StatusOK)
		case errors.Is(err, github.ErrHMACVerificationFailed), errors.Is(err, github.ErrMissingHubSignatureHeader):
			h.logger.Warn("github signature rejected", "err", err)
			w.WriteHeader(http.StatusUnauthorized)
		default:
			internal.IncParseError("github")
			h.logger.Warn("github parse failed", "err", err)
			w.WriteHeader(http.StatusBadRequest)
		}
		return
	}

	switch payload.(type) {
	case github.PingPayload:
		w.WriteHeader(http.StatusOK)
	case github.PushPayload:
		h.dispatch(w, r, r.Header.Get("X-GitHub-Event"), rawBody)
	default:
		w.WriteHeader(http.StatusOK)
	}
}
