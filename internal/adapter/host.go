// Package adapter abstracts the environment taskplane runs in: how a human
// is told about escalations and how agents exchange messages.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind names a host implementation.
type Kind string

const (
	KindTerminal Kind = "terminal"
	KindWebhook  Kind = "webhook"
	KindCI       Kind = "ci"
)

// Host is the capability every environment provides.
type Host interface {
	Name() string
	Notify(ctx context.Context, title, body string) error
}

// Env is a snapshot of environment variables.
type Env map[string]string

// EnvFromList parses "KEY=value" pairs as returned by os.Environ.
func EnvFromList(list []string) Env {
	env := make(Env, len(list))
	for _, kv := range list {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// Detect picks the host kind from the environment. An explicit
// TASKPLANE_ADAPTER_HOST wins, then CI markers, then a webhook URL.
func Detect(env Env) Kind {
	switch Kind(strings.ToLower(strings.TrimSpace(env["TASKPLANE_ADAPTER_HOST"]))) {
	case KindTerminal:
		return KindTerminal
	case KindWebhook:
		return KindWebhook
	case KindCI:
		return KindCI
	}
	if isTrue(env["CI"]) || isTrue(env["GITHUB_ACTIONS"]) || env["GITLAB_CI"] != "" || env["BUILDKITE"] != "" {
		return KindCI
	}
	if strings.TrimSpace(env["TASKPLANE_ADAPTER_WEBHOOK_URL"]) != "" {
		return KindWebhook
	}
	return KindTerminal
}

func isTrue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// Options configure New.
type Options struct {
	Kind          Kind // empty: Detect(Env)
	Env           Env
	WebhookURL    string
	WebhookSecret string
	Out           io.Writer
	Logger        *zap.Logger
}

// New builds the host for opts.
func New(opts Options) (Host, error) {
	kind := opts.Kind
	if kind == "" {
		kind = Detect(opts.Env)
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	switch kind {
	case KindTerminal:
		return NewTerminal(out), nil
	case KindCI:
		return NewCI(out, isTrue(opts.Env["GITHUB_ACTIONS"])), nil
	case KindWebhook:
		url := opts.WebhookURL
		if url == "" {
			url = opts.Env["TASKPLANE_ADAPTER_WEBHOOK_URL"]
		}
		if strings.TrimSpace(url) == "" {
			return nil, errors.New("webhook host requires a url")
		}
		return NewWebhook(url, opts.WebhookSecret, 10*time.Second, opts.Logger), nil
	default:
		return nil, fmt.Errorf("unknown host kind %q", kind)
	}
}

// Terminal writes notices to an interactive terminal.
type Terminal struct {
	mu  sync.Mutex
	out io.Writer
}

func NewTerminal(out io.Writer) *Terminal { return &Terminal{out: out} }

func (t *Terminal) Name() string { return string(KindTerminal) }

func (t *Terminal) Notify(_ context.Context, title, body string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := fmt.Fprintf(t.out, "[taskplane] %s\n  %s\n", title, body)
	return err
}

// CI writes notices as build log annotations.
type CI struct {
	mu            sync.Mutex
	out           io.Writer
	githubActions bool
}

func NewCI(out io.Writer, githubActions bool) *CI {
	return &CI{out: out, githubActions: githubActions}
}

func (c *CI) Name() string { return string(KindCI) }

func (c *CI) Notify(_ context.Context, title, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.githubActions {
		_, err = fmt.Fprintf(c.out, "::warning title=%s::%s\n", escapeAnnotation(title), escapeAnnotation(body))
	} else {
		_, err = fmt.Fprintf(c.out, "WARNING taskplane: %s: %s\n", title, body)
	}
	return err
}

// escapeAnnotation applies the workflow command escaping rules.
func escapeAnnotation(s string) string {
	return strings.NewReplacer("%", "%25", "\r", "%0D", "\n", "%0A", ":", "%3A", ",", "%2C").Replace(s)
}

// HostMessenger delivers pipeline handoffs as host notifications. Replies
// arrive through the CLI, not through the host.
type HostMessenger struct {
	Host Host
}

func (m HostMessenger) Send(ctx context.Context, to, message string) error {
	return m.Host.Notify(ctx, "message for "+to, message)
}
