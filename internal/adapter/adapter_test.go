package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	cases := []struct {
		name string
		env  Env
		want Kind
	}{
		{"empty", Env{}, KindTerminal},
		{"generic ci", Env{"CI": "true"}, KindCI},
		{"github actions", Env{"GITHUB_ACTIONS": "true"}, KindCI},
		{"gitlab", Env{"GITLAB_CI": "yes"}, KindCI},
		{"ci false", Env{"CI": "false"}, KindTerminal},
		{"webhook url", Env{"TASKPLANE_ADAPTER_WEBHOOK_URL": "http://hooks"}, KindWebhook},
		{"ci beats webhook", Env{"CI": "1", "TASKPLANE_ADAPTER_WEBHOOK_URL": "http://hooks"}, KindCI},
		{"explicit wins", Env{"CI": "true", "TASKPLANE_ADAPTER_HOST": "Terminal"}, KindTerminal},
		{"unknown explicit ignored", Env{"TASKPLANE_ADAPTER_HOST": "pager"}, KindTerminal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Detect(tc.env))
		})
	}
}

func TestEnvFromList(t *testing.T) {
	env := EnvFromList([]string{"CI=true", "EMPTY=", "A=b=c", "junk"})
	require.Equal(t, Env{"CI": "true", "EMPTY": "", "A": "b=c"}, env)
}

func TestTerminalAndCINotify(t *testing.T) {
	var buf bytes.Buffer
	host, err := New(Options{Kind: KindTerminal, Out: &buf})
	require.NoError(t, err)
	require.Equal(t, "terminal", host.Name())
	require.NoError(t, host.Notify(context.Background(), "contract T-1 is erik_consultation", "cost ceiling exceeded"))
	require.Contains(t, buf.String(), "[taskplane] contract T-1 is erik_consultation")

	buf.Reset()
	host, err = New(Options{Env: Env{"GITHUB_ACTIONS": "true"}, Out: &buf})
	require.NoError(t, err)
	require.Equal(t, "ci", host.Name())
	require.NoError(t, host.Notify(context.Background(), "halted: T-2", "limit, exceeded\nagain"))
	require.Equal(t, "::warning title=halted%3A T-2::limit%2C exceeded%0Aagain\n", buf.String())
}

func TestWebhookSignsPayload(t *testing.T) {
	var (
		gotBody []byte
		gotSig  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	host, err := New(Options{Kind: KindWebhook, WebhookURL: srv.URL, WebhookSecret: "s3cret"})
	require.NoError(t, err)
	require.NoError(t, host.Notify(context.Background(), "title", "body"))

	require.Equal(t, Sign("s3cret", gotBody), gotSig)
	var payload webhookPayload
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	require.Equal(t, "title", payload.Title)
	require.Equal(t, "taskplane", payload.Source)
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	host := NewWebhook(srv.URL, "", time.Second, nil)
	err := host.Notify(context.Background(), "t", "b")
	require.ErrorContains(t, err, "502")
}

func TestWebhookRequiresURL(t *testing.T) {
	_, err := New(Options{Kind: KindWebhook})
	require.Error(t, err)
}

func TestHostMessenger(t *testing.T) {
	var buf bytes.Buffer
	m := HostMessenger{Host: NewTerminal(&buf)}

	require.NoError(t, m.Send(context.Background(), "judge", "draft ready"))
	require.Contains(t, buf.String(), "message for judge")
	require.Contains(t, buf.String(), "draft ready")
}
