package twilio

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeGetter struct {
	val   string
	err   error
	calls int
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	f.calls++
	return f.val, f.err
}

const testCreds = `{"account_sid":"AC123","auth_token":"secret","from":"+15550000"}`

func newTestClient(t *testing.T, srv *httptest.Server, g Getter) *Client {
	t.Helper()
	c, err := NewClient(g, "/persona-agent",
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	)
	require.NoError(t, err)
	return c
}

func TestMessagesURL(t *testing.T) {
	require.Equal(t, "https://api.twilio.com/2010-04-01/Accounts/AC1/Messages.json", messagesURL("", "AC1"))
	require.Equal(t, "http://localhost:9/2010-04-01/Accounts/AC1/Messages.json", messagesURL("http://localhost:9/", "AC1"))
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, "/persona-agent")
	require.ErrorContains(t, err, "nil")

	_, err = NewClient(&fakeGetter{}, " / ")
	require.ErrorContains(t, err, "prefix")
}

func TestSend_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "AC123", user)
		require.Equal(t, "secret", pass)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "+15551234", r.PostForm.Get("To"))
		require.Equal(t, "+15550000", r.PostForm.Get("From"))
		require.Equal(t, "hey darlin'", r.PostForm.Get("Body"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM1","status":"queued"}`))
	}))
	defer srv.Close()

	g := &fakeGetter{val: testCreds}
	c := newTestClient(t, srv, g)
	require.NoError(t, c.Send(context.Background(), "+15551234", "hey darlin'"))
	require.NoError(t, c.Send(context.Background(), "+15551234", "hey darlin'"))
	require.Equal(t, 1, g.calls, "credentials are cached after the first send")
}

func TestSend_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"invalid To"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &fakeGetter{val: testCreds})
	err := c.Send(context.Background(), "nope", "hi")
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.HTTPStatusCode())
	require.Contains(t, err.Error(), "21211")
}

func TestSend_UnreadableBodyIsNotAFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`not-json`))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	c := newTestClient(t, srv, &fakeGetter{val: testCreds})
	c.logger = slog.New(slog.NewTextHandler(&buf, nil))
	require.NoError(t, c.Send(context.Background(), "+1", "hi"))
	require.Contains(t, buf.String(), "decode message response")
}

func TestSend_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &fakeGetter{val: testCreds})
	c.httpClient = &http.Client{Timeout: 50 * time.Millisecond}
	err := c.Send(context.Background(), "+1", "hi")
	require.ErrorContains(t, err, "request failed")
}

func TestSend_CredentialErrors(t *testing.T) {
	cases := map[string]*fakeGetter{
		"getter error":     {err: errors.New("ssm unavailable")},
		"malformed json":   {val: `{"account_sid"`},
		"missing auth":     {val: `{"account_sid":"AC1","from":"+1"}`},
		"missing from num": {val: `{"account_sid":"AC1","auth_token":"x"}`},
	}
	for name, g := range cases {
		t.Run(name, func(t *testing.T) {
			c, err := NewClient(g, "/persona-agent")
			require.NoError(t, err)
			require.Error(t, c.Send(context.Background(), "+1", "hi"))
		})
	}
}

func TestSend_RejectsEmptyInput(t *testing.T) {
	c, err := NewClient(&fakeGetter{val: testCreds}, "/persona-agent")
	require.NoError(t, err)
	require.ErrorContains(t, c.Send(context.Background(), " ", "hi"), "recipient")
	require.ErrorContains(t, c.Send(context.Background(), "+1", "  "), "body")
}

func TestLogSender(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSender(slog.New(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, s.Send(context.Background(), "+1", "see ya"))
	require.Contains(t, buf.String(), "see ya")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.Send(ctx, "+1", "x"), context.Canceled)
}
