package solver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		BaseURL:      srv.URL,
		APIKey:       "test-key",
		PollInterval: 5 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestSolvePollsUntilReady(t *testing.T) {
	var polls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/in.php":
			assert.Equal(t, "test-key", r.URL.Query().Get("key"))
			assert.Equal(t, "site-key", r.URL.Query().Get("sitekey"))
			assert.Equal(t, "https://example.com/p", r.URL.Query().Get("pageurl"))
			fmt.Fprint(w, `{"status":1,"request":"task-42"}`)
		case "/res.php":
			assert.Equal(t, "task-42", r.URL.Query().Get("id"))
			if polls.Add(1) < 3 {
				fmt.Fprint(w, `{"status":0,"request":"CAPCHA_NOT_READY"}`)
				return
			}
			fmt.Fprint(w, `{"status":1,"request":"token-abc"}`)
		default:
			http.NotFound(w, r)
		}
	}))

	token, err := c.Solve(context.Background(), "site-key", "https://example.com/p", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "token-abc", token)
	assert.Equal(t, int32(3), polls.Load())
}

func TestSolveSubmitRejected(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":0,"request":"ERROR_WRONG_USER_KEY"}`)
	}))

	_, err := c.Solve(context.Background(), "site-key", "https://example.com/p", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERROR_WRONG_USER_KEY")
}

func TestSolvePollError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/in.php":
			fmt.Fprint(w, `{"status":1,"request":"task-42"}`)
		default:
			fmt.Fprint(w, `{"status":0,"request":"ERROR_CAPTCHA_UNSOLVABLE"}`)
		}
	}))

	_, err := c.Solve(context.Background(), "site-key", "https://example.com/p", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERROR_CAPTCHA_UNSOLVABLE")
}

func TestSolveTimesOut(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/in.php":
			fmt.Fprint(w, `{"status":1,"request":"task-42"}`)
		default:
			fmt.Fprint(w, `{"status":0,"request":"CAPCHA_NOT_READY"}`)
		}
	}))

	_, err := c.Solve(context.Background(), "site-key", "https://example.com/p", 30*time.Millisecond)
	require.Error(t, err)
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Config{}, zap.NewNop())
	require.Error(t, err)
}
