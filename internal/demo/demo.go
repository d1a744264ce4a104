// Package demo holds example suites that exercise testfleet end to end
// against an in-memory web application.
package demo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/harrison/testfleet/internal/fixtures"
	"github.com/harrison/testfleet/internal/loader"
	"github.com/harrison/testfleet/internal/models"
)

// Matrix is the parameter matrix the demo suites are meant to run with.
var Matrix = map[string][]any{
	"browserName": {"chromium", "firefox", "webkit"},
}

// Client talks to the demo application on behalf of one test.
type Client struct {
	BaseURL string
	Browser string
	http    *http.Client
}

// Get fetches path and returns the status code and body.
func (c *Client) Get(ctx context.Context, path string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("User-Agent", c.Browser)
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body), err
}

func newApp() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("password") != "hunter2" {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "s1"})
		fmt.Fprint(w, "welcome")
	})
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		fmt.Fprintf(w, "results for %s: lamp, lamp shade", q)
	})
	return mux
}

// App provides the application server per worker and a client per test.
var App = fixtures.NewSet("app").
	Parameter("browserName", "browser the client identifies as", "chromium").
	Worker("server", nil, func(ctx context.Context, deps models.Values, use func(any)) error {
		srv := httptest.NewServer(newApp())
		defer srv.Close()
		use(srv)
		return nil
	}).
	Test("client", []string{"server", "browserName"}, func(ctx context.Context, deps models.Values, use func(any)) error {
		srv := deps.Get("server").(*httptest.Server)
		use(&Client{BaseURL: srv.URL, Browser: deps.String("browserName"), http: srv.Client()})
		return nil
	})

func client(fx models.Values) *Client {
	return fx.Get("client").(*Client)
}

// Registry registers every demo file.
func Registry() *loader.Registry {
	r := loader.NewRegistry()
	r.MustFile("login.go", login)
	r.MustFile("search.go", search)
	r.MustFile("checkout.go", checkout)
	return r
}

func login(b *loader.Builder) {
	b.Use(App)
	b.Describe("login", func() {
		b.BeforeEach(func(ctx context.Context, fx models.Values, t *models.TestInfo) error {
			t.Logf("opening login page in %s", client(fx).Browser)
			return nil
		}, "client")

		b.It("accepts a valid password", func(ctx context.Context, fx models.Values, t *models.TestInfo) error {
			code, body, err := client(fx).Get(ctx, "/login?password=hunter2")
			if err != nil {
				return err
			}
			if code != http.StatusOK || body != "welcome" {
				return fmt.Errorf("expected welcome, got %d %q", code, body)
			}
			return nil
		}, loader.Uses("client"))

		b.It("rejects a bad password", func(ctx context.Context, fx models.Values, t *models.TestInfo) error {
			code, _, err := client(fx).Get(ctx, "/login?password=letmein")
			if err != nil {
				return err
			}
			if code != http.StatusUnauthorized {
				return fmt.Errorf("expected 401, got %d", code)
			}
			return nil
		}, loader.Uses("client"))

		b.It("keeps the session across tabs", func(ctx context.Context, fx models.Values, t *models.TestInfo) error {
			if client(fx).Browser == "webkit" {
				return fmt.Errorf("session cookie was not shared")
			}
			return nil
		}, loader.Uses("client"), loader.Modify(func(m *models.TestModifiers, params models.Values) {
			m.Fail(params.String("browserName") == "webkit", "webkit partitions cookies per tab")
		}))
	})
}

func search(b *loader.Builder) {
	b.Use(App)
	b.Describe("search", func() {
		b.It("finds products", func(ctx context.Context, fx models.Values, t *models.TestInfo) error {
			_, body, err := client(fx).Get(ctx, "/search?q=lamp")
			if err != nil {
				return err
			}
			if !strings.Contains(body, "lamp shade") {
				return fmt.Errorf("missing result in %q", body)
			}
			t.SetData("results", 2)
			return nil
		}, loader.Uses("client"))

		b.It("paginates", func(ctx context.Context, fx models.Values, t *models.TestInfo) error {
			return nil
		}, loader.Uses("browserName"), loader.Modify(func(m *models.TestModifiers, params models.Values) {
			m.Fixme(params.String("browserName") == "firefox", "pager is hidden on firefox")
		}))

		b.It("handles a slow index", func(ctx context.Context, fx models.Values, t *models.TestInfo) error {
			t.Slow("index warm-up")
			select {
			case <-time.After(20 * time.Millisecond):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	})
}

func checkout(b *loader.Builder) {
	b.Use(App)
	b.Describe("checkout", func() {
		b.It("recovers from a cold cache", func(ctx context.Context, fx models.Values, t *models.TestInfo) error {
			if t.RetryNumber == 0 {
				return fmt.Errorf("cart service still warming up")
			}
			return nil
		})

		b.It("applies coupons", func(ctx context.Context, fx models.Values, t *models.TestInfo) error {
			return t.Skip("coupon service not deployed")
		})
	})
}
