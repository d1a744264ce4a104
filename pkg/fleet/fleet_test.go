package fleet_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/harrison/testfleet/pkg/fleet"
)

func registry(fail bool) *fleet.Registry {
	r := fleet.NewRegistry()
	db := fleet.NewSet("db").
		Worker("db", nil, func(ctx context.Context, deps fleet.Values, use func(any)) error {
			use(map[string]string{"user": "ada"})
			return nil
		})
	r.MustFile("users.go", func(b *fleet.Builder) {
		b.Use(db)
		b.It("finds a user", func(ctx context.Context, fx fleet.Values, t *fleet.TestInfo) error {
			if fx.Get("db").(map[string]string)["user"] != "ada" {
				return errors.New("user not found")
			}
			if fail {
				return errors.New("boom")
			}
			return nil
		}, fleet.Uses("db"))
	})
	return r
}

func TestExecute(t *testing.T) {
	tests := []struct {
		name     string
		fail     bool
		args     []string
		wantCode int
		wantOut  string
	}{
		{"passing run", false, []string{"run", "--workers", "inprocess"}, 0, "Status: passed"},
		{"failing run", true, []string{"run", "--workers", "inprocess"}, 1, "boom"},
		{"list", false, []string{"list"}, 0, "Total: 1 tests in 1 files"},
		{"bad flag", false, []string{"run", "--retries", "x"}, 1, "Error:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TESTFLEET_HOME", t.TempDir())
			var stdout, stderr bytes.Buffer
			code := fleet.Execute(registry(tt.fail), tt.args, &stdout, &stderr)

			assert.Equal(t, tt.wantCode, code)
			out := stdout.String() + stderr.String()
			assert.True(t, strings.Contains(out, tt.wantOut), "missing %q in:\n%s", tt.wantOut, out)
		})
	}
}
