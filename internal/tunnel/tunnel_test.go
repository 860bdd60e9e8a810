package tunnel

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func fakeNgrok(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tunnel binary is a shell script")
	}
	path := filepath.Join(t.TempDir(), "ngrok")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	return path
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPublicURLScannedFromLogStream(t *testing.T) {
	binary := fakeNgrok(t, `
echo '{"lvl":"info","msg":"starting"}'
echo 'linha que nao e json'
echo '{"msg":"started tunnel","url":"https://sky.example.ngrok.app"}'
sleep 60
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewSupervisor(Options{Binary: binary, Port: 8080}, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	waitFor(t, 5*time.Second, "public url", func() bool {
		return s.PublicURL() == "https://sky.example.ngrok.app"
	})

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestCrashedTunnelIsRestarted(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(dir, "runs")
	binary := fakeNgrok(t, `
echo x >> `+counter+`
exit 1
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewSupervisor(Options{Binary: binary, Port: 8080}, nil)
	s.backoff = 20 * time.Millisecond

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	waitFor(t, 5*time.Second, "second run", func() bool {
		data, err := os.ReadFile(counter)
		return err == nil && len(data) >= 4
	})

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestTunnelURLParsing(t *testing.T) {
	cases := []struct {
		line string
		want string
	}{
		{`{"url":"https://a.example.com"}`, "https://a.example.com"},
		{`{"url":"http://b.example.com"}`, "http://b.example.com"},
		{`{"url":"tcp://c.example.com:443"}`, ""},
		{`{"msg":"no url here"}`, ""},
		{`not json`, ""},
		{``, ""},
	}
	for _, tc := range cases {
		if got := tunnelURL(tc.line); got != tc.want {
			t.Fatalf("tunnelURL(%q) = %q, want %q", tc.line, got, tc.want)
		}
	}
}
