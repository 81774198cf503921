package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/neshat73/proxycache/internal/hashing"
)

// sseChat writes n SSE chunks with a per-chunk delay, flushing each.
func sseChat(n int, delay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for i := 0; i < n; i++ {
			fmt.Fprintf(w, "data: {\"chunk\":%d}\n\n", i)
			if flusher != nil {
				flusher.Flush()
			}
			if delay > 0 {
				time.Sleep(delay)
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStream_ForwardsBytesAndPersists(t *testing.T) {
	env := newTestEnv(t, 1, sseChat(3, 0), nil)

	prompt := bigPrompt(1000, "w")
	resp := postChat(t, env, chatBody(prompt, true))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type: got %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control: got %q", cc)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	for i := 0; i < 3; i++ {
		if !strings.Contains(string(body), fmt.Sprintf(`{"chunk":%d}`, i)) {
			t.Errorf("missing chunk %d in %q", i, body)
		}
	}

	key := hashing.PrefixKey(testModelID, prompt)
	waitFor(t, "save", func() bool { return env.backend.count("save:"+key) == 1 })
	waitFor(t, "meta", func() bool {
		_, err := os.Stat(env.meta.Path(key))
		return err == nil
	})
	env.requireSlotFree(t)
}

func TestStream_SmallRequest_NoPersistence(t *testing.T) {
	env := newTestEnv(t, 1, sseChat(2, 0), nil)

	resp := postChat(t, env, chatBody("hello world", true))
	defer resp.Body.Close()

	if _, err := io.ReadAll(resp.Body); err != nil {
		t.Fatalf("reading stream: %v", err)
	}

	env.requireSlotFree(t)
	if got := env.backend.count("save:"); got != 0 {
		t.Errorf("small streaming request must not save, got %d saves", got)
	}
	if files := metaFiles(t, env.cfg.MetaDir); len(files) != 0 {
		t.Errorf("small streaming request must not write meta, got %v", files)
	}
}

// S5: the client disconnects mid-stream; the pump still drains the upstream,
// saves, writes meta, and releases the slot.
func TestStream_ClientDisconnect(t *testing.T) {
	env := newTestEnv(t, 1, sseChat(20, 20*time.Millisecond), nil)

	prompt := bigPrompt(1000, "w")
	body := chatBody(prompt, true)

	ctx, cancel := context.WithCancel(context.Background())
	data := mustJSON(t, body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, env.proxy.URL+"/v1/chat/completions", strings.NewReader(data))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	// Read a few lines, then hang up.
	reader := bufio.NewReader(resp.Body)
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("reading first chunk: %v", err)
	}
	cancel()
	resp.Body.Close()

	key := hashing.PrefixKey(testModelID, prompt)
	waitFor(t, "save after disconnect", func() bool { return env.backend.count("save:"+key) == 1 })
	waitFor(t, "meta after disconnect", func() bool {
		_, err := os.Stat(env.meta.Path(key))
		return err == nil
	})
	env.requireSlotFree(t)
}

// A non-2xx upstream status at stream start is mirrored, and the slot is
// released without any persistence.
func TestStream_UpstreamErrorMirrored(t *testing.T) {
	env := newTestEnv(t, 1, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("backend loading model"))
	}, nil)

	resp := postChat(t, env, chatBody(bigPrompt(1000, "w"), true))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "backend loading model") {
		t.Errorf("body: got %q", body)
	}

	env.requireSlotFree(t)
	if got := env.backend.count("save:"); got != 0 {
		t.Errorf("no save expected after stream-start failure, got %d", got)
	}
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}
