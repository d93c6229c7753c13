package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"elucide/internal/backend/backendtest"
	"elucide/internal/completion"
	"elucide/internal/kv"
	"elucide/internal/model"
	"elucide/internal/msgcache"
)

func writeConfig(t *testing.T, serverURL, cacheDriver, cachePath string) string {
	t.Helper()
	content := fmt.Sprintf(`
[backend]
base_url = %q
user_id = "user-1"

[provider]
default = "mock"

[provider.retry]
max_retries = 0

[cache]
driver = %q
path = %q

[log]
level = "error"
`, serverURL, cacheDriver, cachePath)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "none.env")))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommandWiresSubcommands(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	for _, name := range []string{"ask", "threads", "cache", "schema"} {
		sub, _, err := root.Find([]string{name})
		if err != nil || sub.Name() != name {
			t.Fatalf("Find(%q) = %v, %v; want the %s command", name, sub, err, name)
		}
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Fatalf("--config flag is not persistent")
	}
}

func TestSchemaCommandDescribesCacheEntry(t *testing.T) {
	t.Parallel()

	out, err := run(t, "schema")
	if err != nil {
		t.Fatalf("schema error = %v", err)
	}
	type property struct {
		Type       string              `json:"type"`
		Items      *property           `json:"items"`
		Properties map[string]property `json:"properties"`
	}
	var schema property
	if err := json.Unmarshal([]byte(out), &schema); err != nil {
		t.Fatalf("decode schema: %v\n%s", err, out)
	}
	if _, ok := schema.Properties["lastUpdated"]; !ok {
		t.Fatalf("schema missing lastUpdated: %s", out)
	}
	messages, ok := schema.Properties["messages"]
	if !ok || messages.Type != "array" || messages.Items == nil {
		t.Fatalf("messages = %+v, want an array of messages", messages)
	}
	if id := messages.Items.Properties["id"]; id.Type != "string" {
		t.Fatalf("message id type = %q, want string", id.Type)
	}

	out, err = run(t, "schema", "config")
	if err != nil {
		t.Fatalf("schema config error = %v", err)
	}
	for _, key := range []string{`"backend"`, `"base_url"`, `"max_attempts"`} {
		if !strings.Contains(out, key) {
			t.Fatalf("config schema missing %s", key)
		}
	}

	if _, err := run(t, "schema", "ledger"); err == nil {
		t.Fatalf("schema ledger error = nil, want unknown schema")
	}
}

func TestAskStreamsReplyAndPersistsTurn(t *testing.T) {
	t.Parallel()

	server := backendtest.New(t)
	cfgPath := writeConfig(t, server.URL, kv.DriverMemory, "")

	out, err := run(t, "ask", "--config", cfgPath, "what", "is", "new?")
	if err != nil {
		t.Fatalf("ask error = %v\n%s", err, out)
	}
	if !strings.Contains(out, completion.MockReply) {
		t.Fatalf("output = %q, want the streamed reply", out)
	}

	created := server.Created()
	if len(created) != 2 {
		t.Fatalf("created messages = %d, want 2", len(created))
	}
	if created[0].Role != model.RoleUser || created[0].Content != "what is new?" {
		t.Fatalf("first created = %+v, want the prompt", created[0])
	}
	if created[1].Role != model.RoleAssistant || created[1].Content != completion.MockReply {
		t.Fatalf("second created = %+v, want the reply", created[1])
	}
	th, ok := server.Thread(created[0].ThreadID)
	if !ok || th.Title == nil || *th.Title != "what is new?" {
		t.Fatalf("thread = %+v, want title synced on shutdown", th)
	}
}

func TestAskFailsWithoutBackend(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfig(t, "", kv.DriverMemory, "")
	if _, err := run(t, "ask", "--config", cfgPath, "hi"); err == nil {
		t.Fatalf("ask without backend error = nil")
	}
}

func TestThreadsCommandListsMostRecentFirst(t *testing.T) {
	t.Parallel()

	server := backendtest.New(t)
	server.SeedThread("user-1", "Older")
	server.SeedThread("user-1", "Newer")
	server.SeedThread("user-2", "Someone else")
	cfgPath := writeConfig(t, server.URL, kv.DriverMemory, "")

	out, err := run(t, "threads", "--config", cfgPath)
	if err != nil {
		t.Fatalf("threads error = %v", err)
	}
	if !strings.Contains(out, "Older") || !strings.Contains(out, "Newer") {
		t.Fatalf("output = %q, want both threads", out)
	}
	if strings.Contains(out, "Someone else") {
		t.Fatalf("output lists another user's thread: %q", out)
	}
}

func TestCacheClearKeepsUnsyncedMessages(t *testing.T) {
	t.Parallel()

	cachePath := filepath.Join(t.TempDir(), "cache.db")
	cfgPath := writeConfig(t, "http://127.0.0.1:1", kv.DriverSQLite, cachePath)

	storage, err := kv.Open(kv.DriverSQLite, cachePath)
	if err != nil {
		t.Fatalf("kv.Open() error = %v", err)
	}
	store, err := msgcache.NewStore(storage, msgcache.Options{})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	store.Cache.Put("thread-a", []model.Message{{ID: model.ConfirmedID("m1"), ThreadID: "thread-a", Role: model.RoleUser, Content: "cached"}})
	store.Ledger.Add("thread-b", model.Message{ID: model.NewOptimisticID(), ThreadID: "thread-b", Role: model.RoleUser, Content: "offline"}, false)
	if err := storage.Close(); err != nil {
		t.Fatalf("close storage: %v", err)
	}

	out, err := run(t, "cache", "list", "--config", cfgPath)
	if err != nil {
		t.Fatalf("cache list error = %v", err)
	}
	if !strings.Contains(out, "thread-a") {
		t.Fatalf("cache list = %q, want thread-a", out)
	}

	out, err = run(t, "cache", "clear", "--config", cfgPath)
	if err != nil {
		t.Fatalf("cache clear error = %v", err)
	}
	if !strings.Contains(out, "cleared 1 cached threads") {
		t.Fatalf("cache clear = %q, want one thread cleared", out)
	}

	reopened, err := kv.Open(kv.DriverSQLite, cachePath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	after, err := msgcache.NewStore(reopened, msgcache.Options{})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, hit := after.Cache.Get("thread-a"); hit {
		t.Fatalf("thread-a still cached after clear")
	}
	if got := after.Ledger.Pending("thread-b"); len(got) != 1 || got[0].Content != "offline" {
		t.Fatalf("pending after clear = %+v, want the offline message", got)
	}
}
