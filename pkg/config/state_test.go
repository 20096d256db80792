package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenStateStoreFirstRunDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	store, err := OpenStateStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	st := store.Snapshot()
	if !st.CheckPassword("admin") {
		t.Error("default password must be admin")
	}
	if !looksHashed(st.PasswordHash) {
		t.Errorf("password stored in the clear: %q", st.PasswordHash)
	}
	if st.APIKeys == nil || st.UsageStats == nil {
		t.Error("collections must be initialized")
	}
	if st.FetchWindowMode != WindowModeHide || st.ProxyWindowMode != WindowModeHide {
		t.Errorf("window modes = %q/%q, want hide", st.FetchWindowMode, st.ProxyWindowMode)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("first run must persist the document: %v", err)
	}
}

func TestOpenStateStoreHashesPlaintextPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	doc := `{"password": "hunter2", "auth_token": "tok"}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	store, err := OpenStateStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	st := store.Snapshot()
	if !st.CheckPassword("hunter2") {
		t.Error("plaintext password must verify after hashing")
	}
	if st.CheckPassword("admin") {
		t.Error("wrong password accepted")
	}
	if st.AuthToken != "tok" {
		t.Errorf("auth token = %q", st.AuthToken)
	}

	// The persisted document must not retain the plaintext.
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "hunter2") {
		t.Error("plaintext password written back to disk")
	}
}

func TestOpenStateStoreExistingHashPreserved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	store, err := OpenStateStore(path)
	if err != nil {
		t.Fatal(err)
	}
	first := store.Snapshot().PasswordHash

	again, err := OpenStateStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if again.Snapshot().PasswordHash != first {
		t.Error("already hashed password must not be re-hashed on load")
	}
}

func TestOpenStateStoreCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenStateStore(path); err == nil {
		t.Fatal("corrupt document must fail loudly")
	}
}

func TestStateStoreUpdatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	store, err := OpenStateStore(path)
	if err != nil {
		t.Fatal(err)
	}
	err = store.Update(func(st *State) error {
		st.APIKeys = append(st.APIKeys, APIKeyRecord{Name: "ci", Key: "sk-lmab-x", RPM: 10})
		st.UsageStats["m"] = 3
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var onDisk map[string]json.RawMessage
	if err := json.Unmarshal(b, &onDisk); err != nil {
		t.Fatalf("persisted document not valid JSON: %v", err)
	}
	for _, key := range []string{"password", "auth_token", "cf_clearance", "api_keys", "usage_stats",
		"browser_fetch_window_mode", "browser_proxy_window_mode"} {
		if _, ok := onDisk[key]; !ok {
			t.Errorf("persisted document missing %q", key)
		}
	}
	st := store.Snapshot()
	if rec, ok := st.FindAPIKey("sk-lmab-x"); !ok || rec.Name != "ci" {
		t.Errorf("FindAPIKey = %+v, %v", rec, ok)
	}
}

func TestStateStoreSnapshotIsolation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	store, err := OpenStateStore(path)
	if err != nil {
		t.Fatal(err)
	}
	snap := store.Snapshot()
	snap.UsageStats["model"] = 99
	snap.APIKeys = append(snap.APIKeys, APIKeyRecord{Key: "sk-lmab-leak"})

	after := store.Snapshot()
	if len(after.APIKeys) != 0 || after.UsageStats["model"] != 0 {
		t.Error("mutating a snapshot must not affect the store")
	}
}

func TestStateStoreUpdateErrorRollsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	store, err := OpenStateStore(path)
	if err != nil {
		t.Fatal(err)
	}
	wantErr := os.ErrPermission
	err = store.Update(func(st *State) error {
		st.AuthToken = "should-not-stick"
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("update err = %v", err)
	}
	if store.Snapshot().AuthToken != "" {
		t.Error("failed update must not mutate state")
	}
}
