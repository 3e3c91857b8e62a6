package version

import (
	"testing"
	"time"
)

func TestIsNewer(t *testing.T) {
	tests := []struct {
		candidate, current string
		want               bool
	}{
		{"v1.2.3", "v1.2.2", true},
		{"v1.3.0", "v1.2.9", true},
		{"v2.0.0", "v1.9.9", true},
		{"v1.2.3", "v1.2.3", false},
		{"v1.2.2", "v1.2.3", false},
		{"1.2.3", "v1.2.2", true}, // prefix optional
		{"v1.2.3-beta1", "v1.2.2", true},
		{"garbage", "v1.2.3", false},
		{"v1.2.3", "garbage", false},
		{"v1.2", "v1.1.0", false},
	}
	for _, tc := range tests {
		if got := IsNewer(tc.candidate, tc.current); got != tc.want {
			t.Errorf("IsNewer(%q, %q): got %v, want %v", tc.candidate, tc.current, got, tc.want)
		}
	}
}

func TestIsDevelopmentVersion(t *testing.T) {
	for _, v := range []string{"", "unknown", "dev", "devel", "devel+abc123"} {
		if !IsDevelopmentVersion(v) {
			t.Errorf("%q should be a development version", v)
		}
	}
	for _, v := range []string{"v1.0.0", "1.2.3"} {
		if IsDevelopmentVersion(v) {
			t.Errorf("%q should not be a development version", v)
		}
	}
}

func TestUpdateCommand(t *testing.T) {
	if got := UpdateCommand("v1.2.3"); got == "" {
		t.Error("valid version should produce a command")
	}
	for _, bad := range []string{"v1.2.3--", "v1.2.3-", "$(rm -rf /)", "v1.2.3; echo"} {
		if got := UpdateCommand(bad); got != "" {
			t.Errorf("UpdateCommand(%q) = %q, want empty", bad, got)
		}
	}
}

func TestCacheRoundTrip(t *testing.T) {
	t.Setenv("DRIFTSYNC_CONFIG_DIR", t.TempDir())

	if _, err := LoadCache(); err == nil {
		t.Error("empty cache should error")
	}

	entry := &CacheEntry{
		LatestVersion:  "v1.5.0",
		CurrentVersion: "v1.4.0",
		CheckedAt:      time.Now(),
		HasUpdate:      true,
	}
	if err := SaveCache(entry); err != nil {
		t.Fatalf("save cache: %v", err)
	}

	loaded, err := LoadCache()
	if err != nil {
		t.Fatalf("load cache: %v", err)
	}
	if loaded.LatestVersion != "v1.5.0" || !loaded.HasUpdate {
		t.Errorf("loaded entry: %+v", loaded)
	}
	if !IsCacheValid(loaded, "v1.4.0") {
		t.Error("fresh entry for the same version should be valid")
	}
	if IsCacheValid(loaded, "v1.5.0") {
		t.Error("entry for a different binary version should be invalid")
	}

	loaded.CheckedAt = time.Now().Add(-48 * time.Hour)
	if IsCacheValid(loaded, "v1.4.0") {
		t.Error("stale entry should be invalid")
	}
	if IsCacheValid(nil, "v1.4.0") {
		t.Error("nil entry should be invalid")
	}
}
