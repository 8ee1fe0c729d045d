package update

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"sensornode-go/errcode"
	"sensornode-go/services/config"
	"sensornode-go/types"
	"sensornode-go/x/logging"
)

func TestIsNewFirmwareAvailable(t *testing.T) {
	for _, tc := range []struct {
		running, fetched types.FirmwareVersion
		want             bool
	}{
		{"1.2.0", "1.2.1", true},
		{"1.2.1", "1.2.1", false},
		{"1.2.1", "1.2.0", true}, // downgrades count
		{"1.2.1", "v1.2.1", true},
		{"1.2.1", "1.2.1 ", true},
		{"", "", false},
	} {
		if got := IsNewFirmwareAvailable(tc.running, tc.fetched); got != tc.want {
			t.Errorf("IsNewFirmwareAvailable(%q, %q) = %v", tc.running, tc.fetched, got)
		}
	}
}

func TestCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"version": "1.2.1", "blake3": "ABCD"}`)
	}))
	defer srv.Close()

	m, err := NewHTTPChecker(srv.URL, srv.Client(), time.Second, logging.Discard()).Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if m.Version != "1.2.1" || m.Blake3 != "abcd" {
		t.Fatalf("manifest = %+v", m)
	}
}

func TestCheckFaults(t *testing.T) {
	for name, handler := range map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) { http.Error(w, "down", http.StatusBadGateway) },
		"json":   func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "1.2.1") },
		"empty":  func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, `{"version": ""}`) },
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()
			_, err := NewHTTPChecker(srv.URL, srv.Client(), time.Second, logging.Discard()).Check(context.Background())
			if errcode.Of(err) != errcode.UpdateCheckFault {
				t.Fatalf("err = %v", err)
			}
		})
	}
}

func TestCheckTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewHTTPChecker(srv.URL, srv.Client(), 20*time.Millisecond, logging.Discard()).Check(context.Background())
	if !errors.Is(err, errcode.UpdateCheckFault) || !errors.Is(err, errcode.Timeout) {
		t.Fatalf("err = %v", err)
	}
}

// --- installer ---

type fakeRestarter struct {
	images []string
	err    error
}

func (r *fakeRestarter) Restart(image string) error {
	r.images = append(r.images, image)
	return r.err
}

func imageServer(t *testing.T, body []byte, encoding string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if encoding != "" {
			w.Header().Set("Content-Encoding", encoding)
		}
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func digest(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func newInstaller(t *testing.T, url string, r Restarter) (*Installer, string) {
	t.Helper()
	dir := t.TempDir()
	exe := filepath.Join(t.TempDir(), "agent")
	if err := os.WriteFile(exe, []byte("old"), 0o755); err != nil {
		t.Fatal(err)
	}
	return &Installer{
		ImageURL:   url,
		SlotDir:    filepath.Join(dir, "slots"),
		Timeout:    5 * time.Second,
		Restarter:  r,
		Executable: exe,
		Logger:     logging.Discard(),
		Now:        func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	}, exe
}

func TestApplyFirstInstall(t *testing.T) {
	image := []byte("#!/bin/sh\necho new\n")
	srv := imageServer(t, image, "")
	rs := &fakeRestarter{}
	in, exe := newInstaller(t, srv.URL+"/agent", rs)

	if err := in.Apply(context.Background(), Manifest{Version: "1.2.1", Blake3: digest(image)}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	slot := filepath.Join(in.SlotDir, "a")
	got, err := os.ReadFile(slot)
	if err != nil || string(got) != string(image) {
		t.Fatalf("slot a = %q, %v", got, err)
	}
	if activeSlot(in.SlotDir) != "a" {
		t.Fatalf("current -> %q", activeSlot(in.SlotDir))
	}
	if len(rs.images) != 1 || rs.images[0] != slot {
		t.Fatalf("restarted %v", rs.images)
	}
	tr, err := readTransition(filepath.Join(in.SlotDir, stateFile))
	if err != nil {
		t.Fatal(err)
	}
	if tr.From != "" || tr.To != "a" || tr.Version != "1.2.1" || tr.FromPath != resolve(exe) {
		t.Fatalf("transition = %+v", tr)
	}
}

func TestApplyAlternatesSlots(t *testing.T) {
	srv := imageServer(t, []byte("image-b"), "")
	in, _ := newInstaller(t, srv.URL, &fakeRestarter{})
	os.MkdirAll(in.SlotDir, 0o755)
	os.WriteFile(filepath.Join(in.SlotDir, "a"), []byte("image-a"), 0o755)
	if err := os.Symlink("a", filepath.Join(in.SlotDir, currentLink)); err != nil {
		t.Fatal(err)
	}

	if err := in.Apply(context.Background(), Manifest{Version: "2"}); err != nil {
		t.Fatal(err)
	}
	if activeSlot(in.SlotDir) != "b" {
		t.Fatalf("current -> %q", activeSlot(in.SlotDir))
	}
	if b, _ := os.ReadFile(filepath.Join(in.SlotDir, "a")); string(b) != "image-a" {
		t.Fatalf("active slot modified: %q", b)
	}
	tr, _ := readTransition(filepath.Join(in.SlotDir, stateFile))
	if tr.From != "a" || tr.FromPath != filepath.Join(in.SlotDir, "a") {
		t.Fatalf("transition = %+v", tr)
	}
}

func TestApplyZstd(t *testing.T) {
	image := []byte("compressed image payload, compressed image payload")
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	compressed := enc.EncodeAll(image, nil)
	enc.Close()

	for name, url := range map[string]string{"header": "/agent", "suffix": "/agent.zst"} {
		t.Run(name, func(t *testing.T) {
			encoding := ""
			if name == "header" {
				encoding = "zstd"
			}
			srv := imageServer(t, compressed, encoding)
			in, _ := newInstaller(t, srv.URL+url, &fakeRestarter{})
			if err := in.Apply(context.Background(), Manifest{Version: "3", Blake3: digest(image)}); err != nil {
				t.Fatalf("Apply: %v", err)
			}
			got, _ := os.ReadFile(filepath.Join(in.SlotDir, "a"))
			if string(got) != string(image) {
				t.Fatalf("slot = %q", got)
			}
		})
	}
}

func TestApplyDigestMismatchLeavesCurrent(t *testing.T) {
	srv := imageServer(t, []byte("tampered"), "")
	rs := &fakeRestarter{}
	in, _ := newInstaller(t, srv.URL, rs)

	err := in.Apply(context.Background(), Manifest{Version: "4", Blake3: digest([]byte("genuine"))})
	if errcode.Of(err) != errcode.UpdateApplyFault {
		t.Fatalf("err = %v", err)
	}
	if _, err := os.Lstat(filepath.Join(in.SlotDir, currentLink)); !os.IsNotExist(err) {
		t.Fatalf("current was created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(in.SlotDir, stateFile)); !os.IsNotExist(err) {
		t.Fatalf("state written: %v", err)
	}
	if len(rs.images) != 0 {
		t.Fatal("restarted after failed verification")
	}
}

func TestApplyDownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()
	in, _ := newInstaller(t, srv.URL, &fakeRestarter{})
	if err := in.Apply(context.Background(), Manifest{Version: "5"}); errcode.Of(err) != errcode.UpdateApplyFault {
		t.Fatalf("err = %v", err)
	}
	entries, _ := os.ReadDir(in.SlotDir)
	if len(entries) != 0 {
		t.Fatalf("slot dir not clean: %v", entries)
	}
}

func TestApplyRestartFailure(t *testing.T) {
	srv := imageServer(t, []byte("img"), "")
	in, _ := newInstaller(t, srv.URL, &fakeRestarter{err: errors.New("exec format error")})
	if err := in.Apply(context.Background(), Manifest{Version: "6"}); errcode.Of(err) != errcode.UpdateApplyFault {
		t.Fatalf("err = %v", err)
	}
	if _, err := os.Lstat(filepath.Join(in.SlotDir, currentLink)); !os.IsNotExist(err) {
		t.Fatalf("current left in place: %v", err)
	}
	if _, err := os.Stat(filepath.Join(in.SlotDir, stateFile)); !os.IsNotExist(err) {
		t.Fatalf("transition left in place: %v", err)
	}
}

func TestApplyRestartFailureRestoresSlot(t *testing.T) {
	srv := imageServer(t, []byte("image-b"), "")
	in, _ := newInstaller(t, srv.URL, &fakeRestarter{err: errors.New("exec format error")})
	os.MkdirAll(in.SlotDir, 0o755)
	os.WriteFile(filepath.Join(in.SlotDir, "a"), []byte("image-a"), 0o755)
	if err := os.Symlink("a", filepath.Join(in.SlotDir, currentLink)); err != nil {
		t.Fatal(err)
	}

	if err := in.Apply(context.Background(), Manifest{Version: "6"}); errcode.Of(err) != errcode.UpdateApplyFault {
		t.Fatalf("err = %v", err)
	}
	if got := activeSlot(in.SlotDir); got != "a" {
		t.Fatalf("current -> %q, want a", got)
	}
	if _, err := os.Stat(filepath.Join(in.SlotDir, stateFile)); !os.IsNotExist(err) {
		t.Fatalf("transition left in place: %v", err)
	}
	res, err := confirmBoot(in.SlotDir, filepath.Join(in.SlotDir, "a"), in.Now())
	if err != nil || res != BootNormal {
		t.Fatalf("next start = %v, %v", res, err)
	}
}

func TestApplyWithoutRestarterLeavesCurrent(t *testing.T) {
	srv := imageServer(t, []byte("img"), "")
	in, _ := newInstaller(t, srv.URL, nil)
	if err := in.Apply(context.Background(), Manifest{Version: "6"}); errcode.Of(err) != errcode.UpdateApplyFault {
		t.Fatalf("err = %v", err)
	}
	if _, err := os.Lstat(filepath.Join(in.SlotDir, currentLink)); !os.IsNotExist(err) {
		t.Fatalf("current switched: %v", err)
	}
}

// --- boot confirmation ---

func stage(t *testing.T, in *Installer) {
	t.Helper()
	srv := imageServer(t, []byte("new"), "")
	in.ImageURL = srv.URL
	if err := in.Apply(context.Background(), Manifest{Version: "7"}); err != nil {
		t.Fatal(err)
	}
}

func TestConfirmBootNewImage(t *testing.T) {
	in, _ := newInstaller(t, "", &fakeRestarter{})
	stage(t, in)

	now := in.Now().Add(time.Minute)
	res, err := confirmBoot(in.SlotDir, filepath.Join(in.SlotDir, currentLink), now)
	if err != nil || res != BootConfirmed {
		t.Fatalf("res = %v, %v", res, err)
	}
	if _, err := os.Stat(filepath.Join(in.SlotDir, stateFile)); !os.IsNotExist(err) {
		t.Fatal("state not cleared")
	}
	res, err = confirmBoot(in.SlotDir, filepath.Join(in.SlotDir, "a"), now)
	if err != nil || res != BootNormal {
		t.Fatalf("second boot = %v, %v", res, err)
	}
}

func TestConfirmBootRollsBack(t *testing.T) {
	in, exe := newInstaller(t, "", &fakeRestarter{})
	stage(t, in)

	res, err := confirmBoot(in.SlotDir, exe, in.Now().Add(time.Minute))
	if err != nil || res != BootRolledBack {
		t.Fatalf("res = %v, %v", res, err)
	}
	if _, err := os.Lstat(filepath.Join(in.SlotDir, currentLink)); !os.IsNotExist(err) {
		t.Fatal("current should be removed when the old image lived outside the slots")
	}
}

func TestConfirmBootRollsBackToSlot(t *testing.T) {
	in, _ := newInstaller(t, "", &fakeRestarter{})
	os.MkdirAll(in.SlotDir, 0o755)
	os.WriteFile(filepath.Join(in.SlotDir, "a"), []byte("old"), 0o755)
	os.Symlink("a", filepath.Join(in.SlotDir, currentLink))
	stage(t, in)

	res, err := confirmBoot(in.SlotDir, filepath.Join(in.SlotDir, "a"), in.Now().Add(time.Minute))
	if err != nil || res != BootRolledBack {
		t.Fatalf("res = %v, %v", res, err)
	}
	if activeSlot(in.SlotDir) != "a" {
		t.Fatalf("current -> %q", activeSlot(in.SlotDir))
	}
}

func TestConfirmBootStale(t *testing.T) {
	in, _ := newInstaller(t, "", &fakeRestarter{})
	stage(t, in)

	res, err := confirmBoot(in.SlotDir, "/usr/bin/whatever", in.Now().Add(StaleAfter+time.Second))
	if err != nil || res != BootStale {
		t.Fatalf("res = %v, %v", res, err)
	}
	if activeSlot(in.SlotDir) != "a" {
		t.Fatalf("stale state must not touch current, got %q", activeSlot(in.SlotDir))
	}
	if _, err := os.Stat(filepath.Join(in.SlotDir, stateFile)); !os.IsNotExist(err) {
		t.Fatal("stale state not discarded")
	}
}

func TestConfirmBootUnknownExecutable(t *testing.T) {
	in, _ := newInstaller(t, "", &fakeRestarter{})
	stage(t, in)

	res, err := confirmBoot(in.SlotDir, filepath.Join(t.TempDir(), "dev-build"), in.Now())
	if err != nil || res != BootUnknown {
		t.Fatalf("res = %v, %v", res, err)
	}
	if _, err := os.Stat(filepath.Join(in.SlotDir, stateFile)); err != nil {
		t.Fatal("state should be kept")
	}
}

func TestConfirmBootCorruptState(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, stateFile), []byte("{"), 0o644)
	res, err := ConfirmBoot(dir, "/bin/true")
	if err == nil || res != BootStale {
		t.Fatalf("res = %v, %v", res, err)
	}
	if _, err := os.Stat(filepath.Join(dir, stateFile)); !os.IsNotExist(err) {
		t.Fatal("corrupt state not removed")
	}
}

func TestNewRestarter(t *testing.T) {
	if _, ok := NewRestarter(config.UpdateConfig{Restart: "reboot", RebootCommand: []string{"true"}}, nil).(CommandRestarter); !ok {
		t.Fatal("reboot should map to CommandRestarter")
	}
	if _, ok := NewRestarter(config.UpdateConfig{Restart: "exec"}, nil).(ExecRestarter); !ok {
		t.Fatal("exec should map to ExecRestarter")
	}
}

func TestCommandRestarter(t *testing.T) {
	if err := (CommandRestarter{Command: []string{"true"}}).Restart("x"); err != nil {
		t.Fatal(err)
	}
	if err := (CommandRestarter{Command: []string{"false"}}).Restart("x"); err == nil {
		t.Fatal("expected failure")
	}
	if err := (CommandRestarter{}).Restart("x"); err == nil {
		t.Fatal("expected error for empty command")
	}
}
