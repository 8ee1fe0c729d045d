package update

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"sensornode-go/types"
)

const (
	slotA       = "a"
	slotB       = "b"
	currentLink = "current"
	stateFile   = "transition.json"

	// StaleAfter bounds how long a pending transition is honoured.
	StaleAfter = 24 * time.Hour
)

// transition is written just before current is repointed.
type transition struct {
	From     string                `json:"from"`      // previous slot, "" if the old image lived outside the slot dir
	FromPath string                `json:"from_path"` // previous image path
	To       string                `json:"to"`
	Version  types.FirmwareVersion `json:"version"`
	Started  time.Time             `json:"started"`
}

// BootResult is what ConfirmBoot found.
type BootResult uint8

const (
	BootNormal     BootResult = iota // no pending transition
	BootConfirmed                    // running the new image; transition cleared
	BootRolledBack                   // running the old image; current restored
	BootStale                        // transition older than StaleAfter; discarded
	BootUnknown                      // running neither image; transition left alone
)

func (r BootResult) String() string {
	switch r {
	case BootNormal:
		return "normal"
	case BootConfirmed:
		return "confirmed"
	case BootRolledBack:
		return "rolled_back"
	case BootStale:
		return "stale"
	case BootUnknown:
		return "unknown"
	}
	return "invalid"
}

// ConfirmBoot settles a pending transition. Call it once at process start
// with the path of the running executable.
func ConfirmBoot(slotDir, executable string) (BootResult, error) {
	return confirmBoot(slotDir, executable, time.Now())
}

func confirmBoot(slotDir, executable string, now time.Time) (BootResult, error) {
	statePath := filepath.Join(slotDir, stateFile)
	tr, err := readTransition(statePath)
	if errors.Is(err, fs.ErrNotExist) {
		return BootNormal, nil
	}
	if err != nil {
		// An unreadable state file cannot be acted on; drop it.
		os.Remove(statePath)
		return BootStale, fmt.Errorf("update: transition state: %w", err)
	}
	if now.Sub(tr.Started) > StaleAfter {
		return BootStale, removeSynced(statePath)
	}

	exe := resolve(executable)
	switch exe {
	case resolve(filepath.Join(slotDir, tr.To)):
		return BootConfirmed, removeSynced(statePath)
	case resolve(tr.FromPath):
		link := filepath.Join(slotDir, currentLink)
		if tr.From != "" {
			err = atomicSymlink(tr.From, link)
		} else {
			err = os.Remove(link)
			if errors.Is(err, fs.ErrNotExist) {
				err = nil
			}
		}
		if err != nil {
			return BootRolledBack, fmt.Errorf("update: rollback: %w", err)
		}
		return BootRolledBack, removeSynced(statePath)
	}
	return BootUnknown, nil
}

func readTransition(path string) (transition, error) {
	var tr transition
	b, err := os.ReadFile(path)
	if err != nil {
		return tr, err
	}
	if err := json.Unmarshal(b, &tr); err != nil {
		return tr, err
	}
	if tr.To != slotA && tr.To != slotB {
		return tr, fmt.Errorf("invalid target slot %q", tr.To)
	}
	return tr, nil
}

func writeTransition(path string, tr transition) error {
	b, err := json.MarshalIndent(tr, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteFile(path, append(b, '\n'), 0o644)
}

// activeSlot returns the slot current points at, or "" when there is no
// usable link.
func activeSlot(slotDir string) string {
	target, err := os.Readlink(filepath.Join(slotDir, currentLink))
	if err != nil {
		return ""
	}
	switch s := filepath.Base(target); s {
	case slotA, slotB:
		return s
	}
	return ""
}

func otherSlot(s string) string {
	if s == slotA {
		return slotB
	}
	return slotA
}

func resolve(path string) string {
	if path == "" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

// atomicWriteFile writes data to a temp file in the same directory,
// fsyncs it, renames it over path and fsyncs the directory.
func atomicWriteFile(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	cleanup := func(err error) error {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if _, err := f.Write(data); err != nil {
		return cleanup(err)
	}
	if err := f.Chmod(perm); err != nil {
		return cleanup(err)
	}
	if err := f.Sync(); err != nil {
		return cleanup(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return syncDir(dir)
}

// atomicSymlink creates or replaces link so it points at target.
func atomicSymlink(target, link string) error {
	tmp := link + ".new"
	os.Remove(tmp) // leftover from an interrupted switch
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("create symlink %s -> %s: %w", tmp, target, err)
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s -> %s: %w", tmp, link, err)
	}
	return syncDir(filepath.Dir(link))
}

func removeSynced(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
