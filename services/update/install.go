package update

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"sensornode-go/errcode"
	"sensornode-go/services/transport"
	"sensornode-go/x/logging"
)

// Installer streams an image into the inactive slot, switches current to
// it and restarts.
type Installer struct {
	ImageURL  string
	SlotDir   string
	Client    *http.Client
	Timeout   time.Duration
	Restarter Restarter
	// Executable is the running image, recorded for rollback. Defaults to
	// os.Executable.
	Executable string
	Logger     *slog.Logger
	Now        func() time.Time
}

var _ Applier = (*Installer)(nil)

func (in *Installer) logger() *slog.Logger { return logging.Component(in.Logger, "update") }

func (in *Installer) now() time.Time {
	if in.Now != nil {
		return in.Now()
	}
	return time.Now()
}

// Apply installs m. Nothing the running image depends on changes until
// the new image is complete and verified; a successful Apply ends in
// Restart and does not return.
func (in *Installer) Apply(ctx context.Context, m Manifest) error {
	log := in.logger().With("version", m.Version)

	if err := os.MkdirAll(in.SlotDir, 0o755); err != nil {
		return errcode.New(errcode.UpdateApplyFault, "slot dir", err)
	}
	from := activeSlot(in.SlotDir)
	to := otherSlot(from)
	slotPath := filepath.Join(in.SlotDir, to)

	digest, n, err := in.download(ctx, slotPath)
	if err != nil {
		return errcode.New(errcode.UpdateApplyFault, "download", err)
	}
	if m.Blake3 != "" {
		want, err := hex.DecodeString(m.Blake3)
		if err != nil || subtle.ConstantTimeCompare(want, digest) != 1 {
			os.Remove(slotPath)
			return &errcode.E{C: errcode.UpdateApplyFault, Op: "verify",
				Msg: fmt.Sprintf("blake3 mismatch: want %s got %x", m.Blake3, digest)}
		}
	}
	log.Info("image staged", "slot", to, "bytes", n, "blake3", hex.EncodeToString(digest))

	exe := in.Executable
	if exe == "" {
		if exe, err = os.Executable(); err != nil {
			return errcode.New(errcode.UpdateApplyFault, "executable", err)
		}
	}
	fromPath := resolve(exe)
	if from != "" {
		fromPath = filepath.Join(in.SlotDir, from)
	}
	if in.Restarter == nil {
		return &errcode.E{C: errcode.UpdateApplyFault, Op: "restart", Msg: "no restarter configured"}
	}
	statePath := filepath.Join(in.SlotDir, stateFile)
	err = writeTransition(statePath, transition{
		From: from, FromPath: fromPath, To: to, Version: m.Version, Started: in.now().UTC(),
	})
	if err != nil {
		return errcode.New(errcode.UpdateApplyFault, "transition state", err)
	}
	if err := atomicSymlink(to, filepath.Join(in.SlotDir, currentLink)); err != nil {
		os.Remove(statePath)
		return errcode.New(errcode.UpdateApplyFault, "switch slot", err)
	}
	log.Info("restarting into new image", "slot", to, "from", from)

	if err := in.Restarter.Restart(slotPath); err != nil {
		if rerr := in.revert(from); rerr != nil {
			log.Error("reverting slot switch failed", "from", from, "error", rerr)
			err = errors.Join(err, rerr)
		}
		return errcode.New(errcode.UpdateApplyFault, "restart", err)
	}
	return nil
}

// revert undoes the slot switch after a failed restart: current goes back
// to from (or away, when the image ran from outside the slots) and the
// transition record is dropped, so the next start runs the old image.
func (in *Installer) revert(from string) error {
	link := filepath.Join(in.SlotDir, currentLink)
	var err error
	if from != "" {
		err = atomicSymlink(from, link)
	} else {
		err = removeSynced(link)
	}
	return errors.Join(err, removeSynced(filepath.Join(in.SlotDir, stateFile)))
}

// download writes the (decompressed) image to path via a synced temp
// file and returns its BLAKE3 digest and size.
func (in *Installer) download(ctx context.Context, path string) ([]byte, int64, error) {
	if in.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, in.Timeout)
		defer cancel()
	}
	client := in.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.ImageURL, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept-Encoding", "zstd, identity")
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = &errcode.E{C: errcode.Timeout, Err: err}
		}
		return nil, 0, err
	}
	defer resp.Body.Close()
	if err := transport.CheckStatus(resp); err != nil {
		return nil, 0, err
	}

	var src io.Reader = resp.Body
	if isZstd(resp, in.ImageURL) {
		dec, err := zstd.NewReader(resp.Body, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, 0, fmt.Errorf("zstd: %w", err)
		}
		defer dec.Close()
		src = dec
	}

	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return nil, 0, err
	}
	tmp := f.Name()
	fail := func(err error) ([]byte, int64, error) {
		f.Close()
		os.Remove(tmp)
		return nil, 0, err
	}

	h := blake3.New()
	n, err := io.Copy(io.MultiWriter(f, h), src)
	if err != nil {
		return fail(err)
	}
	if n == 0 {
		return fail(errors.New("empty image"))
	}
	if err := f.Chmod(0o755); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return nil, 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, 0, err
	}
	if err := syncDir(filepath.Dir(path)); err != nil {
		return nil, 0, err
	}
	return h.Sum(nil), n, nil
}

func isZstd(resp *http.Response, url string) bool {
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "zstd") {
		return true
	}
	return strings.HasSuffix(strings.SplitN(url, "?", 2)[0], ".zst")
}
