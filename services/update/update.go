// Package update checks the remote firmware version and installs new
// images into an A/B slot layout:
//
//	<slot_dir>/a, <slot_dir>/b   image slots
//	<slot_dir>/current           symlink to the active slot
//	<slot_dir>/transition.json   pending boot transition, cleared by ConfirmBoot
package update

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"sensornode-go/errcode"
	"sensornode-go/services/transport"
	"sensornode-go/types"
	"sensornode-go/x/logging"
)

// Manifest is the version endpoint's document.
type Manifest struct {
	Version types.FirmwareVersion `json:"version"`
	// Blake3 is the hex BLAKE3-256 digest of the decompressed image.
	// Optional; when set the installer refuses images that do not match.
	Blake3 string `json:"blake3,omitempty"`
}

// IsNewFirmwareAvailable reports whether fetched differs from running.
// Any difference counts, downgrades included.
func IsNewFirmwareAvailable(running, fetched types.FirmwareVersion) bool {
	return running != fetched
}

// Checker fetches the remote manifest.
type Checker interface {
	Check(ctx context.Context) (Manifest, error)
}

// Applier installs a manifest's image and restarts into it. A successful
// Apply does not return.
type Applier interface {
	Apply(ctx context.Context, m Manifest) error
}

// HTTPChecker GETs the manifest from a version URL.
type HTTPChecker struct {
	url     string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

var _ Checker = (*HTTPChecker)(nil)

func NewHTTPChecker(url string, client *http.Client, timeout time.Duration, logger *slog.Logger) *HTTPChecker {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPChecker{url: url, client: client, timeout: timeout, logger: logging.Component(logger, "update")}
}

func (c *HTTPChecker) Check(ctx context.Context) (Manifest, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return Manifest{}, errcode.New(errcode.UpdateCheckFault, "request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = &errcode.E{C: errcode.Timeout, Err: err}
		}
		return Manifest{}, errcode.New(errcode.UpdateCheckFault, "get "+c.url, err)
	}
	defer resp.Body.Close()
	if err := transport.CheckStatus(resp); err != nil {
		return Manifest{}, errcode.New(errcode.UpdateCheckFault, "get "+c.url, err)
	}

	var m Manifest
	if err := transport.DecodeResponse(resp.Body, &m); err != nil {
		return Manifest{}, errcode.New(errcode.UpdateCheckFault, "decode manifest", err)
	}
	if m.Version == "" {
		return Manifest{}, &errcode.E{C: errcode.UpdateCheckFault, Op: "decode manifest", Msg: "empty version"}
	}
	m.Blake3 = strings.ToLower(strings.TrimSpace(m.Blake3))
	c.logger.Debug("manifest fetched", "version", m.Version)
	return m, nil
}
