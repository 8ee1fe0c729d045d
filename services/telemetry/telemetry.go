// Package telemetry serializes a reading and sends it to the collector.
package telemetry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"sensornode-go/errcode"
	"sensornode-go/services/transport"
	"sensornode-go/types"
	"sensornode-go/x/logging"
)

// ContentType of every telemetry body.
const ContentType = "application/json"

// Publisher sends one reading. Exactly one attempt is made per call.
type Publisher interface {
	Publish(ctx context.Context, r types.SensorReading) error
}

// FormatBody renders r in the collector's wire form:
//
//	{"temperature": 21.50, "humidity": 44.00, "pressure": 1009.30, "gas_resistance": 12345}
//
// Floats carry exactly two decimals. Non-finite values are rejected since
// they have no JSON form.
func FormatBody(r types.SensorReading) ([]byte, error) {
	for _, f := range [...]struct {
		name string
		v    float64
	}{{"temperature", r.Temperature}, {"humidity", r.Humidity}, {"pressure", r.Pressure}} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return nil, fmt.Errorf("telemetry: %s is not finite", f.name)
		}
	}
	b := make([]byte, 0, 96)
	b = append(b, `{"temperature": `...)
	b = strconv.AppendFloat(b, r.Temperature, 'f', 2, 64)
	b = append(b, `, "humidity": `...)
	b = strconv.AppendFloat(b, r.Humidity, 'f', 2, 64)
	b = append(b, `, "pressure": `...)
	b = strconv.AppendFloat(b, r.Pressure, 'f', 2, 64)
	b = append(b, `, "gas_resistance": `...)
	b = strconv.AppendUint(b, uint64(r.GasResistance), 10)
	b = append(b, '}')
	return b, nil
}

// HTTP posts readings to a collector URL.
type HTTP struct {
	url     string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

var _ Publisher = (*HTTP)(nil)

// NewHTTP returns a publisher that bounds each attempt by timeout.
func NewHTTP(url string, client *http.Client, timeout time.Duration, logger *slog.Logger) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{url: url, client: client, timeout: timeout, logger: logging.Component(logger, "telemetry")}
}

func (p *HTTP) Publish(ctx context.Context, r types.SensorReading) error {
	body, err := FormatBody(r)
	if err != nil {
		return errcode.New(errcode.PublishFault, "format", err)
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return errcode.New(errcode.PublishFault, "request", err)
	}
	req.Header.Set("Content-Type", ContentType)

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = &errcode.E{C: errcode.Timeout, Err: err}
		}
		return errcode.New(errcode.PublishFault, "post "+p.url, err)
	}
	defer resp.Body.Close()

	if err := transport.CheckStatus(resp); err != nil {
		return errcode.New(errcode.PublishFault, "post "+p.url, err)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, transport.MaxResponseSize))
	p.logger.Debug("telemetry published", "status", resp.StatusCode, "bytes", len(body))
	return nil
}
