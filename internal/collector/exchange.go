package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/danmuck/tdnctl/internal/httpconn"
)

// ErrResponseTooLarge reports a target body over Config.MaxResponseBody.
var ErrResponseTooLarge = errors.New("collector: response body exceeds limit")

// StatusError reports a target response other than 200 OK.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	status := e.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", e.Code, http.StatusText(e.Code))
	}
	return "Response status is not OK: " + status
}

// exchange sends the one request of the run and returns the response body as
// pretty printed JSON.
func (r *run) exchange(ctx context.Context) (string, error) {
	r.phases.report(PhaseBuildRequest)
	opts := r.in.opts
	req, err := httpconn.NewRequest(opts.Method, r.in.targetRaw, opts.Headers, opts.Body)
	if err != nil {
		return "", fmt.Errorf("Could not build request: %w", err)
	}
	for _, f := range req.Header {
		r.log.Debug().Str("header", f.Name).Msg("collector: adding header")
	}
	if len(req.Body) == 0 {
		r.log.Debug().Msg("collector: empty body")
	} else {
		r.log.Debug().Int("bytes", len(req.Body)).Msg("collector: added body")
	}

	r.phases.report(PhaseStartMpcConnection)
	if err := r.future.Control().DeferDecryption(ctx); err != nil {
		return "", fmt.Errorf("failed to enable deferred decryption: %w", err)
	}
	resp, err := r.sender.SendRequest(ctx, req)
	if err != nil {
		return "", fmt.Errorf("Could not send request: %w", err)
	}
	defer resp.Body.Close()

	r.phases.report(PhaseReceivedResponse)
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	r.phases.report(PhaseParseResponse)
	limit := r.c.cfg.MaxResponseBody
	payload, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return "", fmt.Errorf("Could not get response body: %w", err)
	}
	if int64(len(payload)) > limit {
		return "", fmt.Errorf("Could not get response body: %w: limit %d bytes", ErrResponseTooLarge, limit)
	}
	pretty, err := prettyJSON(payload)
	if err != nil {
		return "", fmt.Errorf("Could not parse response: %w", err)
	}
	// No further requests; the driver hands the stream back once it is idle.
	r.sender.Close()
	r.log.Info().Str("response", pretty).Msg("collector: response")
	return pretty, nil
}

// prettyJSON normalizes data to two-space indented JSON with sorted keys.
func prettyJSON(data []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	if dec.More() {
		return "", fmt.Errorf("trailing data after JSON value")
	}
	return marshalPretty(v)
}

func marshalPretty(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
