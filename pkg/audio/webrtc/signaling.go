package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/MrWong99/parley/pkg/types"
)

const maxAnswerBytes = 1 << 20

// signaler performs the single offer/answer exchange with the negotiation
// endpoint: the SDP offer is POSTed as application/sdp, authenticated with the
// descriptor's client secret, and the response body is the SDP answer.
type signaler struct {
	endpoint string
	client   *http.Client
}

// Negotiate sends offer and returns the remote answer. Failures are
// [types.ConnectionError] values; cancellation of ctx is returned unchanged.
func (s *signaler) Negotiate(ctx context.Context, d types.SessionDescriptor, offer string) (string, error) {
	target, err := url.Parse(s.endpoint)
	if err != nil {
		return "", types.ConnErr(types.ReasonRejected, fmt.Errorf("invalid endpoint %q: %w", s.endpoint, err))
	}
	if d.Model != "" && target.Query().Get("model") == "" {
		q := target.Query()
		q.Set("model", d.Model)
		target.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), strings.NewReader(offer))
	if err != nil {
		return "", types.ConnErr(types.ReasonTransport, err)
	}
	req.Header.Set("Authorization", "Bearer "+d.ClientSecret)
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("Accept", "application/sdp")

	resp, err := s.client.Do(req)
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return "", types.ConnErr(types.ReasonTimeout, fmt.Errorf("offer/answer exchange: %w", err))
		case ctx.Err() != nil:
			return "", ctx.Err()
		default:
			return "", types.ConnErr(types.ReasonTransport, err)
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerBytes))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", types.ConnErr(types.ReasonTimeout, err)
		}
		return "", types.ConnErr(types.ReasonTransport, fmt.Errorf("read answer: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", types.ConnErr(types.ReasonAuth, fmt.Errorf("endpoint returned %s: %s", resp.Status, trimBody(body)))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", types.ConnErr(types.ReasonRejected, fmt.Errorf("endpoint returned %s: %s", resp.Status, trimBody(body)))
	}

	answer := string(body)
	if !strings.HasPrefix(strings.TrimSpace(answer), "v=") {
		return "", types.ConnErr(types.ReasonRejected, fmt.Errorf("response is not an SDP answer: %s", trimBody(body)))
	}
	return answer, nil
}

func trimBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "…"
	}
	if s == "" {
		return "(empty body)"
	}
	return s
}
