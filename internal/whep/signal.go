package whep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/pion/sdp/v3"
)

const (
	sdpContentType = "application/sdp"
	maxAnswerBytes = 1 << 20
)

var (
	// ErrPathNotFound means the gateway has no published stream at the path.
	// Retrying cannot change the outcome.
	ErrPathNotFound = errors.New("whep: stream path not found")
	// ErrSignaling wraps every other failed signaling exchange.
	ErrSignaling = errors.New("whep: signaling failed")
	// ErrInvalidTarget is returned for RTSP addresses without a usable path.
	ErrInvalidTarget = errors.New("whep: invalid target")
)

// StatusError is a non-success signaling response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("whep: signaling returned %d", e.Code)
	}
	return fmt.Sprintf("whep: signaling returned %d: %s", e.Code, e.Body)
}

// Unwrap lets errors.Is match ErrPathNotFound for 404 and ErrSignaling otherwise.
func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusNotFound {
		return ErrPathNotFound
	}
	return ErrSignaling
}

// Target is where a camera's WHEP endpoint lives on the gateway.
type Target struct {
	Gateway  string
	Path     string
	Username string
	Password string
}

// ParseTarget derives the stream path and credentials from a camera's RTSP
// address.
func ParseTarget(rtspURL, gatewayBase string) (Target, error) {
	u, err := base.ParseURL(rtspURL)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return Target{}, fmt.Errorf("%w: no stream path on %s", ErrInvalidTarget, u.Host)
	}

	gw, err := url.Parse(strings.TrimSpace(gatewayBase))
	if err != nil || (gw.Scheme != "http" && gw.Scheme != "https") || gw.Host == "" {
		return Target{}, fmt.Errorf("%w: gateway %q", ErrInvalidTarget, gatewayBase)
	}

	t := Target{Gateway: strings.TrimRight(gw.String(), "/"), Path: path}
	if u.User != nil {
		t.Username = u.User.Username()
		t.Password, _ = u.User.Password()
	}
	return t, nil
}

// Endpoint returns <gateway>/<escaped path>/whep.
func (t Target) Endpoint() string {
	return t.Gateway + "/" + url.PathEscape(t.Path) + "/whep"
}

// exchange posts the local offer and returns the validated answer.
func exchange(ctx context.Context, client *http.Client, t Target, offer, traceID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint(), strings.NewReader(offer))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignaling, err)
	}
	req.Header.Set("Content-Type", sdpContentType)
	req.Header.Set("Accept", sdpContentType)
	req.Header.Set("X-Request-Id", traceID)
	if t.Username != "" {
		req.SetBasicAuth(t.Username, t.Password)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignaling, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read answer: %v", ErrSignaling, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	answer := string(body)
	if err := ValidateAnswer(answer); err != nil {
		return "", err
	}
	return answer, nil
}

// ValidateAnswer checks that an answer parses and carries a video section.
func ValidateAnswer(answer string) error {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(answer)); err != nil {
		return fmt.Errorf("%w: malformed answer: %v", ErrSignaling, err)
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "video" {
			return nil
		}
	}
	return fmt.Errorf("%w: answer has no video section", ErrSignaling)
}
