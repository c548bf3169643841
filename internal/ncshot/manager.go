package ncshot

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/example/ncshot-verify/internal/imageformat"
	"github.com/example/ncshot-verify/internal/logging"
	"github.com/example/ncshot-verify/internal/observability"
	"github.com/example/ncshot-verify/internal/result"
)

// State is the position of a Manager in the submit/release cycle.
type State int

const (
	StateIdle State = iota
	StateConfigurationPushed
	StateSubmitting
	StateTokenIssued
	StateReleasing
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfigurationPushed:
		return "configuration_pushed"
	case StateSubmitting:
		return "submitting"
	case StateTokenIssued:
		return "token_issued"
	case StateReleasing:
		return "releasing"
	case StateFatal:
		return "fatal"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is one accepted submission, alive until its token is released.
type Session struct {
	Token       string
	State       State
	RawPayload  []byte
	ContentType string
	SubmittedAt time.Time

	released bool
}

// Manager holds the remote session state for one batch. It is not safe for
// concurrent use: one goroutine drives it through configure, submit and release.
type Manager struct {
	client     *Client
	batchID    string
	logger     *zap.Logger
	state      State
	configured bool
	open       *Session
}

// State returns the current manager state.
func (m *Manager) State() State {
	return m.state
}

// PushConfiguration uploads the configuration blob under the configured name.
// Any failure, timeouts included, is reported as ErrConfigRejected.
func (m *Manager) PushConfiguration(ctx context.Context, blob string) error {
	const op = "ncshot.push_configuration"
	if m.state == StateFatal {
		return logging.NewOperationError(op, m.batchID, ErrSystemicFailure)
	}
	if m.open != nil {
		return logging.NewOperationError(op, m.batchID, ErrSessionOpen)
	}

	opts := m.client.opts
	path := "/config/" + url.PathEscape(opts.ConfigName)
	resp, err := m.client.do(ctx, "push_configuration", http.MethodPut, path, nil, []byte(blob), "text/plain; charset=utf-8", opts.Timeouts.Config)
	if err != nil {
		observability.ConfigPushes.WithLabelValues("error").Inc()
		m.logger.Warn("configuration push failed", zap.Error(err))
		return logging.NewOperationError(op, m.batchID, fmt.Errorf("%w: %w", ErrConfigRejected, err))
	}
	if resp.status != http.StatusOK {
		observability.ConfigPushes.WithLabelValues("rejected").Inc()
		statusErr := &StatusError{Kind: ErrConfigRejected, StatusCode: resp.status, Snippet: result.Snippet(resp.body)}
		m.logger.Warn("configuration rejected", zap.Int("status", resp.status), zap.String("body", statusErr.Snippet))
		return logging.NewOperationError(op, m.batchID, statusErr)
	}

	observability.ConfigPushes.WithLabelValues("accepted").Inc()
	m.configured = true
	m.state = StateConfigurationPushed
	m.logger.Info("configuration pushed", zap.String("config", opts.ConfigName), zap.Int("bytes", len(blob)))
	return nil
}

// Submit sends one image and returns the issued session. Only one session may
// be outstanding; it must be released before the next Submit.
func (m *Manager) Submit(ctx context.Context, image []byte) (*Session, error) {
	const op = "ncshot.submit"
	switch {
	case m.state == StateFatal:
		return nil, logging.NewOperationError(op, m.batchID, ErrSystemicFailure)
	case m.open != nil:
		return nil, logging.NewOperationError(op, m.batchID, ErrSessionOpen)
	case !m.configured:
		return nil, logging.NewOperationError(op, m.batchID, ErrNotConfigured)
	}

	opts := m.client.opts
	if n := len(image); n < opts.MinImageBytes || (opts.MaxImageBytes > 0 && n > opts.MaxImageBytes) {
		observability.Submissions.WithLabelValues("rejected_size").Inc()
		return nil, logging.NewOperationError(op, m.batchID,
			fmt.Errorf("%w: %w: %d bytes not in [%d, %d]", ErrSubmissionFailed, ErrImageSize, n, opts.MinImageBytes, opts.MaxImageBytes))
	}

	m.state = StateSubmitting
	contentType := imageformat.ContentType(image)
	path := "/" + url.PathEscape(opts.ConfigName)
	resp, err := m.client.do(ctx, "submit", http.MethodPut, path, m.client.submitQuery(), image, contentType, opts.Timeouts.Submit)
	if err != nil {
		m.state = StateConfigurationPushed
		observability.Submissions.WithLabelValues("error").Inc()
		if resp != nil {
			if token := resp.header.Get(opts.TokenHeader); token != "" {
				m.releaseToken(ctx, token)
			}
		}
		return nil, logging.NewOperationError(op, m.batchID, fmt.Errorf("%w: %w", ErrSubmissionFailed, err))
	}

	token := resp.header.Get(opts.TokenHeader)
	if opts.Classifier.Systemic(resp.status, resp.body) {
		m.state = StateFatal
		observability.Submissions.WithLabelValues("systemic").Inc()
		statusErr := &StatusError{Kind: ErrSystemicFailure, StatusCode: resp.status, Snippet: result.Snippet(resp.body)}
		m.logger.Error("recognition service reported systemic failure",
			zap.Int("status", resp.status), zap.String("body", statusErr.Snippet))
		if token != "" {
			// the service issued a token anyway; free it before giving up
			m.releaseToken(ctx, token)
		}
		return nil, logging.NewOperationError(op, m.batchID, statusErr)
	}
	if resp.status != http.StatusOK {
		m.state = StateConfigurationPushed
		observability.Submissions.WithLabelValues("rejected").Inc()
		return nil, logging.NewOperationError(op, m.batchID,
			&StatusError{Kind: ErrSubmissionFailed, StatusCode: resp.status, Snippet: result.Snippet(resp.body)})
	}
	if token == "" {
		m.state = StateConfigurationPushed
		observability.Submissions.WithLabelValues("missing_token").Inc()
		return nil, logging.NewOperationError(op, m.batchID, fmt.Errorf("%w: %w", ErrSubmissionFailed, ErrMissingToken))
	}

	observability.Submissions.WithLabelValues("accepted").Inc()
	session := &Session{
		Token:       token,
		State:       StateTokenIssued,
		RawPayload:  resp.body,
		ContentType: contentType,
		SubmittedAt: time.Now().UTC(),
	}
	m.open = session
	m.state = StateTokenIssued
	m.logger.Debug("image accepted", zap.String("token", token), zap.Int("payload_bytes", len(resp.body)))
	return session, nil
}

// Release frees the session's token on the service. It is best effort: a
// failure is logged and reported as false, never as an error. Releasing the
// same session twice sends a single request.
func (m *Manager) Release(ctx context.Context, session *Session) bool {
	if session == nil || session.released {
		return true
	}
	session.released = true

	if m.state != StateFatal {
		m.state = StateReleasing
	}
	session.State = StateReleasing
	ok := m.releaseToken(ctx, session.Token)

	if m.open == session {
		m.open = nil
	}
	session.State = StateIdle
	if m.state != StateFatal {
		m.state = StateIdle
	}
	return ok
}

func (m *Manager) releaseToken(ctx context.Context, token string) bool {
	query := url.Values{}
	query.Set("token", token)

	resp, err := m.client.do(ctx, "release", http.MethodGet, "/release", query, nil, "", m.client.opts.Timeouts.Release)
	if err != nil {
		observability.Releases.WithLabelValues("error").Inc()
		m.logger.Warn("token release failed", zap.String("token", token), zap.Error(err))
		return false
	}
	if resp.status < 200 || resp.status > 299 {
		observability.Releases.WithLabelValues("rejected").Inc()
		m.logger.Warn("token release rejected", zap.String("token", token), zap.Int("status", resp.status))
		return false
	}
	observability.Releases.WithLabelValues("released").Inc()
	return true
}
