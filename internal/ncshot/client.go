// Package ncshot speaks the HTTP protocol of the NCShot recognition service.
//
// A Client is stateless and may be shared. Every batch obtains its own Manager,
// which owns the remote session state for that batch.
package ncshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/ncshot-verify/internal/logging"
	"github.com/example/ncshot-verify/internal/observability"
	"github.com/example/ncshot-verify/internal/result"
)

const (
	DefaultConfigName       = "tmp"
	DefaultTokenHeader      = "NCShot-Token"
	DefaultMaxResponseBytes = 8 << 20
	healthBanner            = "NCShot OK"
)

// Dialer opens the network channel to the recognition host. Direct and
// tunnelled providers both satisfy it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Timeouts bound each kind of remote call.
type Timeouts struct {
	Config  time.Duration
	Submit  time.Duration
	Fetch   time.Duration
	Release time.Duration
}

// Options configure a Client.
type Options struct {
	Host             string
	Port             int
	ConfigName       string
	TokenHeader      string
	ANPR             bool
	MMR              bool
	Diagnostic       bool
	MinImageBytes    int
	MaxImageBytes    int
	MaxResponseBytes int64
	Timeouts         Timeouts
	Classifier       Classifier
}

// DefaultOptions returns the protocol defaults for host:port.
func DefaultOptions(host string, port int) Options {
	return Options{
		Host:             host,
		Port:             port,
		ConfigName:       DefaultConfigName,
		TokenHeader:      DefaultTokenHeader,
		ANPR:             true,
		MMR:              true,
		Diagnostic:       true,
		MinImageBytes:    1024,
		MaxImageBytes:    20 << 20,
		MaxResponseBytes: DefaultMaxResponseBytes,
		Timeouts: Timeouts{
			Config:  10 * time.Second,
			Submit:  30 * time.Second,
			Fetch:   10 * time.Second,
			Release: 5 * time.Second,
		},
		Classifier: DefaultClassifier(),
	}
}

// Client issues requests against one recognition host.
type Client struct {
	opts    Options
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient builds a client that reaches the service through dialer. Keep-alives
// are disabled so every request runs on its own connection.
func NewClient(opts Options, dialer Dialer, logger *zap.Logger) *Client {
	if opts.ConfigName == "" {
		opts.ConfigName = DefaultConfigName
	}
	if opts.TokenHeader == "" {
		opts.TokenHeader = DefaultTokenHeader
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}

	transport := &http.Transport{
		DialContext:       dialer.DialContext,
		DisableKeepAlives: true,
	}
	return &Client{
		opts:    opts,
		baseURL: "http://" + net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		http:    &http.Client{Transport: transport},
		logger:  logger.Named("ncshot"),
	}
}

// Addr returns host:port of the recognition service.
func (c *Client) Addr() string {
	return net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))
}

// NewManager returns a session manager for one batch.
func (c *Client) NewManager(batchID string) *Manager {
	return &Manager{
		client:  c,
		batchID: batchID,
		logger:  logging.WithOperation(c.logger, "ncshot.session", batchID),
		state:   StateIdle,
	}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (c *Client) do(ctx context.Context, operation, method, path string, query url.Values, body []byte, contentType string, timeout time.Duration) (*response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	observability.RemoteDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// The partial response is returned alongside a read error so callers can
	// still see the status and any issued token.
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxResponseBytes+1))
	out := &response{status: resp.StatusCode, header: resp.Header, body: data}
	if err != nil {
		return out, fmt.Errorf("read response: %w", err)
	}
	if int64(len(data)) > c.opts.MaxResponseBytes {
		out.body = data[:c.opts.MaxResponseBytes]
		return out, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, c.opts.MaxResponseBytes)
	}
	return out, nil
}

// PlateScheme is one addressing scheme for plate sub-images.
type PlateScheme struct {
	Path        string
	TokenParam  string
	NumberParam string
}

// DefaultPlateScheme addresses plates as /vehicleplate?token=<t>&number=<n>.
var DefaultPlateScheme = PlateScheme{Path: "/vehicleplate", TokenParam: "token", NumberParam: "number"}

func (s PlateScheme) String() string {
	return s.Path + "?" + s.TokenParam + "=&" + s.NumberParam + "="
}

// FetchPlate downloads plate sub-image number (1-based) for token.
func (c *Client) FetchPlate(ctx context.Context, scheme PlateScheme, token string, number int) ([]byte, error) {
	query := url.Values{}
	query.Set(scheme.TokenParam, token)
	query.Set(scheme.NumberParam, strconv.Itoa(number))

	resp, err := c.do(ctx, "fetch_plate", http.MethodGet, scheme.Path, query, nil, "", c.opts.Timeouts.Fetch)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPlateUnavailable, err)
	}
	if resp.status != http.StatusOK {
		return nil, &StatusError{Kind: ErrPlateUnavailable, StatusCode: resp.status, Snippet: result.Snippet(resp.body)}
	}
	return resp.body, nil
}

// Ping checks that the service answers its banner on GET /.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, "ping", http.MethodGet, "/", nil, nil, "", c.opts.Timeouts.Config)
	if err != nil {
		return logging.NewOperationError("ncshot.ping", "", fmt.Errorf("%w: %w", ErrUnhealthy, err))
	}
	if resp.status != http.StatusOK || !bytes.Contains(resp.body, []byte(healthBanner)) {
		return logging.NewOperationError("ncshot.ping", "", &StatusError{Kind: ErrUnhealthy, StatusCode: resp.status, Snippet: result.Snippet(resp.body)})
	}
	return nil
}

// ListConfigurations returns the configuration names known to the service.
func (c *Client) ListConfigurations(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, "list_configurations", http.MethodGet, "/config", nil, nil, "", c.opts.Timeouts.Config)
	if err != nil {
		return nil, logging.NewOperationError("ncshot.list_configurations", "", err)
	}
	if resp.status != http.StatusOK {
		return nil, logging.NewOperationError("ncshot.list_configurations", "", &StatusError{Kind: ErrUnhealthy, StatusCode: resp.status, Snippet: result.Snippet(resp.body)})
	}

	var names []string
	for _, line := range strings.Split(string(resp.body), "\n") {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

func (c *Client) submitQuery() url.Values {
	query := url.Values{}
	query.Set("anpr", flag(c.opts.ANPR))
	query.Set("mmr", flag(c.opts.MMR))
	query.Set("diagnostic", flag(c.opts.Diagnostic))
	return query
}

func flag(on bool) string {
	if on {
		return "1"
	}
	return "0"
}
