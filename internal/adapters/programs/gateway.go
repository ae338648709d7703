// Package programs implements coordinator.ProgramStore over a local
// directory, an HTTP content gateway and the embedded fixtures.
package programs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"rvexec/internal/coordinator"
)

const (
	defaultGatewayTimeout = 30 * time.Second
	maxProgramBytes       = 64 << 20 // 64MiB safety limit
)

var (
	ErrEmptyCID   = errors.New("cid is empty")
	ErrInvalidCID = errors.New("invalid cid")
	ErrTooLarge   = errors.New("program too large")
)

// GatewayStore 通过 HTTP Gateway 拉取程序镜像，兼容本地与远程内容网关。
type GatewayStore struct {
	baseURL  string
	client   *http.Client
	maxBytes int64
	log      coordinator.Logger
}

// NewGatewayStore 构造面向 HTTP Gateway 的程序仓库。
func NewGatewayStore(baseURL string, log coordinator.Logger) (*GatewayStore, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("gateway base url is empty")
	}
	if log == nil {
		log = coordinator.NewLogger(nil, "programs")
	}
	return &GatewayStore{
		baseURL: strings.TrimRight(trimmed, "/"),
		client: &http.Client{
			Timeout: defaultGatewayTimeout,
		},
		maxBytes: maxProgramBytes,
		log:      log,
	}, nil
}

// FetchProgram 通过网关下载指定 CID 的字节流。
func (g *GatewayStore) FetchProgram(ctx context.Context, cid string) ([]byte, error) {
	if cid == "" {
		return nil, ErrEmptyCID
	}
	target := fmt.Sprintf("%s/%s", g.baseURL, strings.TrimLeft(cid, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("gateway %s status %s: %s", target, resp.Status, strings.TrimSpace(string(payload)))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, g.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	if int64(len(data)) > g.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, g.maxBytes)
	}

	g.log.Infof("downloaded program %s (%d bytes) via gateway", cid, len(data))
	return data, nil
}
