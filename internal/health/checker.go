// Package health 負責單一 fog node 的存活檢查
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/ChuLiYu/fogdeck/internal/fogclient"
	"github.com/ChuLiYu/fogdeck/pkg/types"
)

// DefaultTimeout 單次檢查的上限
const DefaultTimeout = 2 * time.Second

// RequiredPath strict 模式下 OpenAPI 文件必須宣告的路徑
const RequiredPath = fogclient.JobsPath

var (
	ErrMalformedSchema = errors.New("health document is not a valid OpenAPI document")
	ErrMissingJobsAPI  = errors.New("health document does not declare the jobs API")
)

// Prober 取得 node 的健康檢查文件（由 fogclient.Client 實作）
type Prober interface {
	Probe(ctx context.Context, nodeURL string) ([]byte, error)
}

// Config 健康檢查配置
type Config struct {
	Timeout      time.Duration // 0 表示使用 DefaultTimeout
	StrictSchema bool          // 要求回應是宣告 jobs API 的 OpenAPI 文件
}

// Checker 健康檢查器
// 不持有任何 registry 狀態，可安全並發使用
type Checker struct {
	prober Prober
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// NewChecker 建立健康檢查器；logger 為 nil 時使用 slog.Default()
func NewChecker(prober Prober, config Config, logger *slog.Logger) *Checker {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		prober: prober,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Check 探測 node 並回傳更新過存活狀態的副本
//
// 任何 2xx 回應視為在線；網路錯誤、逾時、非 2xx 以及（strict 模式下）
// 格式錯誤的文件都視為離線。LastPing 一律設為完成時間。
// 不回傳錯誤，也不修改傳入的 node。
func (c *Checker) Check(ctx context.Context, node types.FogNode) types.FogNode {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	err := c.probe(ctx, node.URL)
	if err != nil {
		c.logger.Debug("Node health check failed", "node", node.URL, "error", err)
	}
	return node.WithLiveness(err == nil, c.now())
}

func (c *Checker) probe(ctx context.Context, nodeURL string) error {
	body, err := c.prober.Probe(ctx, nodeURL)
	if err != nil {
		return err
	}
	if !c.config.StrictSchema {
		return nil
	}
	return ValidateSchema(body)
}

// ValidateSchema 驗證 body 是宣告 jobs API 的 OpenAPI 3 文件
func ValidateSchema(body []byte) error {
	doc, err := openapi3.NewLoader().LoadFromData(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSchema, err)
	}
	if doc.OpenAPI == "" {
		return fmt.Errorf("%w: missing openapi version", ErrMalformedSchema)
	}
	if doc.Paths.Value(RequiredPath) == nil {
		return ErrMissingJobsAPI
	}
	return nil
}
