package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/cfteam/coordinator/config"
	"github.com/cfteam/coordinator/types"
)

// =============================================================================
// 🔌 外部执行协作方（HTTP 回调）
// =============================================================================

// httpExecutor 把任务以 JSON POST 到配置的执行端点
// 响应体为 TaskResult JSON；非 2xx 视为执行失败
type httpExecutor struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

func newHTTPExecutor(cfg config.ExecutorConfig, logger *zap.Logger) *httpExecutor {
	return &httpExecutor{
		url:    cfg.URL,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "http_executor")),
	}
}

// Execute 实现 coordinator.Executor
// 调用方通过 ctx 传入任务截止时间；超时由协调器归类处理
func (e *httpExecutor) Execute(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to encode task").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to build executor request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to read executor response").WithCause(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, types.NewErrorf(types.ErrInternalError,
			"executor returned status %d: %s", resp.StatusCode, truncate(body, 256))
	}

	var result types.TaskResult
	if len(body) > 0 {
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, types.NewError(types.ErrInternalError, "failed to decode executor response").WithCause(err)
		}
	}

	e.logger.Debug("task executed",
		zap.String("task", task.ID),
		zap.Int("effects", len(result.Effects)),
		zap.Int("delegations", len(result.Delegations)),
	)
	return &result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return fmt.Sprintf("%s... (%d bytes)", b[:n], len(b))
}
