package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/BaSui01/memflow/types"
)

// Provider 定义统一的嵌入提供者接口。
// 实现须保证返回向量与输入一一对应且保持顺序。
type Provider interface {
	// Embed 为给定输入生成嵌入。
	Embed(ctx context.Context, inputs []string) ([][]float64, error)

	// Name 返回提供者名称。
	Name() string

	// Dimensions 返回嵌入维度。
	Dimensions() int
}

// HTTPProvider 调用 OpenAI 兼容 /embeddings 端点的提供者。
type HTTPProvider struct {
	name       string
	client     *http.Client
	baseURL    string
	apiKey     string
	model      string
	dimensions int
}

// HTTPProviderConfig 提供者配置。
type HTTPProviderConfig struct {
	Name       string
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	Timeout    time.Duration
}

// NewHTTPProvider 创建 HTTP 嵌入提供者。
func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	return &HTTPProvider{
		name:       name,
		client:     &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}
}

func (p *HTTPProvider) Name() string    { return p.name }
func (p *HTTPProvider) Dimensions() int { return p.dimensions }

type embeddingsRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed 发起嵌入请求并按 index 恢复输入顺序。
func (p *HTTPProvider) Embed(ctx context.Context, inputs []string) ([][]float64, error) {
	body, err := json.Marshal(embeddingsRequest{Input: inputs, Model: p.model})
	if err != nil {
		return nil, fmt.Errorf("marshal embeddings request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &types.Error{
			Code:      types.ErrProvider,
			Message:   err.Error(),
			Retryable: true,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embeddings response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, types.ProviderErrorFromStatus(resp.StatusCode, string(respBody))
	}

	var parsed embeddingsResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse embeddings response: %w", err)
	}
	if len(parsed.Data) != len(inputs) {
		return nil, types.Errorf(types.ErrProvider,
			"provider returned %d embeddings for %d inputs", len(parsed.Data), len(inputs))
	}

	sort.Slice(parsed.Data, func(i, j int) bool {
		return parsed.Data[i].Index < parsed.Data[j].Index
	})

	out := make([][]float64, len(parsed.Data))
	for i, d := range parsed.Data {
		if p.dimensions > 0 && len(d.Embedding) != p.dimensions {
			return nil, types.Errorf(types.ErrProvider,
				"provider returned %d-dim vector, expected %d", len(d.Embedding), p.dimensions)
		}
		out[i] = d.Embedding
	}
	return out, nil
}
