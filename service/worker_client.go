package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// WorkerClient 通过 HTTP 与外部生成 worker 通信，实现全部能力适配器：
// POST /v1/generate 提交任务拿到 job_id，轮询 GET /v1/jobs/{job_id}
// 直到完成，再下载产物。429/5xx/网络错误归类 transient，其余 4xx 归类
// permanent。
type WorkerClient struct {
	endpoint     string
	pollInterval time.Duration
	pollTimeout  time.Duration
	client       *http.Client
}

func NewWorkerClient(endpoint string, pollInterval, pollTimeout time.Duration) *WorkerClient {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if pollTimeout <= 0 {
		pollTimeout = 10 * time.Minute
	}
	return &WorkerClient{
		endpoint:     endpoint,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
		client:       &http.Client{Timeout: 60 * time.Second},
	}
}

type workerJob struct {
	ID          string `json:"id"`
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	Error       string `json:"error"`
	ResourceURL string `json:"resource_url"`
}

func (w *WorkerClient) GenerateImage(ctx context.Context, p ImageParams) ([]byte, error) {
	return w.generate(ctx, "image_gen", map[string]interface{}{
		"prompt":              p.Prompt,
		"style":               p.StylePreset,
		"safety_filter_level": p.FilterLevel,
	})
}

func (w *WorkerClient) Animate(ctx context.Context, p AnimateParams) ([]byte, error) {
	return w.generate(ctx, "animate", map[string]interface{}{
		"image":    p.Image,
		"duration": p.Duration,
		"style":    p.StylePreset,
	})
}

func (w *WorkerClient) MixAudio(ctx context.Context, p AudioMixParams) ([]byte, error) {
	return w.generate(ctx, "audio_mix", map[string]interface{}{
		"clip":    p.Clip,
		"effects": p.Effects,
	})
}

func (w *WorkerClient) Compose(ctx context.Context, p ComposeParams) ([]byte, error) {
	type clipSpec struct {
		SceneNumber int    `json:"scene_number"`
		Clip        []byte `json:"clip"`
		Transition  string `json:"transition,omitempty"`
	}
	clips := make([]clipSpec, 0, len(p.Clips))
	for _, c := range p.Clips {
		clips = append(clips, clipSpec{SceneNumber: c.SceneNumber, Clip: c.Clip, Transition: c.TransitionToNext})
	}
	return w.generate(ctx, "composition", map[string]interface{}{
		"clips": clips,
	})
}

// generate 提交任务、轮询结果并下载产物。
func (w *WorkerClient) generate(ctx context.Context, kind string, params map[string]interface{}) ([]byte, error) {
	jobID, err := w.submit(ctx, kind, params)
	if err != nil {
		return nil, err
	}
	resourceURL, err := w.poll(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return w.download(ctx, resourceURL)
}

func (w *WorkerClient) submit(ctx context.Context, kind string, params map[string]interface{}) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"type":       kind,
		"parameters": params,
	})
	if err != nil {
		return "", permanentf("marshal worker request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return "", permanentf("create worker request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", transientf("worker request failed: %v", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return "", err
	}
	var job workerJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return "", transientf("decode worker response: %v", err)
	}
	if job.ID != "" {
		return job.ID, nil
	}
	if job.JobID != "" {
		return job.JobID, nil
	}
	return "", permanentf("worker response missing job id")
}

// poll 轮询直到任务完成或失败。超出轮询时限按 transient 处理。
func (w *WorkerClient) poll(ctx context.Context, jobID string) (string, error) {
	jobURL := fmt.Sprintf("%s/v1/jobs/%s", w.endpoint, jobID)
	timeout := time.After(w.pollTimeout)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			w.cancelJob(jobID)
			return "", transientf("polling job %s timed out after %v", jobID, w.pollTimeout)
		case <-ctx.Done():
			w.cancelJob(jobID)
			return "", transientf("polling job %s interrupted: %v", jobID, ctx.Err())
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, jobURL, nil)
			if err != nil {
				continue
			}
			resp, err := w.client.Do(req)
			if err != nil {
				log.Warn().Err(err).Str("job", jobID).Msg("轮询网络错误，重试中")
				continue
			}
			var job workerJob
			decodeErr := json.NewDecoder(resp.Body).Decode(&job)
			resp.Body.Close()
			if decodeErr != nil {
				log.Warn().Err(decodeErr).Str("job", jobID).Msg("解析轮询响应失败")
				continue
			}
			switch job.Status {
			case "finished", "success", "completed", "succeeded":
				if job.ResourceURL == "" {
					return "", permanentf("job %s finished without resource url", jobID)
				}
				return job.ResourceURL, nil
			case "failed", "error":
				return "", permanentf("worker reported failure: %s", job.Error)
			}
			// 其他状态继续轮询
		}
	}
}

// cancelJob 通知 worker 放弃任务，尽力而为。
func (w *WorkerClient) cancelJob(jobID string) {
	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/v1/jobs/%s", w.endpoint, jobID), nil)
	if err != nil {
		return
	}
	resp, err := w.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("job", jobID).Msg("通知 worker 取消任务失败")
		return
	}
	resp.Body.Close()
}

// download 拉取产物，429 按线性退避重试。
func (w *WorkerClient) download(ctx context.Context, resourceURL string) ([]byte, error) {
	for attempt := 0; attempt < 4; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, resourceURL, nil)
		if err != nil {
			return nil, permanentf("create download request: %v", err)
		}
		resp, err := w.client.Do(req)
		if err != nil {
			return nil, transientf("download failed: %v", err)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			wait := time.Duration(3*(attempt+1)) * time.Second
			log.Warn().Int("attempt", attempt+1).Dur("wait", wait).Msg("下载被限流，退避重试")
			select {
			case <-ctx.Done():
				return nil, transientf("download interrupted: %v", ctx.Err())
			case <-time.After(wait):
			}
			continue
		}
		if err := classifyStatus(resp.StatusCode); err != nil {
			resp.Body.Close()
			return nil, err
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, transientf("read download body: %v", err)
		}
		return data, nil
	}
	return nil, transientf("download rate limited, retries exhausted")
}

// classifyStatus 将 HTTP 状态码映射到错误分类。
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return transientf("worker status code: %d", code)
	default:
		return permanentf("worker status code: %d", code)
	}
}

// 编译期断言：WorkerClient 覆盖全部生成能力
var (
	_ ImageGenerator = (*WorkerClient)(nil)
	_ Animator       = (*WorkerClient)(nil)
	_ AudioMixer     = (*WorkerClient)(nil)
	_ Composer       = (*WorkerClient)(nil)
)
