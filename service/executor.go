package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cinegraph-server/models"
)

// 生图前附加的画质提示词后缀
const qualityBooster = ", stunning quality, highly detailed, 8k resolution, sharp focus, professional image, cinematic lighting"

type clipRef struct {
	sceneNumber      int
	clipKey          string
	transitionToNext string
}

// execRequest 是派发时生成的阶段执行快照。执行器只读快照与资产存储，
// 不接触阶段状态表（状态表只由项目的 Run 循环修改）。
type execRequest struct {
	stage models.Stage
	scene models.Scene
	clips []clipRef
}

func (s *Scheduler) buildExecRequest(run *projectRun, st *models.Stage) execRequest {
	req := execRequest{stage: *st}
	if st.SceneID != "" {
		for i := range run.scenes {
			if run.scenes[i].ID == st.SceneID {
				req.scene = run.scenes[i]
				break
			}
		}
	}
	if st.Kind == models.KindComposition {
		req.clips = s.collectClips(run, st)
	}
	return req
}

// collectClips 按场景顺序收集成功场景的剪辑与转场。
func (s *Scheduler) collectClips(run *projectRun, comp *models.Stage) []clipRef {
	var clips []clipRef
	for _, depID := range comp.DependsOn {
		dep := run.graph.Stage(depID)
		if dep == nil || dep.State != models.StageSucceeded {
			continue
		}
		for i := range run.scenes {
			sc := &run.scenes[i]
			if sc.ID != dep.SceneID || sc.ClipKey == "" {
				continue
			}
			ref := clipRef{sceneNumber: sc.Number, clipKey: sc.ClipKey}
			if sc.Number-1 < len(run.graph.Transitions) {
				ref.transitionToNext = run.graph.Transitions[sc.Number-1]
			}
			clips = append(clips, ref)
		}
	}
	return clips
}

func (s *Scheduler) stageTimeout(class string) time.Duration {
	if class == models.ClassGPU {
		return s.cfg.GPUTimeout
	}
	return s.cfg.CPUTimeout
}

// executeStage 执行单个阶段：调用能力适配器，产物写入资产存储，返回资产键。
// 超时按 TransientError 处理，走常规重试路径。
func (s *Scheduler) executeStage(ctx context.Context, req execRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.stageTimeout(req.stage.Class))
	defer cancel()

	var key string
	var err error
	switch req.stage.Kind {
	case models.KindSafetyCheck:
		err = s.runSafetyCheck(ctx, req)
	case models.KindImageGen:
		key, err = s.runImageGen(ctx, req)
	case models.KindAnimate:
		key, err = s.runAnimate(ctx, req)
	case models.KindAudioMix:
		key, err = s.runAudioMix(ctx, req)
	case models.KindComposition:
		key, err = s.runComposition(ctx, req)
	default:
		return "", permanentf("unknown stage kind: %s", req.stage.Kind)
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return "", transientf("stage %s timed out after %v", req.stage.ID, s.stageTimeout(req.stage.Class))
	}
	return key, err
}

func (s *Scheduler) runSafetyCheck(ctx context.Context, req execRequest) error {
	verdict, err := s.adapters.Safety.Evaluate(ctx, SafetyInput{Prompt: req.scene.Prompt})
	if err != nil {
		return err
	}
	if !verdict.Allowed {
		return &PolicyRejection{Reason: verdict.Reason}
	}
	return nil
}

// gateAsset 在 check_assets 开启时审核生成的资产；拒绝按 PolicyRejection
// 处理，不重试。所有流向下游的生成产物（图像、剪辑、混音剪辑）都过这道门。
func (s *Scheduler) gateAsset(ctx context.Context, key string, data []byte) error {
	if !s.cfg.CheckAssets {
		return nil
	}
	verdict, err := s.adapters.Safety.Evaluate(ctx, SafetyInput{AssetKey: key, Asset: data})
	if err != nil {
		return err
	}
	if !verdict.Allowed {
		return &PolicyRejection{Reason: verdict.Reason}
	}
	return nil
}

func (s *Scheduler) runImageGen(ctx context.Context, req execRequest) (string, error) {
	data, err := s.adapters.Images.GenerateImage(ctx, ImageParams{
		ProjectID:   req.stage.ProjectID,
		SceneNumber: req.scene.Number,
		Prompt:      req.scene.Prompt + qualityBooster,
		StylePreset: req.scene.StylePreset,
		FilterLevel: s.cfg.FilterLevel,
	})
	if err != nil {
		return "", err
	}
	key := sceneAssetKey(req.stage.ProjectID, req.scene.Number, "image.png")
	if err := s.gateAsset(ctx, key, data); err != nil {
		return "", err
	}
	return s.putAsset(ctx, key, data, "image/png")
}

func (s *Scheduler) runAnimate(ctx context.Context, req execRequest) (string, error) {
	image, err := s.assets.Get(ctx, req.scene.ImageKey)
	if err != nil {
		return "", &StorageError{Err: err}
	}
	data, err := s.adapters.Video.Animate(ctx, AnimateParams{
		ProjectID:   req.stage.ProjectID,
		SceneNumber: req.scene.Number,
		Image:       image,
		Duration:    req.scene.Duration,
		StylePreset: req.scene.StylePreset,
	})
	if err != nil {
		return "", err
	}
	key := sceneAssetKey(req.stage.ProjectID, req.scene.Number, "clip.mp4")
	if err := s.gateAsset(ctx, key, data); err != nil {
		return "", err
	}
	return s.putAsset(ctx, key, data, "video/mp4")
}

func (s *Scheduler) runAudioMix(ctx context.Context, req execRequest) (string, error) {
	clip, err := s.assets.Get(ctx, req.scene.ClipKey)
	if err != nil {
		return "", &StorageError{Err: err}
	}
	data, err := s.adapters.Audio.MixAudio(ctx, AudioMixParams{
		ProjectID:   req.stage.ProjectID,
		SceneNumber: req.scene.Number,
		Clip:        clip,
		Effects:     req.scene.SoundEffects,
	})
	if err != nil {
		return "", err
	}
	key := sceneAssetKey(req.stage.ProjectID, req.scene.Number, "clip_mixed.mp4")
	if err := s.gateAsset(ctx, key, data); err != nil {
		return "", err
	}
	return s.putAsset(ctx, key, data, "video/mp4")
}

func (s *Scheduler) runComposition(ctx context.Context, req execRequest) (string, error) {
	if len(req.clips) == 0 {
		return "", permanentf("composition has no scene clips")
	}
	params := ComposeParams{ProjectID: req.stage.ProjectID}
	for _, ref := range req.clips {
		data, err := s.assets.Get(ctx, ref.clipKey)
		if err != nil {
			return "", &StorageError{Err: err}
		}
		params.Clips = append(params.Clips, SceneClip{
			SceneNumber:      ref.sceneNumber,
			Clip:             data,
			TransitionToNext: ref.transitionToNext,
		})
	}
	data, err := s.adapters.Comp.Compose(ctx, params)
	if err != nil {
		return "", err
	}
	return s.putAsset(ctx, fmt.Sprintf("projects/%s/final.mp4", req.stage.ProjectID), data, "video/mp4")
}

func (s *Scheduler) putAsset(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	stored, err := s.assets.Put(ctx, key, data, contentType)
	if err != nil {
		return "", &StorageError{Err: err}
	}
	return stored, nil
}

func sceneAssetKey(projectID string, sceneNumber int, name string) string {
	return fmt.Sprintf("projects/%s/scenes/%d/%s", projectID, sceneNumber, name)
}
