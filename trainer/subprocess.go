package trainer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/tnqbao/gau-forge/errs"
	"github.com/tnqbao/gau-forge/infra"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

const tailLines = 20

var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".webp": true}

type SubprocessOptions struct {
	Python     string
	ScriptPath string
	WorkDir    string
	// GracePeriod is how long the process group gets after SIGTERM before SIGKILL
	GracePeriod time.Duration
}

// SubprocessTrainer runs "<python> <script> --config <file>" in its own process
// group and parses step and loss from the combined output.
type SubprocessTrainer struct {
	opts   SubprocessOptions
	logger *infra.LoggerClient
}

func NewSubprocessTrainer(opts SubprocessOptions, logger *infra.LoggerClient) *SubprocessTrainer {
	if opts.Python == "" {
		opts.Python = "python"
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 30 * time.Second
	}
	return &SubprocessTrainer{opts: opts, logger: logger}
}

type tunerConfig struct {
	Model struct {
		NameOrPath    string `yaml:"name_or_path"`
		IsFlux        bool   `yaml:"is_flux"`
		Quantize      bool   `yaml:"quantize"`
		QuantizeDtype string `yaml:"quantize_dtype"`
	} `yaml:"model"`
	Train struct {
		LearningRate              float64 `yaml:"learning_rate"`
		LRScheduler               string  `yaml:"lr_scheduler"`
		LRWarmupSteps             int     `yaml:"lr_warmup_steps"`
		Optimizer                 string  `yaml:"optimizer"`
		NumTrainEpochs            int     `yaml:"num_train_epochs"`
		MaxTrainSteps             int     `yaml:"max_train_steps"`
		SaveSteps                 int     `yaml:"save_steps"`
		GradientAccumulationSteps int     `yaml:"gradient_accumulation_steps"`
		MixedPrecision            string  `yaml:"mixed_precision"`
		GradientCheckpointing     bool    `yaml:"gradient_checkpointing"`
	} `yaml:"train"`
	Network struct {
		Type          string   `yaml:"type"`
		Rank          int      `yaml:"rank"`
		Alpha         int      `yaml:"alpha"`
		Dropout       float64  `yaml:"dropout"`
		TargetModules []string `yaml:"target_modules"`
	} `yaml:"network"`
	Data struct {
		DatasetPath  string `yaml:"dataset_path"`
		Resolution   int    `yaml:"resolution"`
		CaptionExt   string `yaml:"caption_ext"`
		CacheLatents bool   `yaml:"cache_latents"`
		BatchSize    int    `yaml:"batch_size"`
		NumWorkers   int    `yaml:"num_workers"`
		TriggerWord  string `yaml:"trigger_word,omitempty"`
	} `yaml:"data"`
	Output struct {
		OutputDir     string `yaml:"output_dir"`
		SavePrecision string `yaml:"save_precision"`
		LoggingDir    string `yaml:"logging_dir"`
	} `yaml:"output"`
}

func buildTunerConfig(cfg TrainingConfig) tunerConfig {
	var tc tunerConfig
	tc.Model.NameOrPath = cfg.BaseModel
	tc.Model.IsFlux = true
	tc.Model.Quantize = true
	tc.Model.QuantizeDtype = "fp8"

	tc.Train.LearningRate = cfg.LearningRate
	tc.Train.LRScheduler = "constant_with_warmup"
	tc.Train.LRWarmupSteps = 100
	tc.Train.Optimizer = "adamw8bit"
	tc.Train.NumTrainEpochs = 1
	tc.Train.MaxTrainSteps = cfg.Steps
	tc.Train.SaveSteps = cfg.SaveEveryNSteps
	tc.Train.GradientAccumulationSteps = 1
	tc.Train.MixedPrecision = "bf16"
	tc.Train.GradientCheckpointing = true

	tc.Network.Type = "lora"
	tc.Network.Rank = cfg.NetworkDim
	tc.Network.Alpha = cfg.NetworkAlpha
	tc.Network.TargetModules = []string{"to_q", "to_k", "to_v", "to_out.0"}

	tc.Data.DatasetPath = cfg.DatasetPath
	tc.Data.Resolution = cfg.Resolution
	tc.Data.CaptionExt = "txt"
	tc.Data.CacheLatents = true
	tc.Data.BatchSize = 1
	tc.Data.NumWorkers = 2
	tc.Data.TriggerWord = cfg.TriggerWord

	tc.Output.OutputDir = cfg.OutputPath
	tc.Output.SavePrecision = "bf16"
	tc.Output.LoggingDir = filepath.Join(cfg.OutputPath, "logs")
	return tc
}

// WriteConfigFile writes the YAML config the training script reads
func WriteConfigFile(cfg TrainingConfig) (string, error) {
	if err := os.MkdirAll(cfg.OutputPath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	data, err := yaml.Marshal(buildTunerConfig(cfg))
	if err != nil {
		return "", fmt.Errorf("failed to encode training config: %w", err)
	}
	path := filepath.Join(cfg.OutputPath, "training_config.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write training config: %w", err)
	}
	return path, nil
}

// CountImages counts dataset files with a supported image extension
func CountImages(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			n++
		}
	}
	return n, nil
}

// Checkpoints lists *.safetensors in dir, sorted
func Checkpoints(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (t *SubprocessTrainer) validate(cfg TrainingConfig) error {
	if cfg.OutputPath == "" {
		return fmt.Errorf("%w: output path not set", errs.ErrValidation)
	}
	images, err := CountImages(cfg.DatasetPath)
	if err != nil {
		return fmt.Errorf("%w: dataset %s: %v", errs.ErrValidation, cfg.DatasetPath, err)
	}
	if images == 0 {
		return fmt.Errorf("%w: no images found in dataset %s", errs.ErrValidation, cfg.DatasetPath)
	}
	if _, err := os.Stat(t.opts.ScriptPath); err != nil {
		return fmt.Errorf("%w: training script %s: %v", errs.ErrAdapterFailure, t.opts.ScriptPath, err)
	}
	return nil
}

func (t *SubprocessTrainer) Train(ctx context.Context, cfg TrainingConfig, onProgress ProgressFunc) (*Result, error) {
	cfg.ApplyDefaults()
	if err := t.validate(cfg); err != nil {
		return nil, err
	}

	configPath, err := WriteConfigFile(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrAdapterFailure, err)
	}

	cmd := exec.Command(t.opts.Python, t.opts.ScriptPath, "--config", configPath)
	cmd.Dir = t.opts.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrAdapterFailure, err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	t.logger.InfoWithContextf(ctx, "[Trainer] Starting %s", strings.Join(cmd.Args, " "))
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("%w: failed to start trainer: %v", errs.ErrAdapterFailure, err)
	}
	pw.Close()

	exited := make(chan struct{})
	go t.stopOnCancel(ctx, cmd.Process.Pid, exited)

	var parser LineParser
	tail := newTailBuffer(tailLines)
	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(splitLines)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		tail.Add(line)
		t.logger.DebugWithContextf(ctx, "[Trainer] %s", line)
		if ev, ok := parser.Feed(line); ok && onProgress != nil {
			onProgress(ev.Step, ev.Total, ev.Loss)
		}
	}
	if err := scanner.Err(); err != nil {
		// keep the pipe open and drained so the trainer is not killed by SIGPIPE
		t.logger.WarningWithContextf(ctx, "[Trainer] Stopped parsing trainer output: %v", err)
		tail.Add(fmt.Sprintf("[output parsing stopped: %v]", err))
		_, _ = io.Copy(io.Discard, pr)
	}
	pr.Close()

	waitErr := cmd.Wait()
	close(exited)

	if ctx.Err() != nil {
		return nil, fmt.Errorf("training interrupted at step %d: %w", parser.Step(), ctx.Err())
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("%w: trainer exited with code %d:\n%s", errs.ErrAdapterFailure, exitErr.ExitCode(), tail.String())
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrAdapterFailure, waitErr)
	}

	checkpoints, err := Checkpoints(cfg.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrAdapterFailure, err)
	}
	if len(checkpoints) == 0 {
		return nil, fmt.Errorf("%w: trainer produced no checkpoints in %s", errs.ErrAdapterFailure, cfg.OutputPath)
	}

	t.logger.InfoWithContextf(ctx, "[Trainer] Finished at step %d with %d checkpoints", parser.Step(), len(checkpoints))
	return &Result{
		ArtifactPaths: checkpoints,
		FinalStep:     parser.Step(),
		FinalMetric:   parser.Loss(),
	}, nil
}

// stopOnCancel sends SIGTERM to the process group when ctx ends and SIGKILL if it
// is still alive after the grace period.
func (t *SubprocessTrainer) stopOnCancel(ctx context.Context, pid int, exited <-chan struct{}) {
	select {
	case <-exited:
		return
	case <-ctx.Done():
	}

	logCtx := context.WithoutCancel(ctx)
	t.logger.WarningWithContextf(logCtx, "[Trainer] Stopping process group %d: %v", pid, context.Cause(ctx))
	if err := signalGroup(pid, unix.SIGTERM); err != nil {
		t.logger.ErrorWithContextf(logCtx, err, "[Trainer] Failed to send SIGTERM to process group %d", pid)
	}

	timer := time.NewTimer(t.opts.GracePeriod)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
		t.logger.WarningWithContextf(logCtx, "[Trainer] Process group %d ignored SIGTERM, killing", pid)
		if err := signalGroup(pid, unix.SIGKILL); err != nil {
			t.logger.ErrorWithContextf(logCtx, err, "[Trainer] Failed to kill process group %d", pid)
		}
	}
}

// signalGroup signals every process in the group led by pid. A group that has
// already exited is not an error.
func signalGroup(pid int, sig unix.Signal) error {
	if pid <= 1 {
		return fmt.Errorf("refusing to signal process group %d", pid)
	}
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to send %v to process group %d: %w", sig, pid, err)
	}
	return nil
}
