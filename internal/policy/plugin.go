package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// Plugin fault reason codes.
const (
	faultTimeout  = "CLASSIFIER_TIMEOUT"
	faultNoExport = "CLASSIFIER_NO_EXPORT"
	faultExec     = "CLASSIFIER_FAULT"
)

// DefaultPluginMemoryPages is 32 pages = 2MB. Classifiers are small.
const DefaultPluginMemoryPages = 32

// DefaultPluginTimeout caps one classification call. It has to fit inside
// the message-handling path, so it is far tighter than a run timeout.
const DefaultPluginTimeout = 2 * time.Second

// PluginFault is a structured error from a classifier invocation.
type PluginFault struct {
	Reason string
	Detail string
}

func (e *PluginFault) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Plugin is a WASM command classifier. The guest must export
// alloc(size) -> ptr and classify(ptr, len) -> i32, returning 0 for safe
// and 1 for dangerous.
type Plugin struct {
	runtime       wazero.Runtime
	module        api.Module
	invokeTimeout time.Duration
	logger        *slog.Logger
}

type PluginConfig struct {
	Logger *slog.Logger
	// MemoryLimitPages caps guest memory (1 page = 64KB). 0 uses DefaultPluginMemoryPages.
	MemoryLimitPages uint32
	// InvokeTimeout caps wall-clock time per classification. 0 uses DefaultPluginTimeout.
	InvokeTimeout time.Duration
}

// LoadPlugin compiles and instantiates the classifier module at path.
func LoadPlugin(ctx context.Context, path string, cfg PluginConfig) (*Plugin, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = DefaultPluginMemoryPages
	}
	invokeTimeout := cfg.InvokeTimeout
	if invokeTimeout == 0 {
		invokeTimeout = DefaultPluginTimeout
	}

	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read classifier module: %w", err)
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	compiled, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("compile classifier module: %w", err)
	}
	module, err := runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("classifier"))
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate classifier module: %w", err)
	}

	p := &Plugin{
		runtime:       runtime,
		module:        module,
		invokeTimeout: invokeTimeout,
		logger:        cfg.Logger,
	}
	if module.ExportedFunction("classify") == nil || module.ExportedFunction("alloc") == nil {
		_ = p.Close(ctx)
		return nil, &PluginFault{Reason: faultNoExport, Detail: "classifier must export alloc and classify"}
	}
	cfg.Logger.Info("classifier plugin loaded", "path", path, "memory_pages", memPages)
	return p, nil
}

// Classify invokes the guest classifier for one command.
func (p *Plugin) Classify(command string) (Verdict, error) {
	invokeCtx, cancel := context.WithTimeout(context.Background(), p.invokeTimeout)
	defer cancel()

	payload := []byte(command)
	allocFn := p.module.ExportedFunction("alloc")
	results, err := allocFn.Call(invokeCtx, uint64(len(payload)))
	if err != nil {
		return VerdictSafe, classifyPluginFault(err)
	}
	if len(results) == 0 {
		return VerdictSafe, &PluginFault{Reason: faultExec, Detail: "alloc returned nothing"}
	}
	ptr := uint32(results[0])
	if !p.module.Memory().Write(ptr, payload) {
		return VerdictSafe, &PluginFault{Reason: faultExec, Detail: "write to guest memory failed"}
	}

	classifyFn := p.module.ExportedFunction("classify")
	results, err = classifyFn.Call(invokeCtx, uint64(ptr), uint64(len(payload)))
	if err != nil {
		p.logger.Warn("classifier invocation fault", "error", err)
		return VerdictSafe, classifyPluginFault(err)
	}
	if len(results) == 0 {
		return VerdictSafe, &PluginFault{Reason: faultExec, Detail: "classify returned nothing"}
	}
	if int32(results[0]) == 1 {
		return VerdictDangerous, nil
	}
	return VerdictSafe, nil
}

func (p *Plugin) Close(ctx context.Context) error {
	return p.runtime.Close(ctx)
}

func classifyPluginFault(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &PluginFault{Reason: faultTimeout, Detail: err.Error()}
	}
	// wazero raises sys.ExitError on context-driven termination.
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return &PluginFault{Reason: faultTimeout, Detail: err.Error()}
	}
	return &PluginFault{Reason: faultExec, Detail: err.Error()}
}
