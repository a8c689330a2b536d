// Package logging 结构化日志
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// ContextKey 上下文键类型
type ContextKey string

const (
	ControllerKey ContextKey = "controller"
	FleetIDKey    ContextKey = "fleet_id"
	InstanceIDKey ContextKey = "instance_id"
	TickIDKey     ContextKey = "tick_id"
)

// Logger 结构化日志器
type Logger struct {
	*slog.Logger
	component string
}

// Config 日志配置
type Config struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"` // json or text
	Output    string `yaml:"output"` // stdout, stderr, or file path
	Component string `yaml:"-"`
}

// New 创建新的日志器
func New(cfg Config) *Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			output = os.Stdout
		} else {
			output = f
		}
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{
		Logger:    slog.New(handler).With(slog.String("component", cfg.Component)),
		component: cfg.Component,
	}
}

// Default 创建默认日志器
func Default(component string) *Logger {
	return New(Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Format:    os.Getenv("LOG_FORMAT"),
		Output:    "stdout",
		Component: component,
	})
}

// Nop 丢弃所有输出（测试用）
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// Component 组件名
func (l *Logger) Component() string { return l.component }

func (l *Logger) with(attrs ...any) *Logger {
	return &Logger{
		Logger:    l.Logger.With(attrs...),
		component: l.component,
	}
}

// WithContext 从上下文提取控制器/fleet/实例信息
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var attrs []any
	for _, key := range []ContextKey{ControllerKey, FleetIDKey, InstanceIDKey, TickIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	if len(attrs) == 0 {
		return l
	}
	return l.with(attrs...)
}

// ContextWithController 在上下文中记录控制器名
func ContextWithController(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ControllerKey, name)
}

// ContextWithTick 在上下文中记录调和周期 ID
func ContextWithTick(ctx context.Context, tickID string) context.Context {
	return context.WithValue(ctx, TickIDKey, tickID)
}

// WithController 添加控制器名
func (l *Logger) WithController(name string) *Logger {
	return l.with(slog.String("controller", name))
}

// WithFleet 添加 fleet 标识
func (l *Logger) WithFleet(fleetID string) *Logger {
	return l.with(slog.String("fleet_id", fleetID))
}

// WithInstance 添加实例 ID
func (l *Logger) WithInstance(instanceID string) *Logger {
	return l.with(slog.String("instance_id", instanceID))
}

// WithLabel 添加调度标签
func (l *Logger) WithLabel(label string) *Logger {
	return l.with(slog.String("label", label))
}

// WithError 添加错误信息
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with(slog.String("error", err.Error()))
}

// WithDuration 添加持续时间
func (l *Logger) WithDuration(d time.Duration) *Logger {
	return l.with(slog.Float64("duration_ms", float64(d.Milliseconds())))
}

// HTTPRequestLog HTTP 请求日志
func (l *Logger) HTTPRequestLog(method, path string, status int, duration time.Duration, clientIP string) {
	l.Logger.Info("HTTP request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
		slog.String("client_ip", clientIP),
	)
}

// ProviderCallLog 云提供方调用日志
func (l *Logger) ProviderCallLog(operation, fleetID string, duration time.Duration, err error) {
	attrs := []any{
		slog.String("operation", operation),
		slog.String("fleet_id", fleetID),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Warn("provider call failed", attrs...)
	} else {
		l.Logger.Debug("provider call", attrs...)
	}
}

// TickLog 调和周期日志
func (l *Logger) TickLog(controller string, target, added, removed int, duration time.Duration, err error) {
	attrs := []any{
		slog.String("controller", controller),
		slog.Int("target_capacity", target),
		slog.Int("agents_added", added),
		slog.Int("agents_removed", removed),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Error("controller.update.failed", attrs...)
	} else {
		l.Logger.Debug("controller.update.done", attrs...)
	}
}
