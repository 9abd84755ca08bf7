// Package tracing OpenTelemetry 追踪（jaeger 导出），saga 步骤与 HTTP 请求各一个 span
package tracing

import (
	"context"
	"net/http"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/exchange/saga/pkg/logger"
)

type Config struct {
	ServiceName string
	Endpoint    string // Jaeger collector endpoint
	Enabled     bool
	SampleRate  float64 // 0.0-1.0
}

const (
	httpTraceHeader = "X-Trace-ID"
	tracerName      = "exchange-saga/tracing"
	defaultService  = "exchange-saga"
)

// span 属性
const (
	AttrSagaID    = attribute.Key("saga.id")
	AttrSagaName  = attribute.Key("saga.name")
	AttrStepName  = attribute.Key("saga.step.name")
	AttrStepIndex = attribute.Key("saga.step.index")
	AttrOperation = attribute.Key("saga.op")
	AttrPanic     = attribute.Key("saga.step.panic")
)

var enabled atomic.Bool

// Init 安装全局 TracerProvider。未启用时安装 noop provider，返回的 shutdown 可直接调用。
func Init(cfg Config) (shutdown func(context.Context) error, err error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		enabled.Store(false)
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	service := cfg.ServiceName
	if service == "" {
		service = defaultService
	}
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
	if err != nil {
		return nil, err
	}
	res, err := sdkresource.New(context.Background(),
		sdkresource.WithAttributes(attribute.String("service.name", service)),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRate(cfg.SampleRate)))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	enabled.Store(true)
	return tp.Shutdown, nil
}

func clampRate(rate float64) float64 {
	if rate <= 0 {
		return 0
	}
	if rate >= 1 {
		return 1
	}
	return rate
}

// Enabled reports whether Init installed a real tracer provider.
func Enabled() bool {
	return enabled.Load()
}

// StartSpan 开始一个 span；未启用时返回 ctx 原样和 noop span
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !enabled.Load() {
		return ctx, trace.SpanFromContext(context.Background())
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, name, opts...)
	return withLogIDs(ctx, span), span
}

// StartStepSpan 为一次步骤执行或补偿开启 span，op 为 execute / compensate
func StartStepSpan(ctx context.Context, op, sagaName, sagaID, step string, index int) (context.Context, trace.Span) {
	return StartSpan(ctx, "saga."+op+" "+step, trace.WithAttributes(
		AttrOperation.String(op),
		AttrSagaName.String(sagaName),
		AttrSagaID.String(sagaID),
		AttrStepName.String(step),
		AttrStepIndex.Int(index),
	))
}

// EndStep 记录步骤结果并结束 span
func EndStep(span trace.Span, err error, panicked bool) {
	if span.IsRecording() {
		if panicked {
			span.SetAttributes(AttrPanic.Bool(true))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

// SetError 记录错误到当前 span
func SetError(ctx context.Context, err error) {
	if !enabled.Load() || ctx == nil || err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Inject 把当前 trace 上下文写入出站请求头
func Inject(ctx context.Context, header http.Header) {
	if !enabled.Load() || ctx == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
}

// HTTPMiddleware 入站请求追踪，响应头带 X-Trace-ID
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !enabled.Load() {
			next.ServeHTTP(w, r)
			return
		}

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("url.path", r.URL.Path),
		)
		if traceID := TraceIDFromContext(ctx); traceID != "" {
			w.Header().Set(httpTraceHeader, traceID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func TraceIDFromContext(ctx context.Context) string {
	if !enabled.Load() || ctx == nil {
		return ""
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

// withLogIDs 让 logger.WithContext 能带上 trace/span id
func withLogIDs(ctx context.Context, span trace.Span) context.Context {
	sc := span.SpanContext()
	if !sc.IsValid() {
		return ctx
	}
	ctx = logger.ContextWithTraceID(ctx, sc.TraceID().String())
	return logger.ContextWithSpanID(ctx, sc.SpanID().String())
}
