package batch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// CallableFunc is the direct-call convention for a model host.
type CallableFunc func(ctx context.Context, samples []float32) (any, error)

// methodPriority is the order in which named entry points are tried.
var methodPriority = []string{"Call", "Generate", "Transcribe"}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	samplesType = reflect.TypeOf([]float32(nil))
)

type invokeFunc func(ctx context.Context, samples []float32) (any, error)

// Probe adapts host to TranscriptionModel. When host exposes no usable entry point,
// or an invocation fails, reload is used once to build a fresh instance.
func Probe(ctx context.Context, host any, reload Loader) (TranscriptionModel, error) {
	invoke, convention, err := detect(host)
	if err != nil {
		if reload == nil {
			return nil, err
		}
		fresh, loadErr := reload(ctx)
		if loadErr != nil {
			return nil, fmt.Errorf("%w; reload failed: %w", err, loadErr)
		}
		invoke, convention, err = detect(fresh)
		if err != nil {
			return nil, err
		}
		host = fresh
	}
	return &probedModel{host: host, invoke: invoke, convention: convention, reload: reload}, nil
}

// detect finds the entry point: direct callable, then named methods by priority.
func detect(host any) (invokeFunc, string, error) {
	switch fn := host.(type) {
	case nil:
		return nil, "", errors.New("model host is nil")
	case CallableFunc:
		return invokeFunc(fn), "callable", nil
	case func(context.Context, []float32) (any, error):
		return invokeFunc(fn), "callable", nil
	}

	v := reflect.ValueOf(host)
	if v.Kind() == reflect.Func {
		if invoke, ok := reflectInvoker(v); ok {
			return invoke, "callable", nil
		}
	}
	for _, name := range methodPriority {
		m := v.MethodByName(name)
		if !m.IsValid() {
			continue
		}
		if invoke, ok := reflectInvoker(m); ok {
			return invoke, name, nil
		}
	}
	return nil, "", fmt.Errorf("model host %T exposes no supported invocation convention", host)
}

// reflectInvoker accepts functions taking any of (ctx), ([]float32) in that order and
// returning (result), (error) or (result, error).
func reflectInvoker(fn reflect.Value) (invokeFunc, bool) {
	t := fn.Type()
	var takesCtx bool
	switch t.NumIn() {
	case 1:
		if t.In(0) != samplesType {
			return nil, false
		}
	case 2:
		if t.In(0) != contextType || t.In(1) != samplesType {
			return nil, false
		}
		takesCtx = true
	default:
		return nil, false
	}

	resultIdx, errIdx := -1, -1
	switch t.NumOut() {
	case 1:
		if t.Out(0) == errorType {
			return nil, false
		}
		resultIdx = 0
	case 2:
		if t.Out(1) != errorType {
			return nil, false
		}
		resultIdx, errIdx = 0, 1
	default:
		return nil, false
	}

	return func(ctx context.Context, samples []float32) (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("model invocation panicked: %v", r)
			}
		}()
		args := []reflect.Value{reflect.ValueOf(samples)}
		if takesCtx {
			args = []reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(samples)}
		}
		out := fn.Call(args)
		if errIdx >= 0 && !out[errIdx].IsNil() {
			return nil, out[errIdx].Interface().(error)
		}
		return out[resultIdx].Interface(), nil
	}, true
}

type probedModel struct {
	mu         sync.Mutex
	host       any
	invoke     invokeFunc
	convention string
	reload     Loader
}

// Convention reports which entry point was selected.
func (m *probedModel) Convention() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.convention
}

func (m *probedModel) Transcribe(ctx context.Context, samples []float32) (string, error) {
	m.mu.Lock()
	invoke := m.invoke
	m.mu.Unlock()

	result, err := invoke(ctx, samples)
	if err != nil && m.reload != nil && ctx.Err() == nil {
		fresh, loadErr := m.reload(ctx)
		if loadErr != nil {
			return "", &ModelError{Kind: InvocationFailed, Err: fmt.Errorf("%w; reload failed: %w", err, loadErr)}
		}
		freshInvoke, convention, detectErr := detect(fresh)
		if detectErr != nil {
			return "", &ModelError{Kind: InvocationFailed, Err: fmt.Errorf("%w; %w", err, detectErr)}
		}
		m.mu.Lock()
		m.host, m.invoke, m.convention = fresh, freshInvoke, convention
		m.mu.Unlock()
		result, err = freshInvoke(ctx, samples)
	}
	if err != nil {
		return "", &ModelError{Kind: InvocationFailed, Err: err}
	}

	text, err := Normalize(result)
	if err != nil {
		return "", &ModelError{Kind: InvocationFailed, Err: err}
	}
	return text, nil
}
