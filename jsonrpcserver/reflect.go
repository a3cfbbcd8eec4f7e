package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrNotFunction         = errors.New("not a function")
	ErrMustReturnError     = errors.New("function must return error as a last return value")
	ErrMustHaveContext     = errors.New("function must have context.Context as a first argument")
	ErrTooManyReturnValues = errors.New("too many return values")

	ErrInvalidParams = errors.New("invalid params")
	ErrInternal      = errors.New("internal error")

	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

type method struct {
	fn      reflect.Value
	args    []reflect.Type
	returns int
}

func newMethod(fn interface{}) (method, error) {
	fnType := reflect.TypeOf(fn)
	if fnType == nil || fnType.Kind() != reflect.Func {
		return method{}, ErrNotFunction
	}
	if fnType.NumIn() == 0 || fnType.In(0) != contextType {
		return method{}, ErrMustHaveContext
	}
	numOut := fnType.NumOut()
	if numOut == 0 || !fnType.Out(numOut-1).Implements(errorType) {
		return method{}, ErrMustReturnError
	}
	if numOut > 2 {
		return method{}, ErrTooManyReturnValues
	}

	args := make([]reflect.Type, fnType.NumIn()-1)
	for i := range args {
		args[i] = fnType.In(i + 1)
	}
	return method{fn: reflect.ValueOf(fn), args: args, returns: numOut}, nil
}

// call decodes params positionally. Missing trailing params get zero values.
func (m method) call(ctx context.Context, params []json.RawMessage) (any, error) {
	args, err := decodeParams(m.args, params)
	if err != nil {
		return nil, err
	}
	in := append([]reflect.Value{reflect.ValueOf(ctx)}, args...)
	out := m.fn.Call(in)

	var outErr error
	if errVal := out[len(out)-1]; !errVal.IsNil() {
		outErr, _ = errVal.Interface().(error)
	}
	if m.returns == 1 {
		return nil, outErr
	}
	return out[0].Interface(), outErr
}

func decodeParams(types []reflect.Type, params []json.RawMessage) ([]reflect.Value, error) {
	if len(params) > len(types) {
		return nil, fmt.Errorf("%w: expected at most %d, got %d", ErrInvalidParams, len(types), len(params))
	}
	args := make([]reflect.Value, len(types))
	for i, t := range types {
		arg := reflect.New(t)
		if i < len(params) {
			if err := json.Unmarshal(params[i], arg.Interface()); err != nil {
				return nil, fmt.Errorf("%w: param %d: %s", ErrInvalidParams, i, err.Error())
			}
		}
		args[i] = arg.Elem()
	}
	return args, nil
}
