package models

import (
	"errors"
	"fmt"
)

// ErrorKind 流水线错误分类
type ErrorKind string

const (
	KindConfiguration  ErrorKind = "configuration"
	KindValidation     ErrorKind = "validation"
	KindTransientInfra ErrorKind = "transient_infra"
	KindIntegrity      ErrorKind = "integrity"
)

// 分类哨兵（配合 errors.Is 使用）
var (
	ErrConfiguration  = &PipelineError{Kind: KindConfiguration}
	ErrValidation     = &PipelineError{Kind: KindValidation}
	ErrTransientInfra = &PipelineError{Kind: KindTransientInfra}
	ErrIntegrity      = &PipelineError{Kind: KindIntegrity}
)

// 仓库哨兵
var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("alert id already exists with different content")
	ErrLedgerRefImmutable = errors.New("ledger ref already set")
)

// PipelineError 带分类的流水线错误
type PipelineError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *PipelineError) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s error in %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s error in %s", e.Kind, e.Op)
	default:
		return fmt.Sprintf("%s error", e.Kind)
	}
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Is 按分类比较
func (e *PipelineError) Is(target error) bool {
	t, ok := target.(*PipelineError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// ConfigurationError 配置错误（未知病情、缺少指标、未知哈希版本）
func ConfigurationError(op string, format string, args ...interface{}) error {
	return &PipelineError{Kind: KindConfiguration, Op: op, Err: fmt.Errorf(format, args...)}
}

// ValidationError 读数格式错误
func ValidationError(op string, format string, args ...interface{}) error {
	return &PipelineError{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// TransientError 包装基础设施临时错误
func TransientError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PipelineError{Kind: KindTransientInfra, Op: op, Err: err}
}

// IntegrityError 哈希不一致
func IntegrityError(op string, format string, args ...interface{}) error {
	return &PipelineError{Kind: KindIntegrity, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf 返回错误分类（非流水线错误返回空）
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
