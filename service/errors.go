package service

import (
	"errors"
	"fmt"

	"cinegraph-server/models"
)

// BuildError: 项目定义非法，提交前同步返回，不产生任何阶段
type BuildError struct {
	Reason string
}

func (e *BuildError) Error() string {
	return "build error: " + e.Reason
}

func buildErrorf(format string, args ...interface{}) *BuildError {
	return &BuildError{Reason: fmt.Sprintf(format, args...)}
}

// PolicyRejection: 安全门拒绝，不可重试，只影响所属场景子图
type PolicyRejection struct {
	Reason string
}

func (e *PolicyRejection) Error() string {
	return "policy rejection: " + e.Reason
}

// TransientError: 网络/资源类失败，按退避策略重试
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError: 适配器报告的输入错误，立即升级，不重试
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// InvalidStateError: 调用方误用，例如对非 failed 项目发起 retry
type InvalidStateError struct {
	Reason string
}

func (e *InvalidStateError) Error() string {
	return "invalid state: " + e.Reason
}

// StorageError: 资产存储不可用，调度器按 transient 处理
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return "storage: " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func transientf(format string, args ...interface{}) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

func permanentf(format string, args ...interface{}) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// classifyError maps an execution error onto a stage failure classification.
func classifyError(err error) string {
	var policy *PolicyRejection
	if errors.As(err, &policy) {
		return models.ErrKindPolicy
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return models.ErrKindPermanent
	}
	// StorageError 与未知错误一律按 transient 处理
	return models.ErrKindTransient
}
