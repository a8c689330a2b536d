package awsfleet

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/aws/smithy-go"

	"fleet-agents/internal/fleet"
)

const (
	codeInstanceNotFound = "InvalidInstanceID.NotFound"
)

var (
	instanceIDPattern = regexp.MustCompile(`i-[0-9a-f]+`)

	throttlingCodes = map[string]bool{
		"RequestLimitExceeded":                   true,
		"Throttling":                             true,
		"ThrottlingException":                    true,
		"TooManyRequestsException":               true,
		"RequestThrottled":                       true,
		"RequestThrottledException":              true,
		"ServiceUnavailable":                     true,
		"Unavailable":                            true,
		"InternalError":                          true,
		"InsufficientInstanceCapacity.Transient": true,
	}

	fleetNotFoundCodes = map[string]bool{
		"InvalidSpotFleetRequestId.NotFound":  true,
		"InvalidSpotFleetRequestId.Malformed": true,
		"InvalidFleetId.NotFound":             true,
		"InvalidFleetId.Malformed":            true,
	}
)

// errorCode 提取 AWS API 错误码，非 API 错误返回空串
func errorCode(err error) (code, message string) {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode(), apiErr.ErrorMessage()
	}
	return "", ""
}

// classify 将 SDK 错误归类：限流 → ErrTransientProvider，fleet 不存在 → ConfigurationError
func classify(id fleet.Identity, err error) error {
	if err == nil {
		return nil
	}
	code, _ := errorCode(err)
	switch {
	case throttlingCodes[code]:
		return fmt.Errorf("%w: %w", fleet.ErrTransientProvider, err)
	case fleetNotFoundCodes[code]:
		return fleet.NewConfigurationError(id, err)
	}
	return err
}

// notFoundInstances 从 InvalidInstanceID.NotFound 错误中解析出不存在的实例 ID
//
// 不是该类错误或无法解析出任何 ID 时 ok=false。
func notFoundInstances(err error) (ids []string, ok bool) {
	code, msg := errorCode(err)
	if code != codeInstanceNotFound {
		return nil, false
	}
	ids = instanceIDPattern.FindAllString(msg, -1)
	return ids, len(ids) > 0
}

// isTransient 是否可重试
func isTransient(err error) bool {
	return errors.Is(err, fleet.ErrTransientProvider)
}

// retryPolicy 限流重试策略
type retryPolicy struct {
	Attempts uint
	Delay    time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{Attempts: 3, Delay: 200 * time.Millisecond}
}

// do 执行 fn，限流错误按指数退避重试
func (p retryPolicy) do(ctx context.Context, op string, fn func() error) error {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(p.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(isTransient),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			logger.Warn("provider call throttled, retrying",
				"operation", op, "attempt", attempt, "error", err)
		}),
	)
}

// joinIDs 用于日志
func joinIDs(ids []string) string {
	if len(ids) > 5 {
		return strings.Join(ids[:5], ",") + fmt.Sprintf(",...(%d)", len(ids))
	}
	return strings.Join(ids, ",")
}
