package onlinegate

import "errors"

var (
	// ErrConnectivityTimeout Agent 在超时时间内未能上线
	ErrConnectivityTimeout = errors.New("agent did not come online before timeout")

	// ErrCancelled 等待被取消
	ErrCancelled = errors.New("placeholder cancelled")
)
