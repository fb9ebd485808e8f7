package camera

import "time"

// RetryPolicy は一時的な読み取り失敗に対する再試行の方針
type RetryPolicy struct {
	// AutoRetry が true の場合、Reader が一時的な失敗の後に自分で ReadSample を再発行する
	AutoRetry bool
	// MaxRetries を超えて連続で失敗すると FatalReadError に昇格する。0 以下で無制限
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy はデフォルトの再試行方針を返す
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		AutoRetry:  true,
		MaxRetries: 5,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   time.Second,
	}
}

// exhausted は連続失敗回数が上限を超えたか判定する
func (p RetryPolicy) exhausted(failures int) bool {
	return p.MaxRetries > 0 && failures > p.MaxRetries
}

// Backoff は attempt 回目の再試行までの待ち時間を返す (attempt は1始まり)
// BaseDelay * 2^(attempt-1) を MaxDelay で頭打ちにする
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 {
		attempt = 32
	}
	if p.BaseDelay <= 0 {
		return 0
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
