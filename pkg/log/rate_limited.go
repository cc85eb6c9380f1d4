// Copyright 2022 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type rateLimitedLogger struct {
	logger Logger
	limit  *rate.Limiter
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if rl.limit.Allow() {
		rl.logger.Debugf(format, v...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if rl.limit.Allow() {
		rl.logger.Infof(format, v...)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if rl.limit.Allow() {
		rl.logger.Warningf(format, v...)
	}
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}

// KeyedRateLimiter rate limits statements separately for each key, so a
// guest repeating one refused syscall does not hide reports of the others.
// Keys should come from a bounded set, such as syscall names.
type KeyedRateLimiter struct {
	every time.Duration

	mu     sync.Mutex
	limits map[string]*rate.Limiter
}

// NewKeyedRateLimiter returns a KeyedRateLimiter allowing one statement per
// key per the provided duration.
func NewKeyedRateLimiter(every time.Duration) *KeyedRateLimiter {
	return &KeyedRateLimiter{
		every:  every,
		limits: make(map[string]*rate.Limiter),
	}
}

// Logger returns a Logger that logs to logger within key's budget.
func (k *KeyedRateLimiter) Logger(key string, logger Logger) Logger {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.limits[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(k.every), 1)
		k.limits[key] = l
	}
	return &rateLimitedLogger{logger: logger, limit: l}
}
