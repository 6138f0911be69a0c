package proxy

import (
	"fmt"
	"strings"
	"time"
)

// State 是单个代理请求在生命周期中的阶段。
type State string

const (
	StateReceived       State = "received"
	StateRouted         State = "routed"
	StateAwaitingTier   State = "awaiting_tier"
	StateHit            State = "hit"
	StateMissFetched    State = "miss_fetched"
	StateFailed         State = "failed"
	StateResponded      State = "responded"
	StateRespondedError State = "responded_error"
)

// transitions 列出每个状态允许进入的下一状态；终态没有出边。
var transitions = map[State][]State{
	StateReceived:     {StateRouted, StateFailed},
	StateRouted:       {StateAwaitingTier},
	StateAwaitingTier: {StateHit, StateMissFetched, StateFailed},
	StateHit:          {StateResponded},
	StateMissFetched:  {StateResponded},
	StateFailed:       {StateRespondedError},
}

// Terminal 表示请求已经写出响应。
func (s State) Terminal() bool {
	return s == StateResponded || s == StateRespondedError
}

// trace 记录一次请求经过的状态，非法迁移直接报错而不是静默覆盖。
type trace struct {
	started time.Time
	states  []State
}

func newTrace(now time.Time) *trace {
	return &trace{started: now, states: []State{StateReceived}}
}

func (t *trace) current() State {
	return t.states[len(t.states)-1]
}

func (t *trace) advance(next State) error {
	from := t.current()
	for _, allowed := range transitions[from] {
		if allowed == next {
			t.states = append(t.states, next)
			return nil
		}
	}
	return fmt.Errorf("illegal request transition %s -> %s", from, next)
}

// outcome 返回决定响应内容的状态（Hit/MissFetched/Failed）。
func (t *trace) outcome() State {
	for i := len(t.states) - 1; i >= 0; i-- {
		switch s := t.states[i]; s {
		case StateHit, StateMissFetched, StateFailed:
			return s
		}
	}
	return t.current()
}

func (t *trace) String() string {
	parts := make([]string, len(t.states))
	for i, s := range t.states {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}
