package miner

import (
	"context"
	"sync"
)

// AccountGuard 每个账户一个令牌：挖矿+提交、积压回放互斥
type AccountGuard struct {
	mu     sync.Mutex
	tokens map[string]chan struct{}
}

func NewAccountGuard() *AccountGuard {
	return &AccountGuard{tokens: make(map[string]chan struct{})}
}

func (g *AccountGuard) token(account string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.tokens[account]
	if !ok {
		ch = make(chan struct{}, 1)
		g.tokens[account] = ch
	}
	return ch
}

// Acquire blocks until the account is free or ctx is done.
func (g *AccountGuard) Acquire(ctx context.Context, account string) (release func(), err error) {
	ch := g.token(account)
	select {
	case ch <- struct{}{}:
		return releaseOnce(ch), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire returns false immediately when the account is busy.
func (g *AccountGuard) TryAcquire(account string) (func(), bool) {
	ch := g.token(account)
	select {
	case ch <- struct{}{}:
		return releaseOnce(ch), true
	default:
		return nil, false
	}
}

// Busy reports whether someone holds the account.
func (g *AccountGuard) Busy(account string) bool {
	return len(g.token(account)) > 0
}

func releaseOnce(ch chan struct{}) func() {
	var once sync.Once
	return func() { once.Do(func() { <-ch }) }
}
