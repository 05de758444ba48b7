package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"
)

// pruneRunner is the slice of the memory manager the pruner needs.
type pruneRunner interface {
	Prune(ctx context.Context) (int64, error)
}

// Pruner periodically removes turns past the retention window. A redis lock
// keeps replicas from pruning concurrently; without redis it runs unlocked.
type Pruner struct {
	Memory   pruneRunner
	Schedule string
	Rdb      *redis.Client
	Stop     chan struct{}
	Logger   *log.Logger

	lastRun *time.Time
}

func (p *Pruner) Start() {
	if p.Logger == nil {
		p.Logger = log.New(log.Writer(), "[PRUNE] ", log.LstdFlags)
	}
	ticker := time.NewTicker(10 * time.Minute)
	go func() {
		for {
			select {
			case <-p.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				p.tick()
			}
		}
	}()
}

func (p *Pruner) tick() {
	if !isDue(p.Schedule, p.lastRun) {
		return
	}
	ctx := context.Background()

	if p.Rdb != nil {
		ok, _ := p.Rdb.SetNX(ctx, "ragline:prune:lock", "1", 5*time.Minute).Result()
		if !ok {
			return
		}
		defer p.Rdb.Del(ctx, "ragline:prune:lock")
	}

	now := time.Now()
	p.lastRun = &now
	removed, err := p.Memory.Prune(ctx)
	if err != nil {
		p.Logger.Printf("prune failed: %v", err)
		return
	}
	if removed > 0 {
		p.Logger.Printf("prune removed %d turn(s)", removed)
	}
}

// isDue determines if a job with cronSpec should run now based on last run
// time. Supports "@daily", "@hourly", and standard 5-field cron expressions.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			// Invalid spec degrades to @daily.
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
