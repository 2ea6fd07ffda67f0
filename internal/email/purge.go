package email

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"studybuddy/internal/repositories"
)

const DefaultPurgeCron = "0 3 * * *"

// PurgeResult counts rows removed by one purge run.
type PurgeResult struct {
	Confirmations int64
	Tokens        int64
}

// Purger removes expired confirmation tokens and revocation entries for
// session tokens that have expired anyway.
type Purger struct {
	confirmations repositories.ConfirmationRepository
	tokens        repositories.TokenRepository
	log           *zap.Logger
	now           func() time.Time
}

func NewPurger(confirmations repositories.ConfirmationRepository, tokens repositories.TokenRepository, log *zap.Logger) *Purger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Purger{confirmations: confirmations, tokens: tokens, log: log, now: time.Now}
}

// PurgeOnce runs both cleanups; a failure in one does not skip the other.
func (p *Purger) PurgeOnce(ctx context.Context) (PurgeResult, error) {
	now := p.now().UTC()
	var res PurgeResult

	n, errConf := p.confirmations.PurgeExpiredConfirmations(ctx, now)
	if errConf != nil {
		errConf = fmt.Errorf("purge confirmations: %w", errConf)
	} else {
		res.Confirmations = n
	}

	n, errTok := p.tokens.PurgeRevokedTokens(ctx, now)
	if errTok != nil {
		errTok = fmt.Errorf("purge revoked tokens: %w", errTok)
	} else {
		res.Tokens = n
	}

	p.log.Info("purge finished",
		zap.Int64("confirmations", res.Confirmations),
		zap.Int64("revoked_tokens", res.Tokens),
	)
	return res, errors.Join(errConf, errTok)
}

// StartScheduler runs PurgeOnce on every tick of cronExpr until ctx is done.
func (p *Purger) StartScheduler(ctx context.Context, cronExpr string) (context.CancelFunc, error) {
	if cronExpr == "" {
		cronExpr = DefaultPurgeCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid purge cron expression: %s", cronExpr)
	}

	ctx, cancel := context.WithCancel(ctx)
	go p.runScheduler(ctx, cronExpr)
	p.log.Info("purge scheduler started", zap.String("cron", cronExpr))
	return cancel, nil
}

func (p *Purger) runScheduler(ctx context.Context, cronExpr string) {
	for {
		next, err := gronx.NextTickAfter(cronExpr, p.now().UTC(), false)
		if err != nil {
			p.log.Error("purge next tick", zap.String("cron", cronExpr), zap.Error(err))
			if !sleep(ctx, 30*time.Second) {
				return
			}
			continue
		}

		if !sleep(ctx, time.Until(next)) {
			p.log.Info("purge scheduler stopping")
			return
		}
		if _, err := p.PurgeOnce(ctx); err != nil {
			p.log.Error("purge run", zap.Error(err))
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
