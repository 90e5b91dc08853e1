package runner

import (
	"context"

	"github.com/pkg/errors"

	"github.com/vfriday/skillet/pkg/backup"
	"github.com/vfriday/skillet/pkg/lock"
	"github.com/vfriday/skillet/pkg/logger"
)

// Decision names the operator's choice for an orphaned transaction.
type Decision string

const (
	DecisionRestore Decision = "restore"
	DecisionDiscard Decision = "discard"
)

// Recover resolves the residue of a crashed transaction: a stale engine
// lock and, if present, the orphaned backup set. Restore puts the tree
// back to its pre-transaction state; discard accepts the tree as it
// stands. A lock held by a live process blocks recovery.
func Recover(ctx context.Context, root string, decision Decision) error {
	if decision != DecisionRestore && decision != DecisionDiscard {
		return errors.Errorf("unknown recovery decision %q (want restore or discard)", decision)
	}
	log := logger.G(ctx)

	if lock.Held(root) {
		info, stale, err := lock.Inspect(root)
		if err != nil {
			return err
		}
		if !stale {
			return errors.Wrapf(lock.ErrEngineBusy,
				"engine lock held by live process %d (transaction %s)", info.PID, info.TxID)
		}
		if err := lock.Break(root); err != nil {
			return err
		}
		log.WithField("pid", info.PID).Info("broke stale engine lock")
	}

	set, found, err := backup.Open(root)
	if err != nil {
		return err
	}
	if !found {
		log.Debug("no orphaned backup set to recover")
		return nil
	}

	log = log.WithField("tx", set.TxID).WithField("skill", set.Skill)
	switch decision {
	case DecisionRestore:
		if err := set.Restore(); err != nil {
			return err
		}
		log.Info("restored working tree from orphaned backup set")
	case DecisionDiscard:
		if err := set.Discard(); err != nil {
			return err
		}
		log.Info("discarded orphaned backup set; working tree kept as is")
	}
	return nil
}
