package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/frahmantamala/credit-recovery/internal"
	"github.com/frahmantamala/credit-recovery/internal/core/datamodel/credit"
	"github.com/frahmantamala/credit-recovery/internal/reconciliation"
)

type IntentRepository struct {
	db *gorm.DB
}

// NewIntentRepository expects db to be opened with TranslateError so unique
// violations surface as gorm.ErrDuplicatedKey.
func NewIntentRepository(db *gorm.DB) reconciliation.RepositoryAPI {
	return &IntentRepository{db: db}
}

func (r *IntentRepository) CreateIntent(ctx context.Context, intent *credit.PaymentIntent) error {
	intent.CreatedAt = intent.CreatedAt.UTC()
	intent.UpdatedAt = intent.UpdatedAt.UTC()
	err := r.db.WithContext(ctx).Create(intent).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return internal.NewConflictError(fmt.Sprintf("payment intent %s already exists", intent.Reference), internal.ErrCodePersistenceConflict)
	}
	return err
}

func (r *IntentRepository) GetIntentByReference(ctx context.Context, reference string) (*credit.PaymentIntent, error) {
	var intent credit.PaymentIntent
	err := r.db.WithContext(ctx).Where("reference = ?", reference).First(&intent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.ErrIntentNotFound
		}
		return nil, err
	}
	return &intent, nil
}

func (r *IntentRepository) ListIntentsPage(ctx context.Context, query reconciliation.IntentQuery) ([]*credit.PaymentIntent, error) {
	status := query.Status
	if status == "" {
		status = credit.StatusPending
	}
	q := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", status, query.Cutoff.UTC())
	if query.After != nil {
		after := query.After.CreatedAt.UTC()
		q = q.Where("(created_at > ? OR (created_at = ? AND id > ?))", after, after, query.After.ID)
	}

	var intents []*credit.PaymentIntent
	err := q.Order("created_at ASC").Order("id ASC").Limit(query.Limit).Find(&intents).Error
	return intents, err
}

func (r *IntentRepository) TransitionStatus(ctx context.Context, t reconciliation.Transition) (*credit.PaymentIntent, error) {
	if !t.From.CanTransitionTo(t.To) || t.To == credit.StatusCredited {
		return nil, fmt.Errorf("transition %s -> %s is not allowed here", t.From, t.To)
	}

	at := t.At.UTC()
	updates := map[string]interface{}{
		"status":     t.To,
		"version":    gorm.Expr("version + 1"),
		"updated_at": at,
	}
	switch t.To {
	case credit.StatusVerified:
		updates["verified_at"] = at
	case credit.StatusFailed, credit.StatusExpired:
		updates["closed_at"] = at
		if t.Reason != "" {
			updates["failure_reason"] = t.Reason
		}
		if t.Code != "" {
			updates["failure_code"] = t.Code
		}
	}

	var updated credit.PaymentIntent
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&credit.PaymentIntent{}).
			Where("reference = ? AND status = ? AND version = ?", t.Reference, t.From, t.Version).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return internal.ErrPersistenceConflict
		}

		if t.Audit != nil {
			if err := tx.Create(normalizeAudit(t.Audit)).Error; err != nil {
				return fmt.Errorf("failed to write audit entry: %w", err)
			}
		}

		return tx.Where("reference = ?", t.Reference).First(&updated).Error
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (r *IntentRepository) ApplyCredit(ctx context.Context, reference string, audit *credit.AuditEntry, at time.Time) (*credit.LedgerEntry, error) {
	at = at.UTC()
	var entry *credit.LedgerEntry

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var intent credit.PaymentIntent
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("reference = ?", reference).
			First(&intent).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return internal.ErrIntentNotFound
			}
			return err
		}

		// Another process may have finished while we waited for the lock.
		if intent.Status != credit.StatusVerified {
			return internal.ErrPersistenceConflict.WithCause(fmt.Errorf("intent is %s", intent.Status))
		}

		res := tx.Model(&credit.PaymentIntent{}).
			Where("id = ? AND status = ? AND version = ?", intent.ID, credit.StatusVerified, intent.Version).
			Updates(map[string]interface{}{
				"status":      credit.StatusCredited,
				"version":     gorm.Expr("version + 1"),
				"credited_at": at,
				"closed_at":   at,
				"updated_at":  at,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return internal.ErrPersistenceConflict
		}

		entry = &credit.LedgerEntry{
			Reference: intent.Reference,
			IntentID:  intent.ID,
			AccountID: intent.AccountID,
			Amount:    intent.Amount,
			Currency:  intent.Currency,
			CreatedAt: at,
		}
		if err := tx.Create(entry).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return internal.ErrPersistenceConflict.WithCause(err)
			}
			return fmt.Errorf("failed to append ledger entry: %w", err)
		}

		account := &credit.Account{AccountID: intent.AccountID, Balance: intent.Amount, UpdatedAt: at}
		err = tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"balance":    gorm.Expr("credit_accounts.balance + ?", intent.Amount),
				"updated_at": at,
			}),
		}).Create(account).Error
		if err != nil {
			return fmt.Errorf("failed to credit account %s: %w", intent.AccountID, err)
		}

		if audit != nil {
			if err := tx.Create(normalizeAudit(audit)).Error; err != nil {
				return fmt.Errorf("failed to write audit entry: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *IntentRepository) RecordAttempt(ctx context.Context, audit *credit.AuditEntry) error {
	return r.db.WithContext(ctx).Create(normalizeAudit(audit)).Error
}

// GetLedgerEntry returns nil without error when the reference was never credited.
func (r *IntentRepository) GetLedgerEntry(ctx context.Context, reference string) (*credit.LedgerEntry, error) {
	var entry credit.LedgerEntry
	err := r.db.WithContext(ctx).Where("reference = ?", reference).Limit(1).Find(&entry).Error
	if err != nil {
		return nil, err
	}
	if entry.ID == 0 {
		return nil, nil
	}
	return &entry, nil
}

func (r *IntentRepository) ListAudit(ctx context.Context, reference string) ([]*credit.AuditEntry, error) {
	var entries []*credit.AuditEntry
	err := r.db.WithContext(ctx).
		Where("reference = ?", reference).
		Order("created_at ASC").Order("id ASC").
		Find(&entries).Error
	return entries, err
}

func (r *IntentRepository) GetAccount(ctx context.Context, accountID string) (*credit.Account, error) {
	var account credit.Account
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func normalizeAudit(a *credit.AuditEntry) *credit.AuditEntry {
	a.CreatedAt = a.CreatedAt.UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return a
}
