package ledger

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/arnavshah/rota-swap-go/pkg/models"
	"gorm.io/gorm"
)

// unitOfWork caches shifts read inside a transaction and writes the touched
// ones back with one revision-checked update each.
type unitOfWork struct {
	tx      *gorm.DB
	shifts  map[string]*models.ShiftInstance
	revs    map[string]int64
	touched map[string]bool
	err     error
}

func newUnitOfWork(tx *gorm.DB) *unitOfWork {
	return &unitOfWork{
		tx:      tx,
		shifts:  make(map[string]*models.ShiftInstance),
		revs:    make(map[string]int64),
		touched: make(map[string]bool),
	}
}

func (u *unitOfWork) Shift(id string) (*models.ShiftInstance, error) {
	if sh, ok := u.shifts[id]; ok {
		return sh, nil
	}
	var inst models.ShiftInstance
	if err := u.tx.Where("id = ?", id).Take(&inst).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("shift %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	u.shifts[id] = &inst
	u.revs[id] = inst.Revision
	return &inst, nil
}

func (u *unitOfWork) Touch(inst *models.ShiftInstance) {
	if cached, ok := u.shifts[inst.ID]; !ok || cached != inst {
		u.err = invalid("shift %s was not read in this transaction", inst.ID)
		return
	}
	u.touched[inst.ID] = true
}

func (u *unitOfWork) flush(now time.Time) error {
	if u.err != nil {
		return u.err
	}
	ids := make([]string, 0, len(u.touched))
	for id := range u.touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		inst := u.shifts[id]
		if err := validateShift(inst); err != nil {
			return err
		}
		expected := u.revs[id]
		inst.Revision = expected + 1
		inst.UpdatedAt = now

		res := u.tx.Model(&models.ShiftInstance{}).
			Where("id = ? AND revision = ?", id, expected).
			Updates(map[string]any{
				"starts_at":       inst.Start.UTC(),
				"ends_at":         inst.End.UTC(),
				"worker_ref":      inst.WorkerRef,
				"department_ref":  inst.DepartmentRef,
				"status":          inst.Status,
				"pending_swap_id": inst.PendingSwapID,
				"revision":        inst.Revision,
				"updated_at":      now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return conflict("shift %s changed concurrently (revision %d)", id, expected)
		}
	}
	return nil
}
